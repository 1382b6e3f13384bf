package softi2c

import (
	"time"

	"periph.io/x/conn/v3/physic"
)

// Timing holds the wait applied after each line transition. Any set of values
// that satisfies the slave's setup and hold times works; nothing in the
// protocol depends on the exact numbers.
type Timing struct {
	// BitSetup is the time data is held stable before the clock rises.
	BitSetup time.Duration
	// ClockHigh is the time the clock stays high for every bit.
	ClockHigh time.Duration
	// ClockLow is the time the clock stays low after it falls.
	ClockLow time.Duration
	// StartHold separates the edges of a start condition.
	StartHold time.Duration
	// StopSetup separates the edges of a stop condition and is also the bus
	// free time left after it.
	StopSetup time.Duration
	// AckSetup is the time the data line is left released before the
	// acknowledge clock.
	AckSetup time.Duration
}

// DefaultTiming keeps SCL around 20 kHz, well inside standard mode limits.
var DefaultTiming = Timing{
	BitSetup:  5 * time.Microsecond,
	ClockHigh: 20 * time.Microsecond,
	ClockLow:  20 * time.Microsecond,
	StartHold: 50 * time.Microsecond,
	StopSetup: 50 * time.Microsecond,
	AckSetup:  40 * time.Microsecond,
}

// TimingFor derives a timing envelope for the requested clock frequency.
// Zero or negative frequency returns DefaultTiming.
func TimingFor(f physic.Frequency) Timing {
	if f <= 0 {
		return DefaultTiming
	}
	period := f.Period()
	half := period / 2
	return Timing{
		BitSetup:  period / 4,
		ClockHigh: half,
		ClockLow:  period / 4,
		StartHold: half,
		StopSetup: half,
		AckSetup:  period / 4,
	}
}

// Frequency reports the clock frequency a data bit is sent with.
func (t Timing) Frequency() physic.Frequency {
	period := t.BitSetup + t.ClockHigh + t.ClockLow
	if period <= 0 {
		return 0
	}
	return physic.PeriodToFrequency(period)
}
