package gasbus

import "time"

type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	switch d {
	case Output:
		return "OUTPUT"
	default:
		return "INPUT"
	}
}

// Ack is the ninth bit of every byte on the bus.
type Ack uint8

const (
	ACK  Ack = 0
	NACK Ack = 1
)

func (a Ack) String() string {
	if a == ACK {
		return "ACK"
	}
	return "NACK"
}

// Level returns the data line level that carries the acknowledge bit.
func (a Ack) Level() Level {
	return a == NACK
}

// Pin is one general purpose line used as SCL or SDA.
//
// Write only sets the output latch; the level reaches the line while the pin
// is configured as Output. Input releases the line to the pull-up.
type Pin interface {
	SetDirection(d Direction) error
	Write(l Level) error
	Read() (Level, error)
}

// Delayer blocks the calling goroutine for d without yielding the bus.
type Delayer interface {
	Delay(d time.Duration)
}

type DelayFunc func(d time.Duration)

func (f DelayFunc) Delay(d time.Duration) {
	f(d)
}
