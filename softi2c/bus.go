// Package softi2c drives a single-master I2C bus over two general purpose
// pins.
//
// The bus is bit-banged: every transition of SCL and SDA is issued by the
// host and followed by a fixed busy-wait taken from Timing. Clock stretching
// is not detected: a slave holding SCL low is not waited for and the
// transfer silently loses timing. Retarget Timing when porting to a slave
// that needs it.
//
// Typical usage:
//
//	bus := softi2c.New(scl, sda, softi2c.WithFrequency(10*physic.KiloHertz))
//	err := bus.WriteToAddr(ctx, 0x58, []byte{0x20, 0x03})
package softi2c

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3/cpu"

	"github.com/mklimuk/gasbus"
)

var _ gasbus.I2CMaster = &Bus{}
var _ gasbus.I2CBus = &Bus{}

type BusOpts struct {
	Timing         Timing
	Delayer        gasbus.Delayer
	ContinueOnNACK bool
}

type BusOpt func(*BusOpts)

func WithTiming(t Timing) BusOpt {
	return func(o *BusOpts) {
		o.Timing = t
	}
}

func WithFrequency(f physic.Frequency) BusOpt {
	return func(o *BusOpts) {
		o.Timing = TimingFor(f)
	}
}

// WithDelayer replaces the busy-wait used between line transitions.
func WithDelayer(d gasbus.Delayer) BusOpt {
	return func(o *BusOpts) {
		o.Delayer = d
	}
}

// WithContinueOnNACK keeps clocking out the remaining bytes of a frame after
// a byte was refused. The refusal is still reported once the frame is
// stopped.
func WithContinueOnNACK() BusOpt {
	return func(o *BusOpts) {
		o.ContinueOnNACK = true
	}
}

// Bus is a bit-banged I2C master. The primitives (Start, Stop, WriteByte,
// ReadByte) are not guarded; WriteToAddr and ReadFromAddr hold the bus for
// a whole frame.
type Bus struct {
	mx  sync.Mutex
	scl gasbus.Pin
	sda gasbus.Pin

	config     BusOpts
	configured bool
}

func New(scl, sda gasbus.Pin, opts ...BusOpt) *Bus {
	config := BusOpts{
		Timing:  DefaultTiming,
		Delayer: gasbus.DelayFunc(cpu.Nanospin),
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &Bus{
		scl:    scl,
		sda:    sda,
		config: config,
	}
}

func (b *Bus) Timing() Timing {
	return b.config.Timing
}

// Init drives both lines to the idle (high) state. Start calls it on first
// use.
func (b *Bus) Init() error {
	l := b.lines()
	l.set(b.scl, gasbus.High, 0)
	l.dir(b.scl, gasbus.Output)
	l.set(b.sda, gasbus.High, 0)
	l.dir(b.sda, gasbus.Output)
	l.wait(b.config.Timing.StopSetup)
	if l.err != nil {
		return fmt.Errorf("softi2c: init: %w", l.err)
	}
	b.configured = true
	return nil
}

// Start issues a start condition: SDA falls while SCL is high, then SCL is
// pulled low ready for the first bit. Only pin failures are reported; a
// slave that missed the condition shows up later as a NACK.
func (b *Bus) Start() error {
	if !b.configured {
		if err := b.Init(); err != nil {
			return err
		}
	}
	t := b.config.Timing
	l := b.lines()
	l.set(b.sda, gasbus.High, 0)
	l.dir(b.sda, gasbus.Output)
	l.set(b.scl, gasbus.High, t.StartHold)
	l.set(b.sda, gasbus.Low, t.StartHold)
	l.set(b.scl, gasbus.Low, t.ClockLow)
	if l.err != nil {
		return fmt.Errorf("softi2c: start: %w", l.err)
	}
	return nil
}

// Stop issues a stop condition: SDA rises while SCL is high. Both lines are
// left high.
func (b *Bus) Stop() error {
	t := b.config.Timing
	l := b.lines()
	l.set(b.scl, gasbus.Low, 0)
	l.set(b.sda, gasbus.Low, 0)
	l.dir(b.sda, gasbus.Output)
	l.wait(t.BitSetup)
	l.set(b.scl, gasbus.High, t.StopSetup)
	l.set(b.sda, gasbus.High, t.StopSetup)
	if l.err != nil {
		return fmt.Errorf("softi2c: stop: %w", l.err)
	}
	return nil
}

// WriteByte clocks v out most significant bit first and samples the
// acknowledge bit. It reports what the slave answered and never retries.
func (b *Bus) WriteByte(v byte) (gasbus.Ack, error) {
	t := b.config.Timing
	l := b.lines()
	l.dir(b.sda, gasbus.Output)
	for i := range 8 {
		if i > 0 {
			l.wait(t.ClockLow)
		}
		l.set(b.sda, v&0x80 != 0, t.BitSetup)
		l.set(b.scl, gasbus.High, t.ClockHigh)
		l.set(b.scl, gasbus.Low, 0)
		v <<= 1
	}
	// the slave answers on the last falling edge, SDA is released right away
	l.dir(b.sda, gasbus.Input)
	l.wait(t.AckSetup)
	l.set(b.scl, gasbus.High, t.ClockHigh)
	level := l.read(b.sda)
	l.set(b.scl, gasbus.Low, t.ClockLow)
	if l.err != nil {
		return gasbus.NACK, fmt.Errorf("softi2c: write byte: %w", l.err)
	}
	if level == gasbus.High {
		return gasbus.NACK, nil
	}
	return gasbus.ACK, nil
}

// ReadByte clocks in eight bits from the slave, most significant first, and
// answers with ack: ACK asks for another byte, NACK ends the read.
func (b *Bus) ReadByte(ack gasbus.Ack) (byte, error) {
	t := b.config.Timing
	l := b.lines()
	l.dir(b.sda, gasbus.Input)
	var v byte
	for range 8 {
		l.set(b.scl, gasbus.High, t.ClockHigh)
		v <<= 1
		if l.read(b.sda) == gasbus.High {
			v |= 0x01
		}
		l.set(b.scl, gasbus.Low, t.ClockLow)
	}
	// latch before switching direction so SDA does not glitch
	l.set(b.sda, ack.Level(), 0)
	l.dir(b.sda, gasbus.Output)
	l.wait(t.BitSetup)
	l.set(b.scl, gasbus.High, t.ClockHigh)
	l.set(b.scl, gasbus.Low, t.ClockLow)
	if l.err != nil {
		return 0, fmt.Errorf("softi2c: read byte: %w", l.err)
	}
	return v, nil
}

func (b *Bus) lines() *lines {
	return &lines{delay: b.config.Delayer}
}

// lines sequences pin operations and keeps the first error; every later call
// becomes a no-op.
type lines struct {
	delay gasbus.Delayer
	err   error
}

func (l *lines) set(p gasbus.Pin, level gasbus.Level, d time.Duration) {
	if l.err != nil {
		return
	}
	l.err = p.Write(level)
	l.wait(d)
}

func (l *lines) dir(p gasbus.Pin, d gasbus.Direction) {
	if l.err != nil {
		return
	}
	l.err = p.SetDirection(d)
}

func (l *lines) read(p gasbus.Pin) gasbus.Level {
	if l.err != nil {
		return gasbus.High
	}
	var level gasbus.Level
	level, l.err = p.Read()
	return level
}

func (l *lines) wait(d time.Duration) {
	if l.err != nil || d <= 0 {
		return
	}
	l.delay.Delay(d)
}
