// Package sim is a software two-wire bus for exercising bit-banged masters
// without hardware.
//
// Both lines are open drain with a pull-up: a line is low when either party
// pulls it low. The master side gets SCL and SDA as gasbus.Pin values; the
// slave side is a Slave fed by a decoder that recognises start and stop
// conditions, clocks bits in and out and handles the acknowledge slot. Time
// is virtual: Delay and Sleep only advance the bus clock.
package sim

import (
	"context"
	"sync"
	"time"

	"github.com/mklimuk/gasbus"
)

// Slave is the device side of the simulated bus.
type Slave interface {
	// Start is called on every start and repeated start condition.
	Start()
	// Address receives the 7-bit address and direction of a transfer.
	// Returning false leaves the acknowledge slot high.
	Address(addr byte, read bool) bool
	// Write receives a byte written by the master; the result is the
	// acknowledge the slave gives.
	Write(b byte) bool
	// Read supplies the next byte the master clocks in.
	Read() byte
	// Acked receives the master's answer to the byte just read.
	Acked(ack gasbus.Ack)
	// Stop is called on a stop condition.
	Stop()
}

// Transfer is one start..stop frame as seen on the wires.
type Transfer struct {
	Started time.Duration
	Stopped time.Duration
	// Address is the address byte as clocked, direction bit included.
	Address byte
	// Data holds the bytes after the address in either direction.
	Data []byte
	// Acks holds the acknowledge of the address byte followed by one per
	// data byte.
	Acks []gasbus.Ack
	// Complete is set once the frame has been stopped.
	Complete bool
}

func (t Transfer) Read() bool {
	return t.Address&0x01 == 1
}

type phase int

const (
	phaseIdle phase = iota
	phaseAddress
	phaseReceive
	phaseSend
	// phaseIgnore waits for the next start or stop after a refused byte
	phaseIgnore
)

const (
	lineSCL = 0
	lineSDA = 1
)

type line struct {
	dir   gasbus.Direction
	latch gasbus.Level
}

// Bus is the simulated pair of lines with one slave attached.
type Bus struct {
	mx    sync.Mutex
	slave Slave
	now   time.Duration
	lines [2]line
	// slaveSDA is low while the slave pulls the data line. Changes decided
	// on a falling clock edge wait in next until time advances or SCL rises,
	// the way a real slave honours its data hold time.
	slaveSDA gasbus.Level
	next     gasbus.Level
	pending  bool
	stuck    int

	phase     phase
	bit       int
	shift     byte
	sending   byte
	acked     bool
	masterAck gasbus.Ack

	transfers  []Transfer
	contention []time.Duration
	lastRise   time.Duration
	minHigh    time.Duration
	clocks     int
}

func NewBus(slave Slave) *Bus {
	return &Bus{
		slave:    slave,
		slaveSDA: gasbus.High,
		lines: [2]line{
			{dir: gasbus.Input, latch: gasbus.High},
			{dir: gasbus.Input, latch: gasbus.High},
		},
	}
}

func (b *Bus) SCL() gasbus.Pin {
	return &pin{bus: b, idx: lineSCL}
}

func (b *Bus) SDA() gasbus.Pin {
	return &pin{bus: b, idx: lineSDA}
}

// Delay advances the bus clock.
func (b *Bus) Delay(d time.Duration) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.commit()
	b.now += d
}

// Sleep advances the bus clock unless ctx is already done. It matches the
// wait hook used by device drivers.
func (b *Bus) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.Delay(d)
	return nil
}

func (b *Bus) Now() time.Duration {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.now
}

// Levels returns the current level of SCL and SDA.
func (b *Bus) Levels() (scl, sda gasbus.Level) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.level(lineSCL), b.level(lineSDA)
}

// Transfers returns a copy of every frame seen so far.
func (b *Bus) Transfers() []Transfer {
	b.mx.Lock()
	defer b.mx.Unlock()
	out := make([]Transfer, len(b.transfers))
	for i, t := range b.transfers {
		t.Data = append([]byte(nil), t.Data...)
		t.Acks = append([]gasbus.Ack(nil), t.Acks...)
		out[i] = t
	}
	return out
}

// Contention returns the instants the master drove SDA high while the slave
// was pulling it low.
func (b *Bus) Contention() []time.Duration {
	b.mx.Lock()
	defer b.mx.Unlock()
	return append([]time.Duration(nil), b.contention...)
}

// MinClockHigh is the shortest time SCL stayed high over all clock pulses.
func (b *Bus) MinClockHigh() time.Duration {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.minHigh
}

// Clocks counts SCL rising edges.
func (b *Bus) Clocks() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.clocks
}

// StickData makes the slave pull SDA low outside of the protocol and let go
// after the given number of clock pulses. It simulates a slave left mid-byte
// by an interrupted transfer.
func (b *Bus) StickData(clocks int) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.slaveSDA = gasbus.Low
	b.pending = false
	b.stuck = clocks
	b.phase = phaseIgnore
	b.checkContention()
}

func (b *Bus) level(idx int) gasbus.Level {
	l := b.lines[idx]
	if l.dir == gasbus.Output && l.latch == gasbus.Low {
		return gasbus.Low
	}
	if idx == lineSDA && b.slaveSDA == gasbus.Low {
		return gasbus.Low
	}
	return gasbus.High
}

func (b *Bus) change(idx int, fn func(l *line)) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if idx == lineSCL {
		b.commit()
	}
	sclBefore, sdaBefore := b.level(lineSCL), b.level(lineSDA)
	fn(&b.lines[idx])
	b.update(sclBefore, sdaBefore)
}

func (b *Bus) update(sclBefore, sdaBefore gasbus.Level) {
	scl, sda := b.level(lineSCL), b.level(lineSDA)
	switch {
	case sclBefore == gasbus.High && scl == gasbus.High && sdaBefore == gasbus.High && sda == gasbus.Low:
		b.onStart()
	case sclBefore == gasbus.High && scl == gasbus.High && sdaBefore == gasbus.Low && sda == gasbus.High:
		b.onStop()
	case sclBefore == gasbus.Low && scl == gasbus.High:
		b.onRise(sda)
	case sclBefore == gasbus.High && scl == gasbus.Low:
		b.onFall()
	}
	b.checkContention()
}

func (b *Bus) drive(level gasbus.Level) {
	b.next = level
	b.pending = true
}

func (b *Bus) commit() {
	if !b.pending {
		return
	}
	b.pending = false
	b.slaveSDA = b.next
	b.checkContention()
}

func (b *Bus) checkContention() {
	sda := b.lines[lineSDA]
	if sda.dir == gasbus.Output && sda.latch == gasbus.High && b.slaveSDA == gasbus.Low {
		b.contention = append(b.contention, b.now)
	}
}

func (b *Bus) current() *Transfer {
	if len(b.transfers) == 0 {
		return nil
	}
	t := &b.transfers[len(b.transfers)-1]
	if t.Complete {
		return nil
	}
	return t
}

func (b *Bus) onStart() {
	if t := b.current(); t != nil {
		// repeated start closes the previous frame
		t.Complete = true
		t.Stopped = b.now
	}
	b.transfers = append(b.transfers, Transfer{Started: b.now})
	b.phase = phaseAddress
	b.bit = 0
	b.shift = 0
	b.release()
	b.slave.Start()
}

func (b *Bus) onStop() {
	if t := b.current(); t != nil {
		t.Complete = true
		t.Stopped = b.now
	}
	b.phase = phaseIdle
	b.release()
	b.slave.Stop()
}

func (b *Bus) release() {
	b.pending = false
	b.stuck = 0
	b.slaveSDA = gasbus.High
}

func (b *Bus) onRise(sda gasbus.Level) {
	b.clocks++
	b.lastRise = b.now
	switch b.phase {
	case phaseAddress, phaseReceive:
		if b.bit < 8 {
			b.shift <<= 1
			if sda == gasbus.High {
				b.shift |= 0x01
			}
		}
		b.bit++
	case phaseSend:
		if b.bit == 8 {
			b.masterAck = gasbus.ACK
			if sda == gasbus.High {
				b.masterAck = gasbus.NACK
			}
			if t := b.current(); t != nil {
				t.Acks = append(t.Acks, b.masterAck)
			}
			b.slave.Acked(b.masterAck)
		}
		b.bit++
	}
}

func (b *Bus) onFall() {
	high := b.now - b.lastRise
	if b.minHigh == 0 || high < b.minHigh {
		b.minHigh = high
	}
	if b.stuck > 0 {
		b.stuck--
		if b.stuck == 0 {
			b.drive(gasbus.High)
		}
		return
	}
	switch b.phase {
	case phaseAddress, phaseReceive:
		switch b.bit {
		case 8:
			b.byteReceived()
		case 9:
			b.drive(gasbus.High)
			b.afterAck()
		}
	case phaseSend:
		switch {
		case b.bit < 8:
			b.drive(b.sending<<b.bit&0x80 != 0)
		case b.bit == 8:
			b.drive(gasbus.High)
		default:
			if b.masterAck == gasbus.ACK {
				b.loadByte()
				return
			}
			b.phase = phaseIgnore
			b.drive(gasbus.High)
		}
	}
}

func (b *Bus) byteReceived() {
	t := b.current()
	if b.phase == phaseAddress {
		b.acked = b.slave.Address(b.shift>>1, b.shift&0x01 == 1)
		if t != nil {
			t.Address = b.shift
		}
	} else {
		b.acked = b.slave.Write(b.shift)
		if t != nil {
			t.Data = append(t.Data, b.shift)
		}
	}
	ack := gasbus.NACK
	if b.acked {
		ack = gasbus.ACK
		b.drive(gasbus.Low)
	}
	if t != nil {
		t.Acks = append(t.Acks, ack)
	}
}

func (b *Bus) afterAck() {
	if !b.acked && b.phase == phaseAddress {
		b.phase = phaseIgnore
		return
	}
	// a refused data byte does not end the frame, the master decides
	if b.phase == phaseAddress && b.shift&0x01 == 1 {
		b.phase = phaseSend
		b.loadByte()
		return
	}
	b.phase = phaseReceive
	b.bit = 0
	b.shift = 0
}

func (b *Bus) loadByte() {
	b.sending = b.slave.Read()
	if t := b.current(); t != nil {
		t.Data = append(t.Data, b.sending)
	}
	b.bit = 0
	b.drive(b.sending&0x80 != 0)
}

type pin struct {
	bus *Bus
	idx int
}

func (p *pin) SetDirection(d gasbus.Direction) error {
	p.bus.change(p.idx, func(l *line) {
		l.dir = d
	})
	return nil
}

func (p *pin) Write(level gasbus.Level) error {
	p.bus.change(p.idx, func(l *line) {
		l.latch = level
	})
	return nil
}

func (p *pin) Read() (gasbus.Level, error) {
	p.bus.mx.Lock()
	defer p.bus.mx.Unlock()
	return p.bus.level(p.idx), nil
}
