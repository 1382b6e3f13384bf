package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mklimuk/gasbus"
)

type registry int

const DefaultMCP23017Address = 0x21

const (
	IODIRA registry = iota
	GPPUA
	GPIOA
	OLATA
	IODIRB
	GPPUB
	GPIOB
	OLATB
)

// BankAddr maps registers for IOCON.BANK = 0 (index 0, power-on default) and
// IOCON.BANK = 1 (index 1).
var BankAddr = []map[registry]byte{
	{
		IODIRA: 0x00,
		GPPUA:  0x0C,
		GPIOA:  0x12,
		OLATA:  0x14,
		IODIRB: 0x01,
		GPPUB:  0x0D,
		GPIOB:  0x13,
		OLATB:  0x15,
	},
	{
		IODIRA: 0x00,
		GPPUA:  0x06,
		GPIOA:  0x09,
		OLATA:  0x0A,
		IODIRB: 0x10,
		GPPUB:  0x16,
		GPIOB:  0x19,
		OLATB:  0x1A,
	},
}

type Port int

const (
	PortA Port = iota
	PortB
)

func (p Port) String() string {
	if p == PortB {
		return "B"
	}
	return "A"
}

var portRegs = [2]struct{ dir, pull, gpio, latch registry }{
	{IODIRA, GPPUA, GPIOA, OLATA},
	{IODIRB, GPPUB, GPIOB, OLATB},
}

// MCP23017 is a 16-bit I/O expander. Its pins can carry a bit-banged bus for
// a sensor the host cannot reach directly, one register transaction per line
// transition.
type MCP23017 struct {
	mx         sync.Mutex
	transport  gasbus.I2CBus
	bank       int
	address    byte
	retryLimit int
	timeout    time.Duration
	// shadow copies of IODIR and OLAT, loaded on first use of a port
	dir    [2]byte
	latch  [2]byte
	loaded [2]bool
}

func NewMCP23017(bus gasbus.I2CBus, address byte) *MCP23017 {
	return &MCP23017{retryLimit: 2, transport: bus, address: address, timeout: time.Second}
}

// Pin returns one line of the expander as a bus pin. The pull-up of the line
// is enabled on first use.
func (m *MCP23017) Pin(port Port, bit uint8) *ExpanderPin {
	return &ExpanderPin{dev: m, port: port, mask: 1 << (bit & 0x07)}
}

func (m *MCP23017) writeRegistry(ctx context.Context, reg registry, value byte) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg], value})
		if err == nil {
			return nil
		}
		if !errors.Is(err, gasbus.ErrBusBusy) {
			return err
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("retry limit reached: %w", err)
}

func (m *MCP23017) readRegistry(ctx context.Context, reg registry) (byte, error) {
	var err error
	buf := make([]byte, 1)
	for i := m.retryLimit; i > 0; i-- {
		err = m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg]})
		if err == nil {
			err = m.transport.ReadFromAddr(ctx, m.address, buf)
		}
		if err == nil {
			return buf[0], nil
		}
		if !errors.Is(err, gasbus.ErrBusBusy) {
			return 0x00, err
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return 0x00, fmt.Errorf("retry limit reached: %w", err)
}

// load reads the direction and latch registers of a port once so single
// pins can be changed without disturbing the others.
func (m *MCP23017) load(ctx context.Context, port Port) error {
	if m.loaded[port] {
		return nil
	}
	regs := portRegs[port]
	dir, err := m.readRegistry(ctx, regs.dir)
	if err != nil {
		return fmt.Errorf("could not read gpio %s direction: %w", port, err)
	}
	latch, err := m.readRegistry(ctx, regs.latch)
	if err != nil {
		return fmt.Errorf("could not read gpio %s latch: %w", port, err)
	}
	m.dir[port], m.latch[port], m.loaded[port] = dir, latch, true
	return nil
}

func (m *MCP23017) update(port Port, fn func(ctx context.Context) error) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.load(ctx, port); err != nil {
		return err
	}
	return fn(ctx)
}

var _ gasbus.Pin = &ExpanderPin{}

type ExpanderPin struct {
	dev    *MCP23017
	port   Port
	mask   byte
	pulled bool
}

func (p *ExpanderPin) SetDirection(d gasbus.Direction) error {
	return p.dev.update(p.port, func(ctx context.Context) error {
		m := p.dev
		regs := portRegs[p.port]
		if !p.pulled {
			pull, err := m.readRegistry(ctx, regs.pull)
			if err != nil {
				return fmt.Errorf("could not read gpio %s pull-up: %w", p.port, err)
			}
			if err := m.writeRegistry(ctx, regs.pull, pull|p.mask); err != nil {
				return fmt.Errorf("could not set pull-up on gpio %s: %w", p.port, err)
			}
			p.pulled = true
		}
		// IODIR bit set means input
		dir := m.dir[p.port] | p.mask
		if d == gasbus.Output {
			dir = m.dir[p.port] &^ p.mask
		}
		if dir == m.dir[p.port] {
			return nil
		}
		if err := m.writeRegistry(ctx, regs.dir, dir); err != nil {
			return fmt.Errorf("could not set gpio %s direction: %w", p.port, err)
		}
		m.dir[p.port] = dir
		return nil
	})
}

func (p *ExpanderPin) Write(l gasbus.Level) error {
	return p.dev.update(p.port, func(ctx context.Context) error {
		m := p.dev
		latch := m.latch[p.port] &^ p.mask
		if l == gasbus.High {
			latch |= p.mask
		}
		if latch == m.latch[p.port] {
			return nil
		}
		if err := m.writeRegistry(ctx, portRegs[p.port].latch, latch); err != nil {
			return fmt.Errorf("could not write gpio %s latch: %w", p.port, err)
		}
		m.latch[p.port] = latch
		return nil
	})
}

func (p *ExpanderPin) Read() (gasbus.Level, error) {
	var level gasbus.Level
	err := p.dev.update(p.port, func(ctx context.Context) error {
		v, err := p.dev.readRegistry(ctx, portRegs[p.port].gpio)
		if err != nil {
			return fmt.Errorf("could not read gpio %s: %w", p.port, err)
		}
		level = v&p.mask != 0
		return nil
	})
	return level, err
}
