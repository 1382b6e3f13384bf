package i2c

import (
	"context"
	"fmt"
	"sync"

	"gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/gasbus"
	"github.com/mklimuk/gasbus/snsctx"
)

var _ gasbus.I2CBus = &GobotBus{}

// GobotBus talks to devices through a gobot platform adaptor (for example the
// NanoPi NEO one). Connections are opened per address on first use.
type GobotBus struct {
	mx        sync.Mutex
	connector i2c.Connector
	busNr     int
	conns     map[byte]i2c.Connection
}

// NewGobotBus uses bus number busNr of the adaptor; a negative number selects
// the adaptor's default bus.
func NewGobotBus(connector i2c.Connector, busNr int) *GobotBus {
	if busNr < 0 {
		busNr = connector.DefaultI2cBus()
	}
	return &GobotBus{connector: connector, busNr: busNr, conns: make(map[byte]i2c.Connection)}
}

func (b *GobotBus) connection(address byte) (i2c.Connection, error) {
	if c, ok := b.conns[address]; ok {
		return c, nil
	}
	c, err := b.connector.GetI2cConnection(int(address), b.busNr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %#x on bus %d: %w", address, b.busNr, err)
	}
	b.conns[address] = c
	return c, nil
}

func (b *GobotBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.connection(address)
	if err != nil {
		return err
	}
	snsctx.DumpFrame(ctx, "write", address, buffer)
	n, err := c.Write(buffer)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("could not write to i2c bus %x: short write %d/%d", address, n, len(buffer))
	}
	return nil
}

func (b *GobotBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.connection(address)
	if err != nil {
		return err
	}
	n, err := c.Read(buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("could not read from i2c bus %x: short read %d/%d", address, n, len(buffer))
	}
	snsctx.DumpFrame(ctx, "read", address, buffer)
	return nil
}

// Release drops the cached connections so the next frame reopens them.
func (b *GobotBus) Release(ctx context.Context) error {
	return b.Close()
}

func (b *GobotBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var first error
	for addr, c := range b.conns {
		if err := c.Close(); err != nil && first == nil {
			first = fmt.Errorf("could not close connection to %#x: %w", addr, err)
		}
		delete(b.conns, addr)
	}
	return first
}
