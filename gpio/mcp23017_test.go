package gpio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/gasbus"
)

// expanderBus emulates the register file of an MCP23017 in bank 0 mode.
type expanderBus struct {
	regs     [0x16]byte
	ptr      byte
	external [2]byte // levels applied to input pins
	busy     int     // number of writes answered with ErrBusBusy
	writes   int
	releases int
}

func newExpanderBus() *expanderBus {
	b := &expanderBus{}
	b.regs[0x00], b.regs[0x01] = 0xFF, 0xFF // IODIR resets to all inputs
	b.external = [2]byte{0xFF, 0xFF}
	return b
}

func (b *expanderBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	if b.busy > 0 {
		b.busy--
		return gasbus.ErrBusBusy
	}
	b.writes++
	b.ptr = buffer[0]
	if len(buffer) > 1 {
		b.regs[b.ptr] = buffer[1]
	}
	return nil
}

func (b *expanderBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	v := b.regs[b.ptr]
	switch b.ptr {
	case 0x12, 0x13:
		port := b.ptr - 0x12
		dir := b.regs[port]
		v = b.regs[0x14+port]&^dir | b.external[port]&dir
	}
	buffer[0] = v
	return nil
}

func (b *expanderBus) Release(ctx context.Context) error {
	b.releases++
	return nil
}

func TestExpanderPin(t *testing.T) {
	bus := newExpanderBus()
	exp := NewMCP23017(bus, DefaultMCP23017Address)
	pin := exp.Pin(PortB, 3)

	require.NoError(t, pin.Write(gasbus.Low))
	assert.Equal(t, byte(0x00), bus.regs[0x15])
	level, err := pin.Read()
	require.NoError(t, err)
	assert.Equal(t, gasbus.High, level, "input follows the external level")

	require.NoError(t, pin.SetDirection(gasbus.Output))
	assert.Equal(t, byte(0xF7), bus.regs[0x01])
	assert.Equal(t, byte(0x08), bus.regs[0x0D], "pull-up enabled")
	level, err = pin.Read()
	require.NoError(t, err)
	assert.Equal(t, gasbus.Low, level)

	require.NoError(t, pin.Write(gasbus.High))
	assert.Equal(t, byte(0x08), bus.regs[0x15])

	require.NoError(t, pin.SetDirection(gasbus.Input))
	assert.Equal(t, byte(0xFF), bus.regs[0x01])
	bus.external[1] = 0x00
	level, err = pin.Read()
	require.NoError(t, err)
	assert.Equal(t, gasbus.Low, level)

	// port A untouched
	assert.Equal(t, byte(0xFF), bus.regs[0x00])
	assert.Equal(t, byte(0x00), bus.regs[0x14])
}

func TestExpanderPinSkipsUnchangedRegisters(t *testing.T) {
	bus := newExpanderBus()
	pin := NewMCP23017(bus, DefaultMCP23017Address).Pin(PortA, 0)

	require.NoError(t, pin.Write(gasbus.High))
	writes := bus.writes
	require.NoError(t, pin.Write(gasbus.High))
	assert.Equal(t, writes, bus.writes)
}

func TestExpanderRetriesBusyBus(t *testing.T) {
	bus := newExpanderBus()
	pin := NewMCP23017(bus, DefaultMCP23017Address).Pin(PortA, 1)
	bus.busy = 1

	require.NoError(t, pin.Write(gasbus.High))
	assert.Equal(t, 1, bus.releases)
	assert.Equal(t, byte(0x02), bus.regs[0x14])

	bus.busy = 10
	err := pin.Write(gasbus.Low)
	assert.ErrorIs(t, err, gasbus.ErrBusBusy)
	assert.ErrorContains(t, err, "retry limit reached")
}
