package softi2c

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/gasbus"
	"github.com/mklimuk/gasbus/sim"
)

func TestWriteToAddrFrame(t *testing.T) {
	slave := &sim.Script{Addr: 0x58}
	bus, wires := newSimBus(slave)

	require.NoError(t, bus.WriteToAddr(context.Background(), 0x58, []byte{0x20, 0x03}))

	transfers := wires.Transfers()
	require.Len(t, transfers, 1)
	tr := transfers[0]
	assert.True(t, tr.Complete)
	assert.False(t, tr.Read())
	assert.Equal(t, byte(0xB0), tr.Address)
	assert.Equal(t, []byte{0x20, 0x03}, tr.Data)
	assert.Equal(t, []gasbus.Ack{gasbus.ACK, gasbus.ACK, gasbus.ACK}, tr.Acks)
	assert.Equal(t, [][]byte{{0x20, 0x03}}, slave.Written)
	assert.Empty(t, wires.Contention())
}

func TestReadFromAddrAcknowledgePattern(t *testing.T) {
	slave := &sim.Script{
		Addr:       0x58,
		Response:   []byte{0x12, 0x34, 0x56, 0x78},
		ExpectAcks: []gasbus.Ack{gasbus.ACK, gasbus.ACK, gasbus.ACK, gasbus.NACK},
	}
	bus, wires := newSimBus(slave)

	buf := make([]byte, 4)
	require.NoError(t, bus.ReadFromAddr(context.Background(), 0x58, buf))
	assert.Equal(t, []byte{0x12, 0x34, 0x56, 0x78}, buf)
	assert.NoError(t, slave.Err())
	assert.Equal(t, 1, slave.Reads)

	transfers := wires.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Read())
	assert.Equal(t, byte(0xB1), transfers[0].Address)
	// address acknowledged by the slave, then the master's answers
	assert.Equal(t, []gasbus.Ack{gasbus.ACK, gasbus.ACK, gasbus.ACK, gasbus.ACK, gasbus.NACK}, transfers[0].Acks)
	assert.Empty(t, wires.Contention())
}

func TestScriptDetectsWrongAcknowledge(t *testing.T) {
	slave := &sim.Script{
		Addr:       0x58,
		Response:   []byte{0x01, 0x02},
		ExpectAcks: []gasbus.Ack{gasbus.ACK, gasbus.ACK, gasbus.ACK, gasbus.NACK},
	}
	bus, _ := newSimBus(slave)
	require.NoError(t, bus.ReadFromAddr(context.Background(), 0x58, make([]byte, 2)))
	assert.Error(t, slave.Err())
}

func TestWriteToAddrNoDevice(t *testing.T) {
	bus, wires := newSimBus(&sim.Script{Addr: 0x58})

	err := bus.WriteToAddr(context.Background(), 0x40, []byte{0x20, 0x03})
	require.Error(t, err)
	assert.ErrorIs(t, err, gasbus.ErrNoDevice)
	assert.ErrorIs(t, err, gasbus.ErrNACK)
	var nack *NACKError
	require.True(t, errors.As(err, &nack))
	assert.Equal(t, 0, nack.Index)
	assert.Equal(t, byte(0x40), nack.Address)

	transfers := wires.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Complete)
	assert.Empty(t, transfers[0].Data)
	scl, sda := wires.Levels()
	assert.Equal(t, gasbus.High, scl)
	assert.Equal(t, gasbus.High, sda)
}

func TestWriteToAddrDataNACK(t *testing.T) {
	tests := []struct {
		name     string
		opts     []BusOpt
		wantData []byte
	}{
		{name: "stop at refused byte", wantData: []byte{0x01, 0x02}},
		{name: "continue on nack", opts: []BusOpt{WithContinueOnNACK()}, wantData: []byte{0x01, 0x02, 0x03}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slave := &sim.Script{Addr: 0x58, RefuseAt: 2}
			bus, wires := newSimBus(slave, tt.opts...)

			err := bus.WriteToAddr(context.Background(), 0x58, []byte{0x01, 0x02, 0x03})
			assert.ErrorIs(t, err, gasbus.ErrNACK)
			assert.NotErrorIs(t, err, gasbus.ErrNoDevice)
			var nack *NACKError
			require.True(t, errors.As(err, &nack))
			assert.Equal(t, 2, nack.Index)
			assert.Equal(t, byte(0x02), nack.Byte)

			transfers := wires.Transfers()
			require.Len(t, transfers, 1)
			assert.Equal(t, tt.wantData, transfers[0].Data)
			assert.True(t, transfers[0].Complete)
			assert.Empty(t, wires.Contention())
		})
	}
}

func TestCancelledContext(t *testing.T) {
	bus, wires := newSimBus(&sim.Echo{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.WriteToAddr(ctx, 0x58, []byte{0x01})
	assert.ErrorIs(t, err, gasbus.ErrBusTimeout)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, wires.Transfers())

	err = bus.ReadFromAddr(ctx, 0x58, make([]byte, 2))
	assert.ErrorIs(t, err, gasbus.ErrBusTimeout)
}

type cancelAfterAddress struct {
	sim.Echo
	cancel context.CancelFunc
}

func (c *cancelAfterAddress) Address(addr byte, read bool) bool {
	c.cancel()
	return c.Echo.Address(addr, read)
}

func TestCancelMidFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus, wires := newSimBus(&cancelAfterAddress{cancel: cancel})

	err := bus.WriteToAddr(ctx, 0x58, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, gasbus.ErrBusTimeout)
	assert.ErrorIs(t, err, context.Canceled)

	transfers := wires.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Complete, "aborted frame must be stopped")
	assert.Empty(t, transfers[0].Data)
}

func TestScan(t *testing.T) {
	bus, _ := newSimBus(&sim.Script{Addr: 0x58})
	found, err := Scan(context.Background(), bus)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x58}, found)

	bus, _ = newSimBus(sim.Silent{})
	found, err = Scan(context.Background(), bus)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestRelease(t *testing.T) {
	tests := []struct {
		name    string
		stuck   int
		wantErr error
	}{
		{name: "released after a few clocks", stuck: 4},
		{name: "held past nine clocks", stuck: 20, wantErr: gasbus.ErrBusBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, wires := newSimBus(&sim.Echo{})
			wires.StickData(tt.stuck)

			err := bus.Release(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			scl, sda := wires.Levels()
			assert.Equal(t, gasbus.High, scl)
			assert.Equal(t, gasbus.High, sda)
			assert.LessOrEqual(t, wires.Clocks(), 10)

			require.NoError(t, bus.WriteToAddr(context.Background(), 0x58, []byte{0xAA}))
		})
	}
}

func TestReadFromAddrRejectsEmptyBuffer(t *testing.T) {
	slave := &sim.Script{Addr: 0x58, Response: []byte{0x00}}
	bus, wires := newSimBus(slave)

	for _, buf := range [][]byte{nil, {}} {
		err := bus.ReadFromAddr(context.Background(), 0x58, buf)
		assert.ErrorIs(t, err, ErrEmptyRead)
	}
	assert.Empty(t, wires.Transfers())
	assert.Zero(t, slave.Reads)

	// the bus is still usable afterwards
	require.NoError(t, bus.ReadFromAddr(context.Background(), 0x58, make([]byte, 1)))
	transfers := wires.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Complete)
	scl, sda := wires.Levels()
	assert.Equal(t, gasbus.High, scl)
	assert.Equal(t, gasbus.High, sda)
	assert.Empty(t, wires.Contention())
}
