package softi2c

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/gasbus"
	"github.com/mklimuk/gasbus/sim"
)

func newSimBus(slave sim.Slave, opts ...BusOpt) (*Bus, *sim.Bus) {
	wires := sim.NewBus(slave)
	opts = append([]BusOpt{WithDelayer(wires)}, opts...)
	return New(wires.SCL(), wires.SDA(), opts...), wires
}

func TestStartStopLeavesBusIdle(t *testing.T) {
	bus, wires := newSimBus(sim.Silent{})
	require.NoError(t, bus.Start())
	scl, sda := wires.Levels()
	assert.Equal(t, gasbus.Low, scl)
	assert.Equal(t, gasbus.Low, sda)

	require.NoError(t, bus.Stop())
	scl, sda = wires.Levels()
	assert.Equal(t, gasbus.High, scl)
	assert.Equal(t, gasbus.High, sda)

	transfers := wires.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Complete)
	assert.Empty(t, transfers[0].Data)
	assert.Empty(t, wires.Contention())
}

func TestWriteReadRoundTrip(t *testing.T) {
	bus, wires := newSimBus(&sim.Echo{})
	const addr = 0x2A
	for v := range 256 {
		require.NoError(t, bus.Start())
		ack, err := bus.WriteByte(addr << 1)
		require.NoError(t, err)
		require.Equal(t, gasbus.ACK, ack)
		ack, err = bus.WriteByte(byte(v))
		require.NoError(t, err)
		require.Equal(t, gasbus.ACK, ack, "value %#x", v)

		require.NoError(t, bus.Start())
		ack, err = bus.WriteByte(addr<<1 | 0x01)
		require.NoError(t, err)
		require.Equal(t, gasbus.ACK, ack)
		got, err := bus.ReadByte(gasbus.ACK)
		require.NoError(t, err)
		assert.Equal(t, byte(v), got)
		got, err = bus.ReadByte(gasbus.NACK)
		require.NoError(t, err)
		assert.Equal(t, byte(v), got)
		require.NoError(t, bus.Stop())
	}
	assert.Empty(t, wires.Contention())
	assert.Len(t, wires.Transfers(), 512)
}

func TestWriteByteAcknowledge(t *testing.T) {
	// 0xFF alone is a read header, so the acknowledging case writes it as
	// data after a write header
	tests := []struct {
		name  string
		slave sim.Slave
		frame []byte
		want  gasbus.Ack
	}{
		{name: "silent slave", slave: sim.Silent{}, frame: []byte{0xFF}, want: gasbus.NACK},
		{name: "acknowledging slave", slave: &sim.Script{Addr: 0x58}, frame: []byte{0x58 << 1, 0xFF}, want: gasbus.ACK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus, wires := newSimBus(tt.slave)
			require.NoError(t, bus.Start())
			ack := gasbus.NACK
			for _, v := range tt.frame {
				var err error
				ack, err = bus.WriteByte(v)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, ack)
			require.NoError(t, bus.Stop())
			assert.Empty(t, wires.Contention())

			scl, sda := wires.Levels()
			assert.Equal(t, gasbus.High, scl)
			assert.Equal(t, gasbus.High, sda)
			transfers := wires.Transfers()
			require.Len(t, transfers, 1)
			assert.True(t, transfers[0].Complete)
		})
	}
}

func TestWriteByteReleasesDataForAcknowledge(t *testing.T) {
	// a zero in the last bit keeps SDA low until the slave takes over
	bus, wires := newSimBus(&sim.Echo{})
	require.NoError(t, bus.Start())
	for _, v := range []byte{0x00, 0x01, 0xFE, 0xFF, 0x55, 0xAA} {
		ack, err := bus.WriteByte(v)
		require.NoError(t, err)
		assert.Equal(t, gasbus.ACK, ack)
	}
	require.NoError(t, bus.Stop())
	assert.Empty(t, wires.Contention())
	transfers := wires.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, byte(0x00), transfers[0].Address)
	assert.Equal(t, []byte{0x01, 0xFE, 0xFF, 0x55, 0xAA}, transfers[0].Data)
}

func TestFrequencyTiming(t *testing.T) {
	bus, wires := newSimBus(&sim.Echo{}, WithFrequency(10*physic.KiloHertz))
	timing := bus.Timing()
	assert.Equal(t, 50*time.Microsecond, timing.ClockHigh)
	assert.Equal(t, 25*time.Microsecond, timing.ClockLow)
	assert.Equal(t, 10*physic.KiloHertz, timing.Frequency())

	require.NoError(t, bus.Start())
	_, err := bus.WriteByte(0xA5)
	require.NoError(t, err)
	require.NoError(t, bus.Stop())
	assert.GreaterOrEqual(t, wires.MinClockHigh(), timing.ClockHigh)
	// address byte: eight data clocks and the acknowledge slot, plus the stop
	assert.Equal(t, 10, wires.Clocks())
}

func TestTimingFor(t *testing.T) {
	assert.Equal(t, DefaultTiming, TimingFor(0))
	tm := TimingFor(100 * physic.KiloHertz)
	assert.Equal(t, 5*time.Microsecond, tm.ClockHigh)
	assert.Equal(t, 2500*time.Nanosecond, tm.BitSetup)
}

type failingPin struct {
	failWrite bool
	failRead  bool
	failDir   bool
}

var errPin = errors.New("pin unavailable")

func (p *failingPin) SetDirection(gasbus.Direction) error {
	if p.failDir {
		return errPin
	}
	return nil
}

func (p *failingPin) Write(gasbus.Level) error {
	if p.failWrite {
		return errPin
	}
	return nil
}

func (p *failingPin) Read() (gasbus.Level, error) {
	if p.failRead {
		return gasbus.High, errPin
	}
	return gasbus.High, nil
}

func TestPinErrorsArePropagated(t *testing.T) {
	noDelay := WithDelayer(gasbus.DelayFunc(func(time.Duration) {}))

	bus := New(&failingPin{failWrite: true}, &failingPin{}, noDelay)
	err := bus.Start()
	assert.ErrorIs(t, err, errPin)
	assert.ErrorContains(t, err, "softi2c: init")

	bus = New(&failingPin{}, &failingPin{failRead: true}, noDelay)
	require.NoError(t, bus.Start())
	ack, err := bus.WriteByte(0x10)
	assert.ErrorIs(t, err, errPin)
	assert.Equal(t, gasbus.NACK, ack)
	_, err = bus.ReadByte(gasbus.ACK)
	assert.ErrorIs(t, err, errPin)
	assert.ErrorContains(t, err, "softi2c: read byte")

	bus = New(&failingPin{}, &failingPin{failDir: true}, noDelay)
	assert.ErrorIs(t, bus.Stop(), errPin)
}
