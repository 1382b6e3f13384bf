package air

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/gasbus"
	"github.com/mklimuk/gasbus/sim"
	"github.com/mklimuk/gasbus/softi2c"
)

// MockI2CBus is a mock implementation of gasbus.I2CBus using testify/mock
type MockI2CBus struct {
	mock.Mock
	concurrentOps int64 // tracks concurrent operations
	maxConcurrent int64 // maximum concurrent operations observed
}

func (m *MockI2CBus) enter() {
	concurrent := atomic.AddInt64(&m.concurrentOps, 1)
	for {
		peak := atomic.LoadInt64(&m.maxConcurrent)
		if concurrent <= peak || atomic.CompareAndSwapInt64(&m.maxConcurrent, peak, concurrent) {
			return
		}
	}
}

func (m *MockI2CBus) leave() {
	atomic.AddInt64(&m.concurrentOps, -1)
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	m.enter()
	defer m.leave()
	args := m.Called(ctx, address, buffer)
	return args.Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	m.enter()
	defer m.leave()
	args := m.Called(ctx, address, buffer)
	if args.Get(0) != nil {
		// Copy mock data to buffer if provided
		if data, ok := args.Get(0).([]byte); ok && len(data) <= len(buffer) {
			copy(buffer, data)
		}
	}
	return args.Error(1)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// sleepRecorder records requested waits without blocking.
type sleepRecorder struct {
	mx    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func noSleep(context.Context, time.Duration) error { return nil }

func newSimSensor(slave sim.Slave, opts ...SGP30Opt) (*SGP30, *sim.Bus) {
	wires := sim.NewBus(slave)
	bus := softi2c.New(wires.SCL(), wires.SDA(), softi2c.WithDelayer(wires))
	opts = append([]SGP30Opt{WithSleep(wires.Sleep)}, opts...)
	return NewSGP30(bus, opts...), wires
}

func TestSGP30_ReadResultIsBigEndian(t *testing.T) {
	bus := new(MockI2CBus)
	sensor := NewSGP30(bus, WithSleep(noSleep))
	bus.On("ReadFromAddr", mock.Anything, byte(sgp30Address), mock.Anything).
		Return([]byte{0x12, 0x34, 0x56, 0x78}, nil).Once()

	v, err := sensor.ReadResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v)
	bus.AssertExpectations(t)
}

func TestSGP30_ReadResultAcknowledgePattern(t *testing.T) {
	slave := &sim.Script{
		Addr:       sgp30Address,
		Response:   []byte{0x12, 0x34, 0x56, 0x78},
		ExpectAcks: []gasbus.Ack{gasbus.ACK, gasbus.ACK, gasbus.ACK, gasbus.NACK},
	}
	sensor, wires := newSimSensor(slave)

	v, err := sensor.ReadResult(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v)
	assert.NoError(t, slave.Err())
	assert.Empty(t, wires.Contention())
}

func TestSGP30_InitializeDevice(t *testing.T) {
	slave := &sim.Script{Addr: sgp30Address}
	sensor, wires := newSimSensor(slave)

	require.NoError(t, sensor.InitializeDevice(context.Background()))

	transfers := wires.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, byte(0xB0), transfers[0].Address)
	assert.Equal(t, []byte{0x20, 0x03}, transfers[0].Data)
	assert.True(t, transfers[0].Complete)
	assert.Zero(t, slave.Reads)
	// command delay followed by the settle time
	assert.GreaterOrEqual(t, wires.Now()-transfers[0].Stopped, 115*time.Millisecond)
	assert.Empty(t, wires.Contention())
}

func TestSGP30_InitializeDeviceWaits(t *testing.T) {
	bus := new(MockI2CBus)
	rec := &sleepRecorder{}
	sensor := NewSGP30(bus, WithSleep(rec.sleep))
	bus.On("WriteToAddr", mock.Anything, byte(sgp30Address), []byte{0x20, 0x03}).Return(nil).Once()

	require.NoError(t, sensor.InitializeDevice(context.Background()))
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 15 * time.Millisecond}, rec.waits)
	bus.AssertExpectations(t)
}

func TestSGP30_WriteCommandThenReadZero(t *testing.T) {
	slave := &sim.Script{Addr: sgp30Address, Response: []byte{0x00, 0x00, 0x00, 0x00}}
	sensor, wires := newSimSensor(slave)
	ctx := context.Background()

	require.NoError(t, sensor.WriteCommand(ctx, 0x20, 0x08))
	v, err := sensor.ReadResult(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	assert.Equal(t, [][]byte{{0x20, 0x08}}, slave.Written)
	transfers := wires.Transfers()
	require.Len(t, transfers, 2)
	assert.Equal(t, byte(0xB0), transfers[0].Address)
	assert.Equal(t, byte(0xB1), transfers[1].Address)
	assert.GreaterOrEqual(t, transfers[1].Started-transfers[0].Stopped, 100*time.Millisecond)
}

func TestSGP30_AckPolicy(t *testing.T) {
	tests := []struct {
		name    string
		policy  AckPolicy
		wantErr error
	}{
		{name: "enforce", policy: AckEnforce, wantErr: gasbus.ErrNoDevice},
		{name: "ignore", policy: AckIgnore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sensor, wires := newSimSensor(sim.Silent{}, WithAckPolicy(tt.policy))
			err := sensor.WriteCommand(context.Background(), 0x20, 0x08)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, gasbus.ErrNACK)
			} else {
				assert.NoError(t, err)
			}
			transfers := wires.Transfers()
			require.Len(t, transfers, 1)
			assert.True(t, transfers[0].Complete)
		})
	}
}

func TestSGP30_AckIgnoreWritesWholeFrame(t *testing.T) {
	slave := &sim.Script{Addr: sgp30Address, RefuseAt: 1}
	wires := sim.NewBus(slave)
	bus := softi2c.New(wires.SCL(), wires.SDA(), softi2c.WithDelayer(wires), softi2c.WithContinueOnNACK())
	sensor := NewSGP30(bus, WithSleep(wires.Sleep), WithAckPolicy(AckIgnore))

	require.NoError(t, sensor.InitializeDevice(context.Background()))
	assert.Equal(t, [][]byte{{0x20, 0x03}}, slave.Written)
}

func TestSGP30_Retries(t *testing.T) {
	nack := &softi2c.NACKError{Address: sgp30Address, Index: 1, Byte: 0x20}

	bus := new(MockI2CBus)
	sensor := NewSGP30(bus, WithSleep(noSleep), WithRetries(2))
	bus.On("WriteToAddr", mock.Anything, byte(sgp30Address), []byte{0x20, 0x03}).Return(nack).Once()
	bus.On("Release", mock.Anything).Return(nil).Once()
	bus.On("WriteToAddr", mock.Anything, byte(sgp30Address), []byte{0x20, 0x03}).Return(nil).Once()
	require.NoError(t, sensor.InitializeDevice(context.Background()))
	bus.AssertExpectations(t)

	bus = new(MockI2CBus)
	sensor = NewSGP30(bus, WithSleep(noSleep), WithRetries(2))
	bus.On("WriteToAddr", mock.Anything, byte(sgp30Address), mock.Anything).Return(gasbus.ErrBusBusy).Times(3)
	bus.On("Release", mock.Anything).Return(nil).Twice()
	err := sensor.WriteCommand(context.Background(), 0x20, 0x08)
	assert.ErrorIs(t, err, gasbus.ErrBusBusy)
	bus.AssertExpectations(t)

	// other failures are not retried
	bus = new(MockI2CBus)
	sensor = NewSGP30(bus, WithSleep(noSleep), WithRetries(2))
	bus.On("WriteToAddr", mock.Anything, byte(sgp30Address), mock.Anything).Return(errors.New("usb gone")).Once()
	err = sensor.WriteCommand(context.Background(), 0x20, 0x08)
	assert.ErrorContains(t, err, "sgp30: command 0x2008 failed: usb gone")
	bus.AssertExpectations(t)

	// leading zero of the high byte is kept
	bus = new(MockI2CBus)
	sensor = NewSGP30(bus, WithSleep(noSleep))
	bus.On("WriteToAddr", mock.Anything, byte(sgp30Address), mock.Anything).Return(errors.New("usb gone")).Once()
	err = sensor.WriteCommand(context.Background(), 0x05, 0x08)
	assert.ErrorContains(t, err, "sgp30: command 0x0508 failed")
	bus.AssertExpectations(t)
}

func TestSGP30_MeasureAirQuality(t *testing.T) {
	device := sim.NewSGP30()
	device.CO2eq = 412
	device.TVOC = 37
	sensor, wires := newSimSensor(device)
	ctx := context.Background()

	require.NoError(t, sensor.InitializeDevice(ctx))
	q, err := sensor.MeasureAirQuality(ctx)
	require.NoError(t, err)
	assert.Equal(t, AirQuality{CO2eq: 412, TVOC: 37}, q)
	assert.Equal(t, []uint16{0x2003, 0x2008}, device.Commands)
	assert.Empty(t, wires.Contention())
}

func TestSGP30_CommandSet(t *testing.T) {
	device := sim.NewSGP30()
	device.H2 = 13500
	device.Ethanol = 18900
	sensor, _ := newSimSensor(device)
	ctx := context.Background()

	raw, err := sensor.MeasureRaw(ctx)
	require.NoError(t, err)
	assert.Equal(t, RawSignals{H2: 13500, Ethanol: 18900}, raw)

	require.NoError(t, sensor.SetBaseline(ctx, Baseline{CO2eq: 0x8973, TVOC: 0x8AAE}))
	assert.Equal(t, uint16(0x8973), device.BaselineCO2eq)
	assert.Equal(t, uint16(0x8AAE), device.BaselineTVOC)
	b, err := sensor.GetBaseline(ctx)
	require.NoError(t, err)
	assert.Equal(t, Baseline{CO2eq: 0x8973, TVOC: 0x8AAE}, b)

	require.NoError(t, sensor.SetHumidity(ctx, 0x0B80))
	assert.Equal(t, uint16(0x0B80), device.Humidity)
	assert.Zero(t, device.Rejected)

	fs, err := sensor.GetFeatureSet(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), fs.ProductType())
	assert.Equal(t, uint8(0x22), fs.Version())

	serial, err := sensor.GetSerialID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0000014892A7), serial)

	require.NoError(t, sensor.InitializeDevice(ctx))
	require.NoError(t, sensor.SoftReset(ctx))
	assert.Equal(t, 1, device.Resets)
	assert.False(t, device.Initialized)
}

func TestSGP30_CRCMismatch(t *testing.T) {
	bus := new(MockI2CBus)
	sensor := NewSGP30(bus, WithSleep(noSleep))
	bus.On("WriteToAddr", mock.Anything, byte(sgp30Address), []byte{0x20, 0x08}).Return(nil).Once()
	bus.On("ReadFromAddr", mock.Anything, byte(sgp30Address), mock.Anything).
		Return([]byte{0x01, 0x90, 0x4C, 0xBE, 0xEF, 0x00}, nil).Once()

	_, err := sensor.MeasureAirQuality(context.Background())
	assert.ErrorIs(t, err, ErrCRC)
	assert.ErrorContains(t, err, "word 1")
	bus.AssertExpectations(t)
}

func TestSGP30_CancelledDuringDelay(t *testing.T) {
	bus := new(MockI2CBus)
	sensor := NewSGP30(bus)
	bus.On("WriteToAddr", mock.Anything, byte(sgp30Address), mock.Anything).Return(nil).Maybe()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sensor.InitializeDevice(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSGP30_MutexProtection(t *testing.T) {
	bus := new(MockI2CBus)
	sensor := NewSGP30(bus, WithCommandDelay(time.Millisecond))
	ctx := context.Background()

	const numOps = 5
	bus.On("WriteToAddr", mock.Anything, byte(sgp30Address), []byte{0x20, 0x08}).Return(nil).Times(numOps)
	bus.On("ReadFromAddr", mock.Anything, byte(sgp30Address), mock.Anything).
		Return([]byte{0x01, 0x90, 0x4C, 0xBE, 0xEF, 0x92}, nil).Times(numOps)

	var wg sync.WaitGroup
	wg.Add(numOps)
	for range numOps {
		go func() {
			defer wg.Done()
			q, err := sensor.MeasureAirQuality(ctx)
			assert.NoError(t, err)
			assert.Equal(t, AirQuality{CO2eq: 400, TVOC: 0xBEEF}, q)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&bus.maxConcurrent), int64(1), "Mutex should serialize operations")
	bus.AssertExpectations(t)
}

func TestAbsoluteHumidity(t *testing.T) {
	// 25 °C at 50 % is about 11.5 g/m³
	assert.InDelta(t, 11.5*256, float64(AbsoluteHumidity(25, 50)), 0.1*256)
	assert.Zero(t, AbsoluteHumidity(25, 0))
}

func TestParseAckPolicy(t *testing.T) {
	p, err := ParseAckPolicy("IGNORE")
	require.NoError(t, err)
	assert.Equal(t, AckIgnore, p)
	p, err = ParseAckPolicy("")
	require.NoError(t, err)
	assert.Equal(t, AckEnforce, p)
	_, err = ParseAckPolicy("maybe")
	assert.Error(t, err)
}

func TestWords(t *testing.T) {
	assert.Equal(t, []byte{0xBE, 0xEF, 0x92}, encodeWords(0xBEEF))
	vals, err := decodeWords([]byte{0x01, 0x90, 0x4C, 0xBE, 0xEF, 0x92})
	require.NoError(t, err)
	assert.Equal(t, []uint16{400, 0xBEEF}, vals)
	_, err = decodeWords([]byte{0x01, 0x90})
	assert.Error(t, err)
}
