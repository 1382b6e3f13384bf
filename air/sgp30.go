package air

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/mklimuk/gasbus"
)

// SGP30 default 7-bit I2C address is 0x58. On the wire this becomes 0xB0 for
// writes and 0xB1 for reads.
const sgp30Address = 0x58

// General call reset: address 0x00 followed by 0x06 resets every device on
// the bus that supports it.
const (
	generalCallAddress byte = 0x00
	generalCallReset   byte = 0x06
)

// Command is a 16-bit SGP30 command word, sent high byte first.
type Command uint16

const (
	CmdInitAirQuality    Command = 0x2003
	CmdMeasureAirQuality Command = 0x2008
	CmdGetBaseline       Command = 0x2015
	CmdSetBaseline       Command = 0x201E
	CmdMeasureRaw        Command = 0x2050
	CmdSetHumidity       Command = 0x2061
	CmdGetFeatureSet     Command = 0x202F
	CmdGetSerialID       Command = 0x3682
)

func (c Command) Bytes() (hi, lo byte) {
	return byte(c >> 8), byte(c)
}

// AckPolicy decides what a write transaction does with a byte the sensor did
// not acknowledge.
type AckPolicy int

const (
	// AckEnforce returns the NACK to the caller.
	AckEnforce AckPolicy = iota
	// AckIgnore logs the NACK and carries on as if it was acknowledged.
	AckIgnore
)

func (p AckPolicy) String() string {
	if p == AckIgnore {
		return "ignore"
	}
	return "enforce"
}

func ParseAckPolicy(s string) (AckPolicy, error) {
	switch strings.ToLower(s) {
	case "", "enforce":
		return AckEnforce, nil
	case "ignore":
		return AckIgnore, nil
	}
	return AckEnforce, fmt.Errorf("unknown ack policy %q", s)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type SGP30Opts struct {
	Address      byte
	InitDelay    time.Duration
	CommandDelay time.Duration
	AckPolicy    AckPolicy
	Retries      int
	Sleep        SleepFunc
}

type SGP30Opt func(*SGP30Opts)

func WithAddress(addr byte) SGP30Opt {
	return func(o *SGP30Opts) {
		o.Address = addr
	}
}

func WithInitDelay(delay time.Duration) SGP30Opt {
	return func(o *SGP30Opts) {
		o.InitDelay = delay
	}
}

func WithCommandDelay(delay time.Duration) SGP30Opt {
	return func(o *SGP30Opts) {
		o.CommandDelay = delay
	}
}

func WithAckPolicy(p AckPolicy) SGP30Opt {
	return func(o *SGP30Opts) {
		o.AckPolicy = p
	}
}

// WithRetries repeats a transaction that failed with a NACK or a busy bus up
// to n more times. The bus is released before every retry.
func WithRetries(n int) SGP30Opt {
	return func(o *SGP30Opts) {
		o.Retries = n
	}
}

// WithSleep replaces the wait used for the settle and command delays.
func WithSleep(fn SleepFunc) SGP30Opt {
	return func(o *SGP30Opts) {
		o.Sleep = fn
	}
}

type AirQuality struct {
	CO2eq uint16 // ppm
	TVOC  uint16 // ppb
}

type RawSignals struct {
	H2      uint16
	Ethanol uint16
}

type Baseline struct {
	CO2eq uint16
	TVOC  uint16
}

// FeatureSet is the product type in the top nibble and the product version
// in the low byte.
type FeatureSet uint16

func (f FeatureSet) ProductType() uint8 {
	return uint8(f >> 12)
}

func (f FeatureSet) Version() uint8 {
	return uint8(f)
}

// SGP30 represents Sensirion SGP30 gas sensor.
// Typical usage:
//
//	s := NewSGP30(bus)
//	err := s.InitializeDevice(ctx)
//	q, err := s.MeasureAirQuality(ctx)
//
// Every method holds the sensor for its whole sequence of transactions, so
// calls from different goroutines never interleave on the bus.
type SGP30 struct {
	mx        sync.Mutex
	config    SGP30Opts
	transport gasbus.I2CBus
}

func NewSGP30(transport gasbus.I2CBus, opts ...SGP30Opt) *SGP30 {
	config := SGP30Opts{
		Address:      sgp30Address,
		InitDelay:    15 * time.Millisecond,
		CommandDelay: 100 * time.Millisecond,
		AckPolicy:    AckEnforce,
		Sleep:        sleep,
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &SGP30{
		config:    config,
		transport: transport,
	}
}

func (s *SGP30) Address() byte {
	return s.config.Address
}

// InitializeDevice starts the air quality algorithm and waits for the sensor
// to settle. Nothing is read back.
func (s *SGP30) InitializeDevice(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	hi, lo := CmdInitAirQuality.Bytes()
	if err := s.writeCommand(ctx, hi, lo); err != nil {
		return fmt.Errorf("sgp30: init failed: %w", err)
	}
	return s.config.Sleep(ctx, s.config.InitDelay)
}

// WriteCommand sends a two byte command in a single write transaction and
// waits the command delay.
func (s *SGP30) WriteCommand(ctx context.Context, hi, lo byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if err := s.writeCommand(ctx, hi, lo); err != nil {
		return fmt.Errorf("sgp30: command 0x%02x%02x failed: %w", hi, lo, err)
	}
	return nil
}

// ReadResult reads four bytes and returns them as a big-endian value. The
// bytes are not interpreted: after a measurement they hold the first word,
// its CRC and the high byte of the second word.
func (s *SGP30) ReadResult(ctx context.Context) (uint32, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	buf := make([]byte, 4)
	if err := s.read(ctx, buf); err != nil {
		return 0, fmt.Errorf("sgp30: read failed: %w", err)
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (s *SGP30) MeasureAirQuality(ctx context.Context) (AirQuality, error) {
	vals, err := s.query(ctx, CmdMeasureAirQuality, 2)
	if err != nil {
		return AirQuality{}, fmt.Errorf("sgp30: measure air quality: %w", err)
	}
	return AirQuality{CO2eq: vals[0], TVOC: vals[1]}, nil
}

func (s *SGP30) MeasureRaw(ctx context.Context) (RawSignals, error) {
	vals, err := s.query(ctx, CmdMeasureRaw, 2)
	if err != nil {
		return RawSignals{}, fmt.Errorf("sgp30: measure raw: %w", err)
	}
	return RawSignals{H2: vals[0], Ethanol: vals[1]}, nil
}

func (s *SGP30) GetBaseline(ctx context.Context) (Baseline, error) {
	vals, err := s.query(ctx, CmdGetBaseline, 2)
	if err != nil {
		return Baseline{}, fmt.Errorf("sgp30: get baseline: %w", err)
	}
	return Baseline{CO2eq: vals[0], TVOC: vals[1]}, nil
}

// SetBaseline restores a baseline saved with GetBaseline. It must follow
// InitializeDevice.
func (s *SGP30) SetBaseline(ctx context.Context, b Baseline) error {
	// the sensor expects the TVOC word first, the reverse of GetBaseline
	if err := s.send(ctx, CmdSetBaseline, b.TVOC, b.CO2eq); err != nil {
		return fmt.Errorf("sgp30: set baseline: %w", err)
	}
	return nil
}

// SetHumidity enables humidity compensation. The value is absolute humidity
// in g/m³ as 8.8 fixed point; zero turns compensation off.
func (s *SGP30) SetHumidity(ctx context.Context, absolute uint16) error {
	if err := s.send(ctx, CmdSetHumidity, absolute); err != nil {
		return fmt.Errorf("sgp30: set humidity: %w", err)
	}
	return nil
}

func (s *SGP30) GetFeatureSet(ctx context.Context) (FeatureSet, error) {
	vals, err := s.query(ctx, CmdGetFeatureSet, 1)
	if err != nil {
		return 0, fmt.Errorf("sgp30: get feature set: %w", err)
	}
	return FeatureSet(vals[0]), nil
}

// GetSerialID returns the 48-bit serial number.
func (s *SGP30) GetSerialID(ctx context.Context) (uint64, error) {
	vals, err := s.query(ctx, CmdGetSerialID, 3)
	if err != nil {
		return 0, fmt.Errorf("sgp30: get serial id: %w", err)
	}
	return uint64(vals[0])<<32 | uint64(vals[1])<<16 | uint64(vals[2]), nil
}

// SoftReset sends the general call reset. Every device on the bus that
// understands it resets, not only the sensor.
func (s *SGP30) SoftReset(ctx context.Context) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	err := s.transport.WriteToAddr(ctx, generalCallAddress, []byte{generalCallReset})
	if err != nil {
		return fmt.Errorf("sgp30: soft reset failed: %w", err)
	}
	return s.config.Sleep(ctx, s.config.CommandDelay)
}

// AbsoluteHumidity converts temperature in °C and relative humidity in % to
// the fixed point value taken by SetHumidity.
func AbsoluteHumidity(celsius, relative float64) uint16 {
	saturation := 6.112 * math.Exp(17.62*celsius/(243.12+celsius))
	gm3 := 216.7 * (relative / 100 * saturation / (273.15 + celsius))
	v := math.Round(gm3 * 256)
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

func (s *SGP30) query(ctx context.Context, cmd Command, words int) ([]uint16, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	hi, lo := cmd.Bytes()
	if err := s.writeCommand(ctx, hi, lo); err != nil {
		return nil, err
	}
	buf := make([]byte, 3*words)
	if err := s.read(ctx, buf); err != nil {
		return nil, err
	}
	return decodeWords(buf)
}

func (s *SGP30) send(ctx context.Context, cmd Command, vals ...uint16) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	hi, lo := cmd.Bytes()
	buf := append([]byte{hi, lo}, encodeWords(vals...)...)
	if err := s.write(ctx, buf); err != nil {
		return err
	}
	return s.config.Sleep(ctx, s.config.CommandDelay)
}

func (s *SGP30) writeCommand(ctx context.Context, hi, lo byte) error {
	if err := s.write(ctx, []byte{hi, lo}); err != nil {
		return err
	}
	return s.config.Sleep(ctx, s.config.CommandDelay)
}

func (s *SGP30) write(ctx context.Context, buf []byte) error {
	err := s.retry(ctx, func() error {
		return s.transport.WriteToAddr(ctx, s.config.Address, buf)
	})
	if err != nil && s.config.AckPolicy == AckIgnore && errors.Is(err, gasbus.ErrNACK) {
		slog.Warn("sgp30: write not acknowledged", "addr", fmt.Sprintf("%#x", s.config.Address), "error", err)
		return nil
	}
	return err
}

func (s *SGP30) read(ctx context.Context, buf []byte) error {
	return s.retry(ctx, func() error {
		return s.transport.ReadFromAddr(ctx, s.config.Address, buf)
	})
}

func (s *SGP30) retry(ctx context.Context, tx func() error) error {
	err := tx()
	for i := 0; i < s.config.Retries && err != nil; i++ {
		if !errors.Is(err, gasbus.ErrNACK) && !errors.Is(err, gasbus.ErrBusBusy) {
			return err
		}
		slog.Debug("sgp30: retrying transaction", "attempt", i+1, "error", err)
		// try to release the bus
		if relErr := s.transport.Release(ctx); relErr != nil {
			return fmt.Errorf("%w (release failed: %v)", err, relErr)
		}
		err = tx()
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
