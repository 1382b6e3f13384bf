package softi2c

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mklimuk/gasbus"
	"github.com/mklimuk/gasbus/snsctx"
)

// ErrEmptyRead is returned by ReadFromAddr for a zero length buffer.
var ErrEmptyRead = errors.New("read of zero bytes")

// NACKError reports which byte of a frame was not acknowledged. Index 0 is
// the address byte.
type NACKError struct {
	Address byte
	Index   int
	Byte    byte
}

func (e *NACKError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("address %#x not acknowledged", e.Address)
	}
	return fmt.Sprintf("byte %d (%#x) to %#x not acknowledged", e.Index, e.Byte, e.Address)
}

func (e *NACKError) Unwrap() []error {
	if e.Index == 0 {
		return []error{gasbus.ErrNoDevice, gasbus.ErrNACK}
	}
	return []error{gasbus.ErrNACK}
}

// WriteToAddr sends buffer to the 7-bit address in a single
// start/address/data/stop frame. An empty buffer only probes the address.
func (b *Bus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	snsctx.DumpFrame(ctx, "write", address, buffer)

	nack, err := b.begin(ctx, address, false)
	if err != nil {
		return err
	}
	if nack != nil && !b.config.ContinueOnNACK {
		return b.end(nack)
	}
	for i, v := range buffer {
		if err := ctx.Err(); err != nil {
			return b.abort(address, err)
		}
		ack, err := b.WriteByte(v)
		if err != nil {
			return b.abort(address, err)
		}
		if ack == gasbus.ACK || nack != nil {
			continue
		}
		nack = &NACKError{Address: address, Index: i + 1, Byte: v}
		if !b.config.ContinueOnNACK {
			break
		}
	}
	return b.end(nack)
}

// ReadFromAddr fills buffer from the 7-bit address. Every byte but the last
// is acknowledged; the last one is answered with NACK to end the transfer.
// An empty buffer is rejected before the bus is touched.
func (b *Bus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	if len(buffer) == 0 {
		return fmt.Errorf("softi2c: %#x: %w", address, ErrEmptyRead)
	}
	b.mx.Lock()
	defer b.mx.Unlock()

	nack, err := b.begin(ctx, address, true)
	if err != nil {
		return err
	}
	if nack != nil && !b.config.ContinueOnNACK {
		return b.end(nack)
	}
	for i := range buffer {
		if err := ctx.Err(); err != nil {
			return b.abort(address, err)
		}
		ack := gasbus.ACK
		if i == len(buffer)-1 {
			ack = gasbus.NACK
		}
		v, err := b.ReadByte(ack)
		if err != nil {
			return b.abort(address, err)
		}
		buffer[i] = v
	}
	snsctx.DumpFrame(ctx, "read", address, buffer)
	return b.end(nack)
}

// Release clears a bus left mid-byte by a slave: SCL is pulsed up to nine
// times until the slave lets SDA go, then a stop is issued. ErrBusBusy is
// returned when SDA is still held low afterwards.
func (b *Bus) Release(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	t := b.config.Timing
	l := b.lines()
	l.dir(b.scl, gasbus.Output)
	l.dir(b.sda, gasbus.Input)
	l.set(b.scl, gasbus.Low, t.ClockLow)
	for i := 0; i < 9 && l.read(b.sda) == gasbus.Low; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("softi2c: release: %w: %w", gasbus.ErrBusTimeout, err)
		}
		l.set(b.scl, gasbus.High, t.ClockHigh)
		l.set(b.scl, gasbus.Low, t.ClockLow)
	}
	held := l.read(b.sda) == gasbus.Low
	if l.err != nil {
		return fmt.Errorf("softi2c: release: %w", l.err)
	}
	if held {
		return fmt.Errorf("softi2c: release: %w", gasbus.ErrBusBusy)
	}
	return b.Stop()
}

func (b *Bus) begin(ctx context.Context, address byte, read bool) (*NACKError, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("softi2c: %#x: %w: %w", address, gasbus.ErrBusTimeout, err)
	}
	if err := b.Start(); err != nil {
		return nil, err
	}
	addr := address << 1
	if read {
		addr |= 0x01
	}
	ack, err := b.WriteByte(addr)
	if err != nil {
		return nil, b.abort(address, err)
	}
	if ack == gasbus.NACK {
		slog.Debug("address not acknowledged", "addr", fmt.Sprintf("%#x", address), "read", read)
		return &NACKError{Address: address, Byte: addr}, nil
	}
	return nil, nil
}

func (b *Bus) end(nack *NACKError) error {
	if err := b.Stop(); err != nil {
		return err
	}
	if nack != nil {
		return nack
	}
	return nil
}

// abort stops the frame after a failure; the stop is best effort.
func (b *Bus) abort(address byte, cause error) error {
	if stopErr := b.Stop(); stopErr != nil {
		slog.Warn("could not stop aborted frame", "addr", fmt.Sprintf("%#x", address), "error", stopErr)
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return fmt.Errorf("softi2c: %#x: %w: %w", address, gasbus.ErrBusTimeout, cause)
	}
	return fmt.Errorf("softi2c: %#x: %w", address, cause)
}
