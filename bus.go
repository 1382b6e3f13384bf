package gasbus

import (
	"context"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

// ErrNACK is reported when the slave leaves the data line high in the
// acknowledge slot of a written byte.
var ErrNACK = fmt.Errorf("byte not acknowledged")

// ErrNoDevice is reported when nothing acknowledges the address byte.
var ErrNoDevice = fmt.Errorf("no device acknowledged the address")

var ErrBusTimeout = fmt.Errorf("bus transaction aborted")

type BusReader interface {
	Read(ctx context.Context, buffer []byte) error
}

type BusWriter interface {
	Write(ctx context.Context, buffer []byte) error
}

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

// I2CBus is a whole-transaction transport: every call is one
// start/address/data/stop frame addressed with a 7-bit address.
type I2CBus interface {
	AddressableReader
	AddressableWriter
}

// I2CMaster exposes the four bus primitives a transaction is made of.
type I2CMaster interface {
	Start() error
	Stop() error
	WriteByte(b byte) (Ack, error)
	ReadByte(ack Ack) (byte, error)
}
