package softi2c

import (
	"context"
	"errors"
	"fmt"

	"github.com/mklimuk/gasbus"
)

// First and last non-reserved 7-bit addresses.
const (
	ScanFirst byte = 0x08
	ScanLast  byte = 0x77
)

// Scan probes every non-reserved address with an empty write and returns the
// ones that acknowledged. Each probe is its own frame, so only one device is
// ever addressed at a time.
func Scan(ctx context.Context, bus gasbus.I2CBus) ([]byte, error) {
	var found []byte
	for addr := ScanFirst; addr <= ScanLast; addr++ {
		err := bus.WriteToAddr(ctx, addr, nil)
		switch {
		case err == nil:
			found = append(found, addr)
		case errors.Is(err, gasbus.ErrNoDevice):
		default:
			return found, fmt.Errorf("scan stopped at %#x: %w", addr, err)
		}
	}
	return found, nil
}
