package adapter

import (
	"fmt"

	"github.com/karalabe/hid"
)

// device is the part of a HID handle the bridge talks through.
type device interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

type opener func(id ...int) (device, error)

func openHID(id ...int) (device, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) > 1 && len(id) == 0 {
		return nil, fmt.Errorf("ambiguous device identification")
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("MCP2221 device not found")
	}
	idx := 0
	if len(id) > 0 {
		idx = id[0]
	}
	if idx < 0 || idx >= len(devs) {
		return nil, fmt.Errorf("no device with id %d", idx)
	}
	dev, err := devs[idx].Open()
	if err != nil {
		return nil, fmt.Errorf("error opening device: %w", err)
	}
	return dev, nil
}

// Devices lists attached bridges; the index is the id accepted by
// WithDeviceID.
func Devices() []hid.DeviceInfo {
	return hid.Enumerate(VendorID, ProductID)
}
