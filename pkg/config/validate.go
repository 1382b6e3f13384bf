package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mklimuk/gasbus/air"
)

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if err := validateBus(cfg.Bus); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	if err := validateSensor(cfg.Sensor); err != nil {
		return fmt.Errorf("sensor: %w", err)
	}
	return nil
}

func validateBus(b BusConfig) error {
	switch b.Backend {
	case BackendPeriph, BackendGPIOCdev, BackendNanoPi, BackendMCP2221GP, BackendMCP23017, BackendSim,
		BackendI2C, BackendMCP2221, BackendNanoPiI2C:
	default:
		return fmt.Errorf("unknown backend %q", b.Backend)
	}
	if b.FrequencyHz < 0 {
		return fmt.Errorf("frequency_hz must not be negative, got %d", b.FrequencyHz)
	}
	if b.AdapterID < 0 {
		return fmt.Errorf("adapter_id must not be negative, got %d", b.AdapterID)
	}
	if !b.SoftBus() || b.Backend == BackendSim {
		return nil
	}
	if b.SCL == "" || b.SDA == "" {
		return fmt.Errorf("backend %s needs both scl and sda", b.Backend)
	}
	if b.SCL == b.SDA {
		return fmt.Errorf("scl and sda must be different lines, both are %q", b.SCL)
	}
	for _, line := range []string{b.SCL, b.SDA} {
		var err error
		switch b.Backend {
		case BackendGPIOCdev:
			_, err = Offset(line)
		case BackendMCP2221GP:
			_, err = GP(line)
		case BackendMCP23017:
			_, _, err = ExpanderLine(line)
		}
		if err != nil {
			return err
		}
	}
	if b.Backend == BackendMCP23017 && (b.ExpanderAddress < 0x20 || b.ExpanderAddress > 0x27) {
		return fmt.Errorf("expander_address %#x outside 0x20..0x27", b.ExpanderAddress)
	}
	return nil
}

func validateSensor(s SensorConfig) error {
	if s.Address < 0x08 || s.Address > 0x77 {
		return fmt.Errorf("address %#x is not a 7-bit device address", s.Address)
	}
	if s.InitDelay < 0 || s.CommandDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if _, err := air.ParseAckPolicy(s.AckPolicy); err != nil {
		return err
	}
	if s.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", s.Retries)
	}
	return nil
}

// Offset parses a gpio chip line offset.
func Offset(line string) (int, error) {
	n, err := strconv.Atoi(line)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid line offset %q", line)
	}
	return n, nil
}

// GP parses an MCP2221 pin, "GP0".."GP3" or "0".."3".
func GP(line string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.ToUpper(line), "GP"))
	if err != nil || n < 0 || n > 3 {
		return 0, fmt.Errorf("invalid MCP2221 pin %q", line)
	}
	return n, nil
}

// ExpanderLine parses an MCP23017 line such as "A0" or "b7" into a port
// index (0 for A) and a bit.
func ExpanderLine(line string) (int, uint8, error) {
	if len(line) != 2 {
		return 0, 0, fmt.Errorf("invalid expander line %q", line)
	}
	port := strings.IndexByte("AB", strings.ToUpper(line)[0])
	bit := line[1] - '0'
	if port < 0 || bit > 7 {
		return 0, 0, fmt.Errorf("invalid expander line %q", line)
	}
	return port, bit, nil
}
