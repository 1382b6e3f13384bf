package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is injected at build time.
var Version = "latest"

// Bus backends. The first group bit-bangs the bus on two pins, the second
// hands whole frames to an I2C controller.
const (
	BackendPeriph     = "periph"
	BackendGPIOCdev   = "gpiocdev"
	BackendNanoPi     = "nanopi"
	BackendMCP2221GP  = "mcp2221-gp"
	BackendMCP23017   = "mcp23017"
	BackendSim        = "sim"
	BackendI2C        = "i2c"
	BackendMCP2221    = "mcp2221"
	BackendNanoPiI2C  = "nanopi-i2c"
	DefaultSensorAddr = 0x58
)

type Config struct {
	Bus    BusConfig    `yaml:"bus"`
	Sensor SensorConfig `yaml:"sensor"`
}

type BusConfig struct {
	Backend string `yaml:"backend"`
	// Device is the gpio chip (gpiocdev) or the i2c device (i2c).
	Device string `yaml:"device,omitempty"`
	SCL    string `yaml:"scl,omitempty"`
	SDA    string `yaml:"sda,omitempty"`
	// FrequencyHz sets the soft bus clock; 0 keeps the default timing.
	FrequencyHz int `yaml:"frequency_hz"`
	// ExpanderAddress is the MCP23017 carrying the lines (mcp23017).
	ExpanderAddress uint8 `yaml:"expander_address,omitempty"`
	// BusNumber selects the adaptor bus (nanopi-i2c); -1 is the default bus.
	BusNumber int `yaml:"bus_number"`
	// AdapterID picks one of several attached MCP2221 bridges.
	AdapterID int `yaml:"adapter_id"`
}

type SensorConfig struct {
	Address      uint8         `yaml:"address"`
	InitDelay    time.Duration `yaml:"init_delay"`
	CommandDelay time.Duration `yaml:"command_delay"`
	AckPolicy    string        `yaml:"ack_policy"`
	Retries      int           `yaml:"retries"`
}

func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Backend:         BackendPeriph,
			SCL:             "GPIO3",
			SDA:             "GPIO2",
			ExpanderAddress: 0x21,
			BusNumber:       -1,
		},
		Sensor: SensorConfig{
			Address:      DefaultSensorAddr,
			InitDelay:    15 * time.Millisecond,
			CommandDelay: 100 * time.Millisecond,
			AckPolicy:    "enforce",
		},
	}
}

// Load reads a YAML file on top of the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", path, err)
	}
	return cfg, nil
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// SoftBus tells whether the backend bit-bangs the bus on two pins.
func (b BusConfig) SoftBus() bool {
	switch b.Backend {
	case BackendPeriph, BackendGPIOCdev, BackendNanoPi, BackendMCP2221GP, BackendMCP23017, BackendSim:
		return true
	}
	return false
}
