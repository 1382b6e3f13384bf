package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/gasbus"
	"github.com/mklimuk/gasbus/adapter"
	"github.com/mklimuk/gasbus/air"
	"github.com/mklimuk/gasbus/gpio"
	"github.com/mklimuk/gasbus/i2c"
	"github.com/mklimuk/gasbus/pkg/config"
	"github.com/mklimuk/gasbus/sim"
	"github.com/mklimuk/gasbus/softi2c"
)

// session is an opened bus with the sensor attached to it.
type session struct {
	bus     gasbus.I2CBus
	sensor  *air.SGP30
	sim     *sim.SGP30
	closers []func() error
}

func (s *session) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func openSession(ctx context.Context, cfg *config.Config) (*session, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	policy, err := air.ParseAckPolicy(cfg.Sensor.AckPolicy)
	if err != nil {
		return nil, err
	}
	s := &session{}
	opts := []air.SGP30Opt{
		air.WithAddress(cfg.Sensor.Address),
		air.WithInitDelay(cfg.Sensor.InitDelay),
		air.WithCommandDelay(cfg.Sensor.CommandDelay),
		air.WithAckPolicy(policy),
		air.WithRetries(cfg.Sensor.Retries),
	}
	if cfg.Bus.SoftBus() {
		err = s.openSoftBus(cfg.Bus, policy, &opts)
	} else {
		err = s.openHardwareBus(ctx, cfg.Bus)
	}
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.sensor = air.NewSGP30(s.bus, opts...)
	return s, nil
}

func (s *session) openSoftBus(b config.BusConfig, policy air.AckPolicy, opts *[]air.SGP30Opt) error {
	var busOpts []softi2c.BusOpt
	if b.FrequencyHz > 0 {
		busOpts = append(busOpts, softi2c.WithFrequency(physic.Frequency(b.FrequencyHz)*physic.Hertz))
	}
	if policy == air.AckIgnore {
		busOpts = append(busOpts, softi2c.WithContinueOnNACK())
	}
	scl, sda, err := s.openPins(b, &busOpts, opts)
	if err != nil {
		return err
	}
	bus := softi2c.New(scl, sda, busOpts...)
	slog.Debug("soft bus opened", "backend", b.Backend, "scl", b.SCL, "sda", b.SDA, "frequency", bus.Timing().Frequency())
	s.bus = bus
	return nil
}

func (s *session) openPins(b config.BusConfig, busOpts *[]softi2c.BusOpt, opts *[]air.SGP30Opt) (gasbus.Pin, gasbus.Pin, error) {
	switch b.Backend {
	case config.BackendSim:
		s.sim = sim.NewSGP30()
		wires := sim.NewBus(s.sim)
		*busOpts = append(*busOpts, softi2c.WithDelayer(wires))
		*opts = append(*opts, air.WithSleep(wires.Sleep))
		return wires.SCL(), wires.SDA(), nil
	case config.BackendPeriph:
		scl, err := gpio.NewPeriphPin(b.SCL)
		if err != nil {
			return nil, nil, err
		}
		sda, err := gpio.NewPeriphPin(b.SDA)
		if err != nil {
			return nil, nil, err
		}
		return scl, sda, nil
	case config.BackendGPIOCdev:
		chip := b.Device
		if chip == "" {
			chip = "gpiochip0"
		}
		var pins [2]*gpio.CdevPin
		for i, line := range []string{b.SCL, b.SDA} {
			offset, err := config.Offset(line)
			if err != nil {
				return nil, nil, err
			}
			pins[i], err = gpio.NewCdevPin(chip, offset)
			if err != nil {
				return nil, nil, err
			}
			s.onClose(pins[i].Close)
		}
		return pins[0], pins[1], nil
	case config.BackendNanoPi:
		npi, err := gpio.NewNanoPiAdaptor()
		if err != nil {
			return nil, nil, err
		}
		s.onClose(npi.Finalize)
		scl, err := gpio.NewNanoPiPin(npi, b.SCL)
		if err != nil {
			return nil, nil, err
		}
		sda, err := gpio.NewNanoPiPin(npi, b.SDA)
		if err != nil {
			return nil, nil, err
		}
		return scl, sda, nil
	case config.BackendMCP2221GP:
		dev := adapter.NewMCP2221(adapter.WithDeviceID(b.AdapterID))
		var pins [2]*adapter.GPPin
		for i, line := range []string{b.SCL, b.SDA} {
			n, err := config.GP(line)
			if err != nil {
				return nil, nil, err
			}
			pins[i], err = dev.GP(n)
			if err != nil {
				return nil, nil, err
			}
		}
		return pins[0], pins[1], nil
	case config.BackendMCP23017:
		exp := gpio.NewMCP23017(adapter.NewMCP2221(adapter.WithDeviceID(b.AdapterID)), b.ExpanderAddress)
		var pins [2]*gpio.ExpanderPin
		for i, line := range []string{b.SCL, b.SDA} {
			port, bit, err := config.ExpanderLine(line)
			if err != nil {
				return nil, nil, err
			}
			pins[i] = exp.Pin(gpio.Port(port), bit)
		}
		return pins[0], pins[1], nil
	}
	return nil, nil, fmt.Errorf("backend %q has no pins", b.Backend)
}

func (s *session) openHardwareBus(ctx context.Context, b config.BusConfig) error {
	speed := physic.Frequency(b.FrequencyHz) * physic.Hertz
	switch b.Backend {
	case config.BackendI2C:
		bus, err := i2c.NewGenericBus(b.Device)
		if err != nil {
			return err
		}
		s.onClose(bus.Close)
		if speed > 0 {
			if err := bus.SetSpeed(speed); err != nil {
				return err
			}
		}
		s.bus = bus
	case config.BackendMCP2221:
		dev, err := adapter.Init(ctx, adapter.WithDeviceID(b.AdapterID))
		if err != nil {
			return err
		}
		if speed > 0 {
			if err := dev.SetSpeed(ctx, speed); err != nil {
				return err
			}
		}
		s.bus = dev
	case config.BackendNanoPiI2C:
		npi := nanopi.NewNeoAdaptor()
		if err := npi.Connect(); err != nil {
			return fmt.Errorf("adaptor connect error: %w", err)
		}
		s.onClose(npi.Finalize)
		bus := i2c.NewGobotBus(npi, b.BusNumber)
		s.onClose(bus.Close)
		s.bus = bus
	default:
		return fmt.Errorf("backend %q is not an i2c controller", b.Backend)
	}
	return nil
}
