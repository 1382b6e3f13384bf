package gpio

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/mklimuk/gasbus"
)

var _ gasbus.Pin = &PeriphPin{}

// PeriphPin is a host GPIO line driven through periph. Released lines are
// switched to input with the internal pull-up enabled.
type PeriphPin struct {
	mx    sync.Mutex
	pin   gpio.PinIO
	dir   gasbus.Direction
	latch gasbus.Level
}

// NewPeriphPin looks the line up by name ("GPIO26", "PA12", ...) after
// loading the host drivers.
func NewPeriphPin(name string) (*PeriphPin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("gpio %q not found", name)
	}
	p := &PeriphPin{pin: pin, latch: gasbus.High}
	if err := p.SetDirection(gasbus.Input); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PeriphPin) SetDirection(d gasbus.Direction) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	var err error
	if d == gasbus.Output {
		err = p.pin.Out(gpio.Level(p.latch))
	} else {
		err = p.pin.In(gpio.PullUp, gpio.NoEdge)
	}
	if err != nil {
		return fmt.Errorf("%s: set direction %s: %w", p.pin.Name(), d, err)
	}
	p.dir = d
	return nil
}

func (p *PeriphPin) Write(l gasbus.Level) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.latch = l
	if p.dir != gasbus.Output {
		return nil
	}
	if err := p.pin.Out(gpio.Level(l)); err != nil {
		return fmt.Errorf("%s: write %s: %w", p.pin.Name(), l, err)
	}
	return nil
}

func (p *PeriphPin) Read() (gasbus.Level, error) {
	return gasbus.Level(p.pin.Read()), nil
}

func (p *PeriphPin) String() string {
	return p.pin.Name()
}
