package gpio

import (
	"fmt"
	"sync"

	"gobot.io/x/gobot/v2"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"gobot.io/x/gobot/v2/system"

	"github.com/mklimuk/gasbus"
)

var _ gasbus.Pin = &NanoPiPin{}

// NanoPiPin is a header pin of a NanoPi NEO addressed by its header number
// ("7", "11", ...).
type NanoPiPin struct {
	mx    sync.Mutex
	id    string
	pin   gobot.DigitalPinner
	dir   gasbus.Direction
	latch gasbus.Level
}

// NewNanoPiAdaptor connects the board adaptor shared by the pins.
func NewNanoPiAdaptor() (*nanopi.Adaptor, error) {
	npi := nanopi.NewNeoAdaptor()
	if err := npi.Connect(); err != nil {
		return nil, fmt.Errorf("adaptor connect error: %w", err)
	}
	return npi, nil
}

func NewNanoPiPin(npi *nanopi.Adaptor, id string) (*NanoPiPin, error) {
	pin, err := npi.DigitalPin(id)
	if err != nil {
		return nil, fmt.Errorf("pin %s: %w", id, err)
	}
	p := &NanoPiPin{id: id, pin: pin, latch: gasbus.High}
	if err := p.SetDirection(gasbus.Input); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *NanoPiPin) SetDirection(d gasbus.Direction) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	var err error
	if d == gasbus.Output {
		err = p.pin.ApplyOptions(system.WithPinDirectionOutput(levelValue(p.latch)))
	} else {
		err = p.pin.ApplyOptions(system.WithPinDirectionInput(), system.WithPinPullUp())
	}
	if err != nil {
		return fmt.Errorf("pin %s: set direction %s: %w", p.id, d, err)
	}
	p.dir = d
	return nil
}

func (p *NanoPiPin) Write(l gasbus.Level) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.latch = l
	if p.dir != gasbus.Output {
		return nil
	}
	if err := p.pin.Write(levelValue(l)); err != nil {
		return fmt.Errorf("pin %s: write %s: %w", p.id, l, err)
	}
	return nil
}

func (p *NanoPiPin) Read() (gasbus.Level, error) {
	v, err := p.pin.Read()
	if err != nil {
		return gasbus.High, fmt.Errorf("pin %s: read: %w", p.id, err)
	}
	return v != 0, nil
}
