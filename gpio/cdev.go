package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"github.com/mklimuk/gasbus"
)

const consumer = "gasbus"

var _ gasbus.Pin = &CdevPin{}

// CdevPin is a line requested from the GPIO character device. The line is
// reconfigured between input (pull-up) and output on every direction change.
type CdevPin struct {
	mx    sync.Mutex
	line  *gpiocdev.Line
	dir   gasbus.Direction
	latch gasbus.Level
}

// NewCdevPin requests the line at offset on chip ("gpiochip0") as an input.
func NewCdevPin(chip string, offset int) (*CdevPin, error) {
	line, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("could not request %s line %d: %w", chip, offset, err)
	}
	return &CdevPin{line: line, latch: gasbus.High}, nil
}

func (p *CdevPin) SetDirection(d gasbus.Direction) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	var err error
	if d == gasbus.Output {
		err = p.line.Reconfigure(gpiocdev.AsOutput(levelValue(p.latch)))
	} else {
		err = p.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullUp)
	}
	if err != nil {
		return fmt.Errorf("line %d: set direction %s: %w", p.line.Offset(), d, err)
	}
	p.dir = d
	return nil
}

func (p *CdevPin) Write(l gasbus.Level) error {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.latch = l
	if p.dir != gasbus.Output {
		return nil
	}
	if err := p.line.SetValue(levelValue(l)); err != nil {
		return fmt.Errorf("line %d: write %s: %w", p.line.Offset(), l, err)
	}
	return nil
}

func (p *CdevPin) Read() (gasbus.Level, error) {
	v, err := p.line.Value()
	if err != nil {
		return gasbus.High, fmt.Errorf("line %d: read: %w", p.line.Offset(), err)
	}
	return v != 0, nil
}

func (p *CdevPin) Close() error {
	return p.line.Close()
}

func levelValue(l gasbus.Level) int {
	if l {
		return 1
	}
	return 0
}
