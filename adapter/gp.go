package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/mklimuk/gasbus"
)

// GP pins are switched with the Set GPIO Output Values command. Every pin
// takes four bytes starting at offset 2: alter value, value, alter
// direction, direction (0 output, 1 input).
const (
	gpFirstOffset = 2
	gpStride      = 4
	gpAlter       = 0x01
	gpDirOutput   = 0x00
	gpDirInput    = 0x01
)

var _ gasbus.Pin = &GPPin{}

// GPPin is one of the bridge's general purpose pins used as a bus line. The
// pin must be designated as GPIO (see SetGPIOParameters). Every call is a
// USB round trip, so a bus on GP pins runs at a few hundred bits per second.
type GPPin struct {
	dev     *MCP2221
	index   int
	timeout time.Duration
	latch   gasbus.Level
	dir     gasbus.Direction
}

// GP returns GP0..GP3 as a pin.
func (d *MCP2221) GP(index int) (*GPPin, error) {
	if index < 0 || index > 3 {
		return nil, fmt.Errorf("no GP%d on MCP2221", index)
	}
	return &GPPin{dev: d, index: index, timeout: time.Second, latch: gasbus.High}, nil
}

func (p *GPPin) SetDirection(d gasbus.Direction) error {
	err := p.set(func(req []byte) {
		gpOutputRequest(req, p.index, &d, &p.latch)
	})
	if err != nil {
		return fmt.Errorf("GP%d: set direction %s: %w", p.index, d, err)
	}
	p.dir = d
	return nil
}

func (p *GPPin) Write(l gasbus.Level) error {
	if p.dir != gasbus.Output {
		p.latch = l
		return nil
	}
	err := p.set(func(req []byte) {
		gpOutputRequest(req, p.index, nil, &l)
	})
	if err != nil {
		return fmt.Errorf("GP%d: write %s: %w", p.index, l, err)
	}
	p.latch = l
	return nil
}

func (p *GPPin) Read() (gasbus.Level, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	d := p.dev
	d.mx.Lock()
	defer d.mx.Unlock()
	values, err := d.readGPIO(ctx)
	if err != nil {
		return gasbus.High, fmt.Errorf("GP%d: read: %w", p.index, err)
	}
	v := [4]byte{values.GPIO0Value, values.GPIO1Value, values.GPIO2Value, values.GPIO3Value}[p.index]
	return v != 0, nil
}

func (p *GPPin) set(build func(req []byte)) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	d := p.dev
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	build(d.request)
	if err := d.send(ctx, true); err != nil {
		return err
	}
	if d.response[1] != 0x00 {
		return ErrCommandFailed
	}
	return nil
}

// gpOutputRequest fills a Set GPIO Output Values report that changes only
// the given pin. A nil direction or level leaves that setting alone.
func gpOutputRequest(req []byte, index int, dir *gasbus.Direction, level *gasbus.Level) {
	req[0] = cmdSetGPIO
	off := gpFirstOffset + gpStride*index
	if level != nil {
		req[off] = gpAlter
		req[off+1] = 0
		if *level {
			req[off+1] = 1
		}
	}
	if dir != nil {
		req[off+2] = gpAlter
		req[off+3] = gpDirInput
		if *dir == gasbus.Output {
			req[off+3] = gpDirOutput
		}
	}
}
