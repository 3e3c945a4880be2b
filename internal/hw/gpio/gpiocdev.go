package gpio

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/coilstep/internal/debug"
	"github.com/warthog618/go-gpiocdev"
	"go.uber.org/multierr"
)

const cdevConsumer = "coilstep"

// CdevDriver uses the Linux GPIO character device. Lines are requested from
// the kernel, so two users cannot claim the same line, and a reserved group
// is written with a single SetValues call.
type CdevDriver struct {
	chip string

	mu     sync.Mutex
	lines  map[int]*gpiocdev.Line
	groups []*cdevGroup
}

// NewCdevDriver opens the given chip ("gpiochip0" when empty).
func NewCdevDriver(chip string) (*CdevDriver, error) {
	if chip == "" {
		chip = "gpiochip0"
	}
	debug.Info("Initializing GPIO character device driver (%s)", chip)

	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", chip, err)
	}
	debug.Verbose("%s has %d lines", chip, c.Lines())
	if err := c.Close(); err != nil {
		return nil, fmt.Errorf("close %s: %w", chip, err)
	}

	return &CdevDriver{chip: chip, lines: make(map[int]*gpiocdev.Line)}, nil
}

func (d *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	d.mu.Lock()
	defer d.mu.Unlock()

	if l, ok := d.lines[pin]; ok {
		var err error
		switch mode {
		case Input:
			err = l.Reconfigure(gpiocdev.AsInput)
		case Output:
			err = l.Reconfigure(gpiocdev.AsOutput(0))
		default:
			return fmt.Errorf("unknown pin mode: %d", mode)
		}
		return err
	}

	var opt gpiocdev.LineReqOption
	switch mode {
	case Input:
		opt = gpiocdev.AsInput
	case Output:
		opt = gpiocdev.AsOutput(0)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	l, err := gpiocdev.RequestLine(d.chip, pin, opt, gpiocdev.WithConsumer(cdevConsumer))
	if err != nil {
		return fmt.Errorf("request line %d: %w", pin, err)
	}
	d.lines[pin] = l
	return nil
}

func (d *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	d.mu.Lock()
	l, ok := d.lines[pin]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("pin %d not set up", pin)
	}
	v := 0
	if level == High {
		v = 1
	}
	return l.SetValue(v)
}

// ReserveOutputs requests all lines of mask in one kernel request, driven low.
func (d *CdevDriver) ReserveOutputs(mask Mask) (OutputGroup, error) {
	offsets := mask.Pins()
	lines, err := gpiocdev.RequestLines(d.chip, offsets,
		gpiocdev.AsOutput(make([]int, len(offsets))...),
		gpiocdev.WithConsumer(cdevConsumer))
	if err != nil {
		return nil, fmt.Errorf("request lines %v: %w", offsets, err)
	}
	g := &cdevGroup{mask: mask, offsets: offsets, lines: lines, values: make([]int, len(offsets))}

	d.mu.Lock()
	d.groups = append(d.groups, g)
	d.mu.Unlock()
	return g, nil
}

// Close releases every line and group still held.
func (d *CdevDriver) Close() error {
	debug.Trace("GPIO Close (gpiocdev)")

	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	for pin, l := range d.lines {
		err = multierr.Append(err, l.Close())
		delete(d.lines, pin)
	}
	for _, g := range d.groups {
		err = multierr.Append(err, g.Close())
	}
	d.groups = nil
	return err
}

type cdevGroup struct {
	mask    Mask
	offsets []int
	lines   *gpiocdev.Lines
	values  []int
	closed  bool
}

func (g *cdevGroup) Mask() Mask { return g.mask }

func (g *cdevGroup) Write(value Mask) error {
	debug.Mask("SetValues", uint32(g.mask), uint32(value&g.mask))
	for i, off := range g.offsets {
		g.values[i] = 0
		if value&Bit(off) != 0 {
			g.values[i] = 1
		}
	}
	return g.lines.SetValues(g.values)
}

// Close drives the lines low and hands them back to the kernel.
func (g *cdevGroup) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	err := g.Write(0)
	return multierr.Append(err, g.lines.Close())
}
