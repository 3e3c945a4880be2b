package gpio

import (
	"fmt"
	"math/bits"

	"github.com/cjeanneret/coilstep/internal/debug"
	"go.uber.org/multierr"
)

// MaxPin is the highest line number a Mask can address.
const MaxPin = 31

// Mask is a set of GPIO lines; bit n stands for line n.
type Mask uint32

// Bit returns the mask with only the given pin set.
func Bit(pin int) Mask {
	return Mask(1) << uint(pin)
}

// MaskOf returns the mask covering all given pins.
func MaskOf(pins ...int) (Mask, error) {
	var m Mask
	for _, p := range pins {
		if p < 0 || p > MaxPin {
			return 0, fmt.Errorf("pin %d out of range 0-%d", p, MaxPin)
		}
		m |= Bit(p)
	}
	return m, nil
}

// Pins returns the line numbers set in m, in ascending order.
func (m Mask) Pins() []int {
	pins := make([]int, 0, bits.OnesCount32(uint32(m)))
	for v := uint32(m); v != 0; v &= v - 1 {
		pins = append(pins, bits.TrailingZeros32(v))
	}
	return pins
}

// Has reports whether pin is in m.
func (m Mask) Has(pin int) bool {
	return pin >= 0 && pin <= MaxPin && m&Bit(pin) != 0
}

// OutputGroup is an owned handle to a set of lines reserved as outputs.
// Write drives every line of the group: lines whose bit is set in value go
// high, the others go low. Lines outside the group are never touched.
//
// Only drivers implementing GroupReserver (gpiocdev) update the lines in a
// single operation. The per-pin fallback used for rpio, periph, firmata and
// the mock writes them one after the other in ascending pin order, so a
// phase change briefly passes through in-between coil states.
type OutputGroup interface {
	Mask() Mask
	Write(value Mask) error
	Close() error
}

// GroupReserver is implemented by drivers that can claim a set of lines and
// drive them in a single operation.
type GroupReserver interface {
	ReserveOutputs(mask Mask) (OutputGroup, error)
}

// ReserveOutputs claims the lines in mask as outputs on d.
// Drivers without native group support get a group that configures and
// writes each line individually.
func ReserveOutputs(d Driver, mask Mask) (OutputGroup, error) {
	if mask == 0 {
		return nil, fmt.Errorf("reserve outputs: empty pin mask")
	}
	if r, ok := d.(GroupReserver); ok {
		return r.ReserveOutputs(mask)
	}
	return newPinGroup(d, mask)
}

// pinGroup drives a group through the per-pin Driver API.
type pinGroup struct {
	drv  Driver
	mask Mask
	pins []int
}

func newPinGroup(d Driver, mask Mask) (*pinGroup, error) {
	g := &pinGroup{drv: d, mask: mask, pins: mask.Pins()}
	for _, pin := range g.pins {
		if err := d.SetupPin(pin, Output); err != nil {
			return nil, fmt.Errorf("setup pin %d: %w", pin, err)
		}
	}
	return g, nil
}

func (g *pinGroup) Mask() Mask { return g.mask }

func (g *pinGroup) Write(value Mask) error {
	debug.Mask("WriteMasked", uint32(g.mask), uint32(value&g.mask))
	for _, pin := range g.pins {
		level := Low
		if value&Bit(pin) != 0 {
			level = High
		}
		if err := g.drv.WritePin(pin, level); err != nil {
			return fmt.Errorf("write pin %d: %w", pin, err)
		}
	}
	return nil
}

// Close drives the group low; the underlying driver stays open.
func (g *pinGroup) Close() error {
	var err error
	for _, pin := range g.pins {
		err = multierr.Append(err, g.drv.WritePin(pin, Low))
	}
	return err
}
