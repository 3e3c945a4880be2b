package stepper

import (
	"fmt"
	"strings"

	"github.com/cjeanneret/coilstep/internal/hw/gpio"
)

// Mode selects the coil firing sequence.
type Mode int

const (
	// Single energizes one coil terminal per step (lower torque, lower power).
	Single Mode = iota
	// Power energizes two coil terminals per step (more torque, more power).
	Power
)

func (m Mode) String() string {
	switch m {
	case Single:
		return "single"
	case Power:
		return "power"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "single" or "power".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "single":
		return Single, nil
	case "power":
		return Power, nil
	default:
		return 0, fmt.Errorf("%w: unknown stepping mode %q", ErrInvalidConfig, s)
	}
}

// Coil terminal bits used by the firing tables.
const (
	coil1A = 1 << iota
	coil1B
	coil2A
	coil2B
)

// Firing sequences (after Scherz and Monk 2013, Fig 14.8):
//
//	Single stepping      Power stepping
//	     Coil                 Coil
//	Step 1A 1B 2A 2B     Step 1A 1B 2A 2B
//	   0  1  0  0  0        0  1  0  1  0
//	   1  0  0  1  0        1  0  1  1  0
//	   2  0  1  0  0        2  0  1  0  1
//	   3  0  0  0  1        3  1  0  0  1
//
// Walking a table backwards turns the shaft the other way.
var firingTables = [...][4]uint8{
	Single: {coil1A, coil2A, coil1B, coil2B},
	Power:  {coil1A | coil2A, coil1B | coil2A, coil1B | coil2B, coil1A | coil2B},
}

// buildSequence expands the table for mode into pin masks.
func buildSequence(mode Mode, pins Pins) ([4]gpio.Mask, error) {
	var seq [4]gpio.Mask
	if mode < 0 || int(mode) >= len(firingTables) {
		return seq, fmt.Errorf("%w: unknown stepping mode %d", ErrInvalidConfig, int(mode))
	}
	terminals := [4]struct {
		bit uint8
		pin int
	}{
		{coil1A, pins.Coil1A},
		{coil1B, pins.Coil1B},
		{coil2A, pins.Coil2A},
		{coil2B, pins.Coil2B},
	}
	for i, coils := range firingTables[mode] {
		for _, t := range terminals {
			if coils&t.bit != 0 {
				seq[i] |= gpio.Bit(t.pin)
			}
		}
	}
	return seq, nil
}
