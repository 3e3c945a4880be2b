package gpio

import (
	"fmt"

	"github.com/cjeanneret/coilstep/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPiDriver is the Raspberry Pi implementation using go-rpio (memory-mapped
// GPIO registers). It has no native group write, so motors on it are driven
// line by line through ReserveOutputs.
type RPiDriver struct {
	pins map[int]rpio.Pin
}

// NewRPiRealDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
	case Output:
		p.Output()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	r.pins[pin] = p
	return nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, ok := r.pins[pin]
	if !ok {
		return fmt.Errorf("pin %d not set up", pin)
	}
	if level == High {
		p.High()
	} else {
		p.Low()
	}
	return nil
}

// Close drives every used line low, returns it to input (safe state) and
// unmaps the registers.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (rpio)")

	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Low()
		p.Input()
	}
	return rpio.Close()
}
