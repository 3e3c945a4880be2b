package gpio

import (
	"fmt"
	"strconv"

	"github.com/cjeanneret/coilstep/internal/debug"
	"go.uber.org/multierr"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphDriver drives pins through periph.io. Pin numbers are looked up in
// the periph registry by their number, e.g. 17 resolves "GPIO17".
type PeriphDriver struct {
	pins map[int]pgpio.PinIO
}

// NewPeriphDriver loads the periph host drivers.
func NewPeriphDriver() (*PeriphDriver, error) {
	debug.Info("Initializing periph.io GPIO driver")

	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	for _, drv := range state.Loaded {
		debug.Verbose("periph driver loaded: %s", drv)
	}
	return &PeriphDriver{pins: make(map[int]pgpio.PinIO)}, nil
}

func (p *PeriphDriver) lookup(pin int) (pgpio.PinIO, error) {
	if io, ok := p.pins[pin]; ok {
		return io, nil
	}
	io := gpioreg.ByName(strconv.Itoa(pin))
	if io == nil {
		return nil, fmt.Errorf("periph: no pin %d", pin)
	}
	p.pins[pin] = io
	return io, nil
}

func (p *PeriphDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	io, err := p.lookup(pin)
	if err != nil {
		return err
	}
	switch mode {
	case Input:
		return io.In(pgpio.PullNoChange, pgpio.NoEdge)
	case Output:
		return io.Out(pgpio.Low)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
}

func (p *PeriphDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	io, ok := p.pins[pin]
	if !ok {
		return fmt.Errorf("pin %d not set up", pin)
	}
	return io.Out(pgpio.Level(level))
}

// Close halts every pin that was used.
func (p *PeriphDriver) Close() error {
	debug.Trace("GPIO Close (periph)")

	var err error
	for pin, io := range p.pins {
		err = multierr.Append(err, io.Halt())
		delete(p.pins, pin)
	}
	return err
}
