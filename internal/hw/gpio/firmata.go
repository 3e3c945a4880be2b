package gpio

import (
	"fmt"

	"github.com/cjeanneret/coilstep/internal/debug"
	"github.com/kraman/go-firmata"
)

const defaultFirmataBaud = 57600

// FirmataDriver drives the digital pins of a microcontroller board running
// StandardFirmata, connected over a serial port.
type FirmataDriver struct {
	client *firmata.FirmataClient
}

// NewFirmataDriver connects to the board on port.
func NewFirmataDriver(port string, baud int) (*FirmataDriver, error) {
	if port == "" {
		return nil, fmt.Errorf("firmata: serial port is required")
	}
	if baud <= 0 {
		baud = defaultFirmataBaud
	}
	debug.Info("Connecting to Firmata board on %s (%d baud)", port, baud)

	c, err := firmata.NewClient(port, baud)
	if err != nil {
		return nil, fmt.Errorf("firmata connect %s: %w", port, err)
	}
	return &FirmataDriver{client: c}, nil
}

func firmataPin(pin int) (uint8, error) {
	if pin < 0 || pin > 127 {
		return 0, fmt.Errorf("firmata: pin %d out of range", pin)
	}
	return uint8(pin), nil
}

func (f *FirmataDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)

	p, err := firmataPin(pin)
	if err != nil {
		return err
	}
	switch mode {
	case Input:
		return f.client.SetPinMode(p, firmata.Input)
	case Output:
		return f.client.SetPinMode(p, firmata.Output)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
}

func (f *FirmataDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, err := firmataPin(pin)
	if err != nil {
		return err
	}
	return f.client.DigitalWrite(p, bool(level))
}

func (f *FirmataDriver) Close() error {
	debug.Trace("GPIO Close (firmata)")
	f.client.Close()
	return nil
}
