package gpio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/cjeanneret/coilstep/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver defines the abstract interface for controlling GPIOs.
// This allows plugging in a real board implementation
// or a mock for development on PC.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	Close() error
}

// Driver names accepted by NewDriver.
const (
	DriverMock     = "mock"
	DriverRPi      = "rpio"
	DriverGPIOCdev = "gpiocdev"
	DriverPeriph   = "periph"
	DriverFirmata  = "firmata"
)

// Options selects and parameterizes a GPIO backend.
type Options struct {
	Driver     string // one of the Driver* names; empty means mock
	Chip       string // gpiocdev: character device, e.g. "gpiochip0"
	SerialPort string // firmata: serial device, e.g. "/dev/ttyACM0"
	Baud       int    // firmata: serial baud rate
}

// NewDriver creates a GPIO driver based on the chosen backend.
func NewDriver(opts Options) (Driver, error) {
	switch strings.ToLower(opts.Driver) {
	case "", DriverMock:
		debug.Info("Using MOCK GPIO driver (development mode)")
		return NewMockDriver(), nil
	case DriverRPi:
		return NewRPiRealDriver()
	case DriverGPIOCdev:
		return NewCdevDriver(opts.Chip)
	case DriverPeriph:
		return NewPeriphDriver()
	case DriverFirmata:
		return NewFirmataDriver(opts.SerialPort, opts.Baud)
	default:
		return nil, fmt.Errorf("unknown gpio driver %q", opts.Driver)
	}
}

// MockDriver is a test implementation that logs actions and remembers
// the last level written to each pin.
// Used for development on PC or testing.
type MockDriver struct {
	mu     sync.Mutex
	levels map[int]Level
}

// NewMockDriver returns a MockDriver with all pins low.
func NewMockDriver() *MockDriver {
	return &MockDriver{levels: make(map[int]Level)}
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		m.levels = make(map[int]Level)
	}
	m.levels[pin] = level
	return nil
}

// Snapshot returns the current levels of the given pins as a Mask.
func (m *MockDriver) Snapshot(mask Mask) Mask {
	m.mu.Lock()
	defer m.mu.Unlock()
	var v Mask
	for _, pin := range mask.Pins() {
		if m.levels[pin] == High {
			v |= Bit(pin)
		}
	}
	return v
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
