package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PinsConfig maps the four coil terminals to GPIO lines.
type PinsConfig struct {
	Coil1A int `yaml:"coil_1a"` // coil A, first coil pair
	Coil1B int `yaml:"coil_1b"` // coil B, first coil pair
	Coil2A int `yaml:"coil_2a"` // coil A, second coil pair
	Coil2B int `yaml:"coil_2b"` // coil B, second coil pair
}

// MotorConfig holds the configuration for the 4-wire stepper motor.
type MotorConfig struct {
	Pins        PinsConfig `yaml:"pins"`
	StepsPerRev int        `yaml:"steps_per_rev"`
	Mode        string     `yaml:"mode"` // "single" or "power"
	RPM         int        `yaml:"rpm"`  // initial speed
}

// GPIOConfig selects the GPIO backend.
type GPIOConfig struct {
	Driver     string `yaml:"driver"`      // mock, rpio, gpiocdev, periph, firmata
	Chip       string `yaml:"chip"`        // gpiocdev only
	SerialPort string `yaml:"serial_port"` // firmata only
	Baud       int    `yaml:"baud"`        // firmata only
}

// MoveConfig is one entry of the motion program. Exactly one action is set.
type MoveConfig struct {
	Degrees *float64 `yaml:"degrees,omitempty"` // rotate by angle
	Steps   *int     `yaml:"steps,omitempty"`   // rotate by steps
	RPM     int      `yaml:"rpm,omitempty"`     // change speed
	PauseMs int      `yaml:"pause_ms,omitempty"`
	Release bool     `yaml:"release,omitempty"` // de-energize coils
}

// ProgramConfig is the sequence of moves run by the CLI and POST /run.
type ProgramConfig struct {
	Repeat int          `yaml:"repeat"` // 0 = loop until interrupted
	Moves  []MoveConfig `yaml:"moves"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	Delay      string `yaml:"delay"`       // "spin" (busy-wait) or "sleep"
	DebugLevel int    `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Config aggregates all application configuration.
type Config struct {
	Motor    MotorConfig    `yaml:"motor"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	Program  ProgramConfig  `yaml:"program"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Known names, kept in sync with the gpio and clock packages.
var (
	gpioDrivers = []string{"mock", "rpio", "gpiocdev", "periph", "firmata"}
	delayKinds  = []string{"spin", "sleep"}
	modes       = []string{"single", "power"}
)

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset values and normalizes names to lower case.
func (c *Config) ApplyDefaults() {
	c.Motor.Mode = strings.ToLower(c.Motor.Mode)
	c.GPIO.Driver = strings.ToLower(c.GPIO.Driver)
	c.Defaults.Delay = strings.ToLower(c.Defaults.Delay)

	if c.Motor.Mode == "" {
		c.Motor.Mode = "single"
	}
	if c.Motor.RPM == 0 {
		c.Motor.RPM = 20 // reasonable default
	}
	if c.GPIO.Driver == "" {
		c.GPIO.Driver = "mock"
	}
	if c.GPIO.Driver == "firmata" && c.GPIO.Baud == 0 {
		c.GPIO.Baud = 57600
	}
	if c.Defaults.Delay == "" {
		c.Defaults.Delay = "spin"
	}
}

// Validate checks every section and reports the first offending key.
func (c *Config) Validate() error {
	if c.Motor.StepsPerRev <= 0 {
		return fmt.Errorf("motor.steps_per_rev must be > 0, got %d", c.Motor.StepsPerRev)
	}
	if c.Motor.RPM < 0 {
		return fmt.Errorf("motor.rpm must be > 0, got %d", c.Motor.RPM)
	}
	if !oneOf(c.Motor.Mode, modes) {
		return fmt.Errorf("motor.mode must be one of %v, got %q", modes, c.Motor.Mode)
	}
	if err := c.Motor.Pins.validate(); err != nil {
		return err
	}
	if !oneOf(c.GPIO.Driver, gpioDrivers) {
		return fmt.Errorf("gpio.driver must be one of %v, got %q", gpioDrivers, c.GPIO.Driver)
	}
	if c.GPIO.Driver == "firmata" && c.GPIO.SerialPort == "" {
		return fmt.Errorf("gpio.serial_port is required for the firmata driver")
	}
	if !oneOf(c.Defaults.Delay, delayKinds) {
		return fmt.Errorf("defaults.delay must be one of %v, got %q", delayKinds, c.Defaults.Delay)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	if c.Program.Repeat < 0 {
		return fmt.Errorf("program.repeat must be >= 0, got %d", c.Program.Repeat)
	}
	for i, m := range c.Program.Moves {
		if err := m.validate(); err != nil {
			return fmt.Errorf("program.moves[%d]: %w", i, err)
		}
	}
	return nil
}

func (p PinsConfig) validate() error {
	pins := map[string]int{
		"coil_1a": p.Coil1A,
		"coil_1b": p.Coil1B,
		"coil_2a": p.Coil2A,
		"coil_2b": p.Coil2B,
	}
	seen := make(map[int]string, len(pins))
	for _, name := range []string{"coil_1a", "coil_1b", "coil_2a", "coil_2b"} {
		pin := pins[name]
		if pin < 0 || pin > 31 {
			return fmt.Errorf("motor.pins.%s must be between 0 and 31, got %d", name, pin)
		}
		if other, dup := seen[pin]; dup {
			return fmt.Errorf("motor.pins.%s reuses pin %d of motor.pins.%s", name, pin, other)
		}
		seen[pin] = name
	}
	return nil
}

func (m MoveConfig) validate() error {
	actions := 0
	if m.Degrees != nil {
		actions++
	}
	if m.Steps != nil {
		actions++
	}
	if m.RPM != 0 {
		actions++
		if m.RPM < 0 {
			return fmt.Errorf("rpm must be > 0, got %d", m.RPM)
		}
	}
	if m.PauseMs != 0 {
		actions++
		if m.PauseMs < 0 {
			return fmt.Errorf("pause_ms must be > 0, got %d", m.PauseMs)
		}
	}
	if m.Release {
		actions++
	}
	if actions != 1 {
		return fmt.Errorf("exactly one of degrees, steps, rpm, pause_ms, release must be set, got %d", actions)
	}
	return nil
}

// Pause returns the pause duration of the move.
func (m MoveConfig) Pause() time.Duration {
	return time.Duration(m.PauseMs) * time.Millisecond
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
