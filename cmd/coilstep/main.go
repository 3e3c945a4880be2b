package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"go.uber.org/multierr"

	"github.com/cjeanneret/coilstep/internal/config"
	"github.com/cjeanneret/coilstep/internal/debug"
	"github.com/cjeanneret/coilstep/internal/hw/clock"
	"github.com/cjeanneret/coilstep/internal/hw/gpio"
	"github.com/cjeanneret/coilstep/internal/hw/stepper"
	"github.com/cjeanneret/coilstep/internal/logic/motion"
	"github.com/cjeanneret/coilstep/internal/logic/program"
	"github.com/cjeanneret/coilstep/internal/web"
)

// overrides holds CLI values that take precedence over the config file.
// Steps and Degrees request a one-shot rotation instead of the program.
type overrides struct {
	RPM     int
	Driver  string
	Steps   *int
	Degrees *float64
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	rpm := flag.Int("rpm", 0, "override motor speed in rpm")
	driver := flag.String("driver", "", "override GPIO driver (mock, rpio, gpiocdev, periph, firmata)")
	steps := flag.Int("steps", 0, "rotate by this many steps and exit (negative = backward)")
	degrees := flag.Float64("degrees", 0, "rotate by this angle and exit (negative = backward)")
	flag.Parse()

	o := overrides{RPM: *rpm, Driver: *driver}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "steps":
			o.Steps = steps
		case "degrees":
			o.Degrees = degrees
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := validateCLIOverrides(o, webPort.port()); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, o)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	ctrl, gpioDriver, err := buildController(cfg)
	if err != nil {
		log.Fatalf("init motor failed: %v", err)
	}

	err = execute(ctx, cfg, ctrl, webPort.port(), o)
	if errors.Is(err, context.Canceled) {
		debug.Info("Interrupted")
		err = nil
	}

	debug.Section("Shutdown")
	if cerr := multierr.Combine(ctrl.Close(), gpioDriver.Close()); cerr != nil {
		cerr = fmt.Errorf("shutdown: %w", cerr)
		debug.Error(cerr)
		err = multierr.Append(err, cerr)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

// buildController opens the GPIO driver and wires the motor to it. The
// returned driver must be closed after the controller.
func buildController(cfg *config.Config) (*motion.Controller, gpio.Driver, error) {
	debug.Step(1, "Initializing GPIO driver")
	debug.Value("GPIO driver", cfg.GPIO.Driver)
	gpioDriver, err := gpio.NewDriver(gpio.Options{
		Driver:     cfg.GPIO.Driver,
		Chip:       cfg.GPIO.Chip,
		SerialPort: cfg.GPIO.SerialPort,
		Baud:       cfg.GPIO.Baud,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init GPIO: %w", err)
	}

	debug.Step(2, "Initializing stepper motor")
	delayer, err := clock.New(cfg.Defaults.Delay)
	if err != nil {
		gpioDriver.Close()
		return nil, nil, err
	}
	mode, err := stepper.ParseMode(cfg.Motor.Mode)
	if err != nil {
		gpioDriver.Close()
		return nil, nil, err
	}
	motor, err := stepper.New(gpioDriver, delayer, stepper.Config{
		Pins: stepper.Pins{
			Coil1A: cfg.Motor.Pins.Coil1A,
			Coil1B: cfg.Motor.Pins.Coil1B,
			Coil2A: cfg.Motor.Pins.Coil2A,
			Coil2B: cfg.Motor.Pins.Coil2B,
		},
		StepsPerRev: cfg.Motor.StepsPerRev,
		Mode:        mode,
	})
	if err != nil {
		gpioDriver.Close()
		return nil, nil, fmt.Errorf("init stepper: %w", err)
	}
	debug.PrintStruct("Motor config", cfg.Motor)

	ctrl := motion.NewController(motor)
	if err := ctrl.SetSpeedRPM(cfg.Motor.RPM); err != nil {
		return nil, nil, multierr.Append(err, multierr.Combine(ctrl.Close(), gpioDriver.Close()))
	}
	return ctrl, gpioDriver, nil
}

// execute runs the web server, a one-shot rotation or the configured program.
func execute(ctx context.Context, cfg *config.Config, ctrl *motion.Controller, port int, o overrides) error {
	prog, err := program.FromConfig(cfg.Program)
	if err != nil {
		return fmt.Errorf("build program: %w", err)
	}
	runner := program.NewRunner(ctrl)
	runProgram := func(ctx context.Context) error {
		return runner.Run(ctx, prog)
	}

	if port > 0 {
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		info := web.MotorInfo{
			Pins: [4]int{
				cfg.Motor.Pins.Coil1A,
				cfg.Motor.Pins.Coil1B,
				cfg.Motor.Pins.Coil2A,
				cfg.Motor.Pins.Coil2B,
			},
			StepsPerRev: cfg.Motor.StepsPerRev,
			Mode:        cfg.Motor.Mode,
			RPM:         cfg.Motor.RPM,
			Driver:      cfg.GPIO.Driver,
		}
		srv := web.NewServer(fmt.Sprintf(":%d", port), broadcaster, ctrl, runProgram, info)
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("web server: %w", err)
		}
		return nil
	}

	switch {
	case o.Steps != nil:
		debug.Section("Rotating")
		return ctrl.RotateSteps(ctx, *o.Steps)
	case o.Degrees != nil:
		debug.Section("Rotating")
		return ctrl.RotateDegrees(ctx, *o.Degrees)
	default:
		if err := runProgram(ctx); err != nil {
			return err
		}
		debug.Section("Program Complete")
		return nil
	}
}

// validateCLIOverrides checks the CLI values that the config validation
// cannot see. Zero rpm and an empty driver mean "use config".
func validateCLIOverrides(o overrides, webPort int) error {
	if o.RPM < 0 {
		return fmt.Errorf("rpm must be > 0, got %d", o.RPM)
	}
	if webPort > 0 && (o.Steps != nil || o.Degrees != nil) {
		return errors.New("-steps and -degrees cannot be combined with -web")
	}
	if o.Steps != nil && o.Degrees != nil {
		return errors.New("-steps and -degrees are mutually exclusive")
	}
	if o.Degrees != nil && (math.IsNaN(*o.Degrees) || math.IsInf(*o.Degrees, 0)) {
		return fmt.Errorf("degrees must be finite, got %g", *o.Degrees)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero values are applied.
func applyOverrides(cfg *config.Config, o overrides) {
	if o.RPM > 0 {
		cfg.Motor.RPM = o.RPM
	}
	if o.Driver != "" {
		cfg.GPIO.Driver = o.Driver
		cfg.ApplyDefaults()
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
