package stepper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cjeanneret/coilstep/internal/debug"
	"github.com/cjeanneret/coilstep/internal/hw/clock"
	"github.com/cjeanneret/coilstep/internal/hw/gpio"
	"go.uber.org/multierr"
)

// microsPerMinute is used to turn a speed in rpm into a per-step delay.
const microsPerMinute = 60_000_000

var (
	ErrInvalidConfig = errors.New("stepper: invalid configuration")
	ErrInvalidSpeed  = errors.New("stepper: invalid speed")
	ErrSpeedNotSet   = errors.New("stepper: speed not set")
	ErrInvalidAngle  = errors.New("stepper: invalid angle")
)

// Direction of a single step.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// Pins maps the four coil terminals to GPIO lines.
type Pins struct {
	Coil1A int // coil A, first coil pair
	Coil1B int // coil B, first coil pair
	Coil2A int // coil A, second coil pair
	Coil2B int // coil B, second coil pair
}

func (p Pins) list() []int {
	return []int{p.Coil1A, p.Coil1B, p.Coil2A, p.Coil2B}
}

// Config holds the hardware configuration for a 4-wire stepper motor.
type Config struct {
	Pins        Pins
	StepsPerRev int
	Mode        Mode
}

// Validate checks the configuration without touching any hardware.
func (c Config) Validate() error {
	if c.StepsPerRev <= 0 {
		return fmt.Errorf("%w: steps per revolution must be > 0, got %d", ErrInvalidConfig, c.StepsPerRev)
	}
	seen := make(map[int]bool, 4)
	for _, pin := range c.Pins.list() {
		if pin < 0 || pin > gpio.MaxPin {
			return fmt.Errorf("%w: pin %d out of range 0-%d", ErrInvalidConfig, pin, gpio.MaxPin)
		}
		if seen[pin] {
			return fmt.Errorf("%w: pin %d used twice", ErrInvalidConfig, pin)
		}
		seen[pin] = true
	}
	if c.Mode != Single && c.Mode != Power {
		return fmt.Errorf("%w: unknown stepping mode %d", ErrInvalidConfig, int(c.Mode))
	}
	return nil
}

// Stepper drives a 4-wire (unipolar or bipolar) stepper motor through four
// GPIO lines. It is not safe for concurrent use.
type Stepper struct {
	out   gpio.OutputGroup
	delay clock.Delayer

	mode        Mode
	sequence    [4]gpio.Mask
	stepsPerRev int
	stepAngle   float64

	position        int
	stepDelayMicros uint64
	rpm             int

	onStep func(position int)
}

// New reserves the four pins as outputs, builds the firing sequence for
// cfg.Mode and holds the motor at position 0.
// The speed is unset until SetSpeedRPM is called.
func New(g gpio.Driver, d clock.Delayer, cfg Config) (*Stepper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seq, err := buildSequence(cfg.Mode, cfg.Pins)
	if err != nil {
		return nil, err
	}
	mask, err := gpio.MaskOf(cfg.Pins.list()...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	out, err := gpio.ReserveOutputs(g, mask)
	if err != nil {
		return nil, fmt.Errorf("reserve stepper pins: %w", err)
	}
	if d == nil {
		d = clock.Spin{}
	}

	s := &Stepper{
		out:         out,
		delay:       d,
		mode:        cfg.Mode,
		sequence:    seq,
		stepsPerRev: cfg.StepsPerRev,
		stepAngle:   360.0 / float64(cfg.StepsPerRev),
	}
	debug.Verbose("Stepper: %s mode on pins %+v, sequence %#x, step angle %.4f°",
		s.mode, cfg.Pins, s.sequence, s.stepAngle)

	if err := s.out.Write(s.sequence[0]); err != nil {
		_ = s.out.Close()
		return nil, fmt.Errorf("energize phase 0: %w", err)
	}
	return s, nil
}

// StepDelayFor returns the delay in microseconds between steps needed to turn
// rpm revolutions per minute with stepsPerRev steps per revolution.
// The division truncates.
func StepDelayFor(stepsPerRev, rpm int) (uint64, error) {
	if rpm <= 0 {
		return 0, fmt.Errorf("%w: rpm must be > 0, got %d", ErrInvalidSpeed, rpm)
	}
	if stepsPerRev <= 0 {
		return 0, fmt.Errorf("%w: steps per revolution must be > 0, got %d", ErrInvalidConfig, stepsPerRev)
	}
	// Above this the delay truncates to 0, and the product below could overflow.
	if rpm > microsPerMinute/stepsPerRev {
		return 0, fmt.Errorf("%w: %d rpm is too fast for %d steps/rev", ErrInvalidSpeed, rpm, stepsPerRev)
	}
	return uint64(microsPerMinute) / (uint64(stepsPerRev) * uint64(rpm)), nil
}

// SetSpeedRPM sets the rotation speed. It takes effect on the next step.
func (s *Stepper) SetSpeedRPM(rpm int) error {
	us, err := StepDelayFor(s.stepsPerRev, rpm)
	if err != nil {
		return err
	}
	s.stepDelayMicros = us
	s.rpm = rpm
	debug.Verbose("Stepper: speed %d rpm, step delay %dµs", rpm, us)
	return nil
}

// StepOnce moves one step in dir and energizes the matching phase.
// No delay is applied.
func (s *Stepper) StepOnce(dir Direction) error {
	s.position += int(dir)
	if s.position >= s.stepsPerRev {
		s.position = 0
	} else if s.position < 0 {
		s.position = s.stepsPerRev - 1
	}
	if err := s.out.Write(s.sequence[s.position%4]); err != nil {
		return fmt.Errorf("step %s: %w", dir, err)
	}
	if s.onStep != nil {
		s.onStep(s.position)
	}
	return nil
}

// Release de-energizes all coils. The position counter is kept, although
// the unpowered shaft may drift.
func (s *Stepper) Release() error {
	debug.Live("Stepper: releasing coils at position %d", s.position)
	if err := s.out.Write(0); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// RotateSteps turns the motor by steps, blocking until done. The sign gives
// the direction. Zero steps is a no-op.
func (s *Stepper) RotateSteps(steps int) error {
	return s.RotateStepsContext(context.Background(), steps)
}

// RotateStepsContext is RotateSteps with interruption: ctx is checked before
// every step and a cancelled ctx stops the rotation where it is.
func (s *Stepper) RotateStepsContext(ctx context.Context, steps int) error {
	if steps == 0 {
		return nil
	}
	if s.stepDelayMicros == 0 {
		return ErrSpeedNotSet
	}

	dir := Backward
	if steps > 0 {
		dir = Forward
	}
	total := steps * int(dir)
	delay := s.StepDelay()

	remaining := steps
	for {
		if err := ctx.Err(); err != nil {
			debug.Live("Stepper: rotation interrupted after %d/%d steps", total-remaining*int(dir), total)
			return err
		}
		if err := s.StepOnce(dir); err != nil {
			return err
		}
		remaining -= int(dir)
		if remaining == 0 {
			break
		}
		s.delay.Delay(delay)
	}

	debug.Move(total, dir.String(), s.position)
	return nil
}

// RotateDegrees turns the motor by degrees. The angle is truncated to whole
// steps, so the error is up to one step angle.
func (s *Stepper) RotateDegrees(degrees float64) error {
	return s.RotateDegreesContext(context.Background(), degrees)
}

// RotateDegreesContext is RotateDegrees with interruption, see RotateStepsContext.
func (s *Stepper) RotateDegreesContext(ctx context.Context, degrees float64) error {
	steps, err := s.StepsForDegrees(degrees)
	if err != nil {
		return err
	}
	debug.Verbose("Stepper: %.3f° -> %d steps", degrees, steps)
	return s.RotateStepsContext(ctx, steps)
}

// StepsForDegrees converts an angle to steps, truncating toward zero.
func (s *Stepper) StepsForDegrees(degrees float64) (int, error) {
	if math.IsNaN(degrees) || math.IsInf(degrees, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAngle, degrees)
	}
	return int(degrees / s.stepAngle), nil
}

// OnStep registers fn to be called with the new position after every step.
func (s *Stepper) OnStep(fn func(position int)) {
	s.onStep = fn
}

// Close releases the coils and gives the pins back to the driver.
func (s *Stepper) Close() error {
	return multierr.Append(s.Release(), s.out.Close())
}

// Position returns the current step index in [0, StepsPerRev).
func (s *Stepper) Position() int { return s.position }

func (s *Stepper) StepsPerRev() int { return s.stepsPerRev }

// StepAngle returns the angle of one step in degrees.
func (s *Stepper) StepAngle() float64 { return s.stepAngle }

func (s *Stepper) Mode() Mode { return s.mode }

// RPM returns the last speed set, 0 if none.
func (s *Stepper) RPM() int { return s.rpm }

func (s *Stepper) StepDelayMicros() uint64 { return s.stepDelayMicros }

func (s *Stepper) StepDelay() time.Duration {
	return time.Duration(s.stepDelayMicros) * time.Microsecond
}

// Sequence returns the four pin masks of the firing sequence.
func (s *Stepper) Sequence() [4]gpio.Mask { return s.sequence }

// Pins returns the mask of the reserved lines.
func (s *Stepper) Pins() gpio.Mask { return s.out.Mask() }
