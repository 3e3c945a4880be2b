package motion

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/coilstep/internal/debug"
	"github.com/cjeanneret/coilstep/internal/hw/stepper"
)

// State is a snapshot of the motor, safe to read while a rotation runs.
type State struct {
	Position    int           `json:"position"`
	StepsPerRev int           `json:"steps_per_rev"`
	StepAngle   float64       `json:"step_angle_deg"`
	StepDelay   time.Duration `json:"step_delay_ns"`
	RPM         int           `json:"rpm"`
	Mode        string        `json:"mode"`
	Busy        bool          `json:"busy"`
	Released    bool          `json:"released"`
}

// Controller owns one stepper motor. It is the layer between business logic
// (programs, web requests) and the driver, and serializes every operation
// so steps from two callers never interleave.
type Controller struct {
	mu    sync.Mutex
	motor *stepper.Stepper

	position atomic.Int64
	busy     atomic.Bool
	released atomic.Bool

	// fixed or slow-changing values, guarded by stateMu
	stateMu sync.RWMutex
	rpm     int
	delay   time.Duration
}

func NewController(m *stepper.Stepper) *Controller {
	c := &Controller{motor: m, rpm: m.RPM(), delay: m.StepDelay()}
	c.position.Store(int64(m.Position()))
	m.OnStep(func(p int) {
		c.position.Store(int64(p))
	})
	return c
}

func (c *Controller) begin() {
	c.mu.Lock()
	c.busy.Store(true)
}

func (c *Controller) end() {
	c.busy.Store(false)
	c.mu.Unlock()
}

// RotateSteps turns the motor, blocking until done or ctx is cancelled.
func (c *Controller) RotateSteps(ctx context.Context, steps int) error {
	c.begin()
	defer c.end()
	if steps != 0 {
		c.released.Store(false)
	}
	return c.motor.RotateStepsContext(ctx, steps)
}

// RotateDegrees turns the motor by an angle, truncated to whole steps.
func (c *Controller) RotateDegrees(ctx context.Context, degrees float64) error {
	c.begin()
	defer c.end()
	steps, err := c.motor.StepsForDegrees(degrees)
	if err != nil {
		return err
	}
	if steps != 0 {
		c.released.Store(false)
	}
	debug.Verbose("Motion: %.3f° -> %d steps", degrees, steps)
	return c.motor.RotateStepsContext(ctx, steps)
}

func (c *Controller) SetSpeedRPM(rpm int) error {
	c.begin()
	defer c.end()
	if err := c.motor.SetSpeedRPM(rpm); err != nil {
		return err
	}
	c.stateMu.Lock()
	c.rpm = rpm
	c.delay = c.motor.StepDelay()
	c.stateMu.Unlock()
	debug.Live("Motion: speed set to %d rpm", rpm)
	return nil
}

// Release de-energizes the coils.
func (c *Controller) Release() error {
	c.begin()
	defer c.end()
	if err := c.motor.Release(); err != nil {
		return err
	}
	c.released.Store(true)
	return nil
}

// Busy reports whether an operation is in progress.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// State returns a snapshot without waiting for a running rotation.
func (c *Controller) State() State {
	c.stateMu.RLock()
	rpm, delay := c.rpm, c.delay
	c.stateMu.RUnlock()
	return State{
		Position:    int(c.position.Load()),
		StepsPerRev: c.motor.StepsPerRev(),
		StepAngle:   c.motor.StepAngle(),
		StepDelay:   delay,
		RPM:         rpm,
		Mode:        c.motor.Mode().String(),
		Busy:        c.busy.Load(),
		Released:    c.released.Load(),
	}
}

// Close waits for the running operation, then releases the coils and the pins.
func (c *Controller) Close() error {
	c.begin()
	defer c.end()
	c.released.Store(true)
	return c.motor.Close()
}
