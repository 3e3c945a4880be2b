package program

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/coilstep/internal/debug"
)

// Motor is the part of the motion controller a program needs.
type Motor interface {
	RotateSteps(ctx context.Context, steps int) error
	RotateDegrees(ctx context.Context, degrees float64) error
	SetSpeedRPM(rpm int) error
	Release() error
}

// Runner executes programs on one motor.
type Runner struct {
	motor Motor
}

func NewRunner(m Motor) *Runner {
	return &Runner{motor: m}
}

// Run executes p, checking ctx between moves. A cancelled ctx also cuts
// short the running rotation or pause.
func (r *Runner) Run(ctx context.Context, p Program) error {
	if len(p.Moves) == 0 {
		return nil
	}
	debug.Section("Running program")
	debug.Info("Program: %d moves, repeat %d", len(p.Moves), p.Repeat)

	for pass := 1; p.Repeat == 0 || pass <= p.Repeat; pass++ {
		debug.Live("Pass %d", pass)
		for i, m := range p.Moves {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			debug.Verbose("  Move %d/%d: %s", i+1, len(p.Moves), m)
			if err := r.runMove(ctx, m); err != nil {
				return fmt.Errorf("pass %d, move %d (%s): %w", pass, i+1, m, err)
			}
		}
	}
	return nil
}

func (r *Runner) runMove(ctx context.Context, m Move) error {
	switch m.Action {
	case RotateDegrees:
		return r.motor.RotateDegrees(ctx, m.Degrees)
	case RotateSteps:
		return r.motor.RotateSteps(ctx, m.Steps)
	case SetSpeed:
		return r.motor.SetSpeedRPM(m.RPM)
	case Release:
		return r.motor.Release()
	case Pause:
		t := time.NewTimer(m.Pause)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("unknown action %d", int(m.Action))
	}
}
