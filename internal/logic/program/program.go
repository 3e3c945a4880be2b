package program

import (
	"fmt"
	"time"

	"github.com/cjeanneret/coilstep/internal/config"
)

// Action is what a single Move does.
type Action int

const (
	RotateDegrees Action = iota
	RotateSteps
	SetSpeed
	Pause
	Release
)

func (a Action) String() string {
	switch a {
	case RotateDegrees:
		return "rotate-degrees"
	case RotateSteps:
		return "rotate-steps"
	case SetSpeed:
		return "set-speed"
	case Pause:
		return "pause"
	case Release:
		return "release"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Move is one instruction of a program.
type Move struct {
	Action  Action
	Degrees float64
	Steps   int
	RPM     int
	Pause   time.Duration
}

func (m Move) String() string {
	switch m.Action {
	case RotateDegrees:
		return fmt.Sprintf("rotate %g°", m.Degrees)
	case RotateSteps:
		return fmt.Sprintf("rotate %d steps", m.Steps)
	case SetSpeed:
		return fmt.Sprintf("speed %d rpm", m.RPM)
	case Pause:
		return fmt.Sprintf("pause %v", m.Pause)
	default:
		return m.Action.String()
	}
}

// Program is a list of moves, run Repeat times (0 = until cancelled).
type Program struct {
	Moves  []Move
	Repeat int
}

// Default is the demonstration loop: three quarters of a turn, back 45 steps,
// a full turn faster, then the coils are released for a while.
func Default() Program {
	return Program{Moves: []Move{
		{Action: RotateDegrees, Degrees: 270},
		{Action: Pause, Pause: 500 * time.Millisecond},
		{Action: RotateSteps, Steps: -45},
		{Action: Pause, Pause: 500 * time.Millisecond},
		{Action: SetSpeed, RPM: 50},
		{Action: RotateDegrees, Degrees: 360},
		{Action: Release},
		{Action: Pause, Pause: 4 * time.Second},
		{Action: SetSpeed, RPM: 15},
	}}
}

// FromConfig converts the configured program. An empty move list yields Default.
func FromConfig(pc config.ProgramConfig) (Program, error) {
	if pc.Repeat < 0 {
		return Program{}, fmt.Errorf("program repeat must be >= 0, got %d", pc.Repeat)
	}
	if len(pc.Moves) == 0 {
		p := Default()
		p.Repeat = pc.Repeat
		return p, nil
	}
	p := Program{Repeat: pc.Repeat, Moves: make([]Move, 0, len(pc.Moves))}
	for i, mc := range pc.Moves {
		var m Move
		switch {
		case mc.Degrees != nil:
			m = Move{Action: RotateDegrees, Degrees: *mc.Degrees}
		case mc.Steps != nil:
			m = Move{Action: RotateSteps, Steps: *mc.Steps}
		case mc.RPM > 0:
			m = Move{Action: SetSpeed, RPM: mc.RPM}
		case mc.PauseMs > 0:
			m = Move{Action: Pause, Pause: mc.Pause()}
		case mc.Release:
			m = Move{Action: Release}
		default:
			return Program{}, fmt.Errorf("move %d has no action", i)
		}
		p.Moves = append(p.Moves, m)
	}
	return p, nil
}
