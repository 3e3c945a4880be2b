// Package clock provides the delay primitive used between motor steps.
package clock

import (
	"fmt"
	"strings"
	"time"
)

// Delayer blocks the calling goroutine for at least d.
type Delayer interface {
	Delay(d time.Duration)
}

// Spin busy-waits: it never sleeps or yields, so step timing does not depend
// on scheduler wake-up latency. It keeps one core busy while waiting.
type Spin struct{}

func (Spin) Delay(d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}

// Sleep parks the goroutine with time.Sleep.
type Sleep struct{}

func (Sleep) Delay(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// Delayer names accepted by New.
const (
	KindSpin  = "spin"
	KindSleep = "sleep"
)

// New returns the delayer called kind; empty selects Spin.
func New(kind string) (Delayer, error) {
	switch strings.ToLower(kind) {
	case "", KindSpin:
		return Spin{}, nil
	case KindSleep:
		return Sleep{}, nil
	default:
		return nil, fmt.Errorf("unknown delay kind %q", kind)
	}
}
