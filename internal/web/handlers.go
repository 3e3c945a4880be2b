package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/coilstep/internal/debug"
	"github.com/cjeanneret/coilstep/internal/hw/stepper"
	"github.com/cjeanneret/coilstep/internal/logic/motion"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Motion is the part of the motion controller the handlers drive.
type Motion interface {
	RotateSteps(ctx context.Context, steps int) error
	RotateDegrees(ctx context.Context, degrees float64) error
	SetSpeedRPM(rpm int) error
	Release() error
	State() motion.State
}

// RunProgramFunc runs the configured motion program.
// It is called from the POST /run handler in a goroutine.
type RunProgramFunc func(ctx context.Context) error

// RotateRequest is the body of POST /rotate. Exactly one of Steps and
// Degrees is set; RPM optionally changes the speed first.
type RotateRequest struct {
	Steps   *int     `json:"steps,omitempty"`
	Degrees *float64 `json:"degrees,omitempty"`
	RPM     *int     `json:"rpm,omitempty"`
}

// MotorInfo describes the wired motor for GET /config.
type MotorInfo struct {
	Pins        [4]int `json:"pins"` // 1A, 1B, 2A, 2B
	StepsPerRev int    `json:"steps_per_rev"`
	Mode        string `json:"mode"`
	RPM         int    `json:"rpm"`
	Driver      string `json:"driver"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster *StatusBroadcaster
	Motion      Motion
	RunProgram  RunProgramFunc
	Motor       MotorInfo

	runningMu sync.Mutex
	running   bool
	closed    bool
	cancel    context.CancelFunc
	jobs      sync.WaitGroup

	// every job context derives from base; Shutdown cancels it
	base       context.Context
	cancelBase context.CancelFunc

	staticFS fs.FS
}

// NewHandlers creates handlers with the given dependencies.
// If runProgram is nil, POST /run will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, m Motion, runProgram RunProgramFunc, info MotorInfo, staticFS fs.FS) *Handlers {
	base, cancelBase := context.WithCancel(context.Background())
	return &Handlers{
		Broadcaster: broadcaster,
		Motion:      m,
		RunProgram:  runProgram,
		Motor:       info,
		staticFS:    staticFS,
		base:        base,
		cancelBase:  cancelBase,
	}
}

// ValidateRotateRequest checks a rotation request against the motor geometry.
func ValidateRotateRequest(req RotateRequest, stepsPerRev int) error {
	switch {
	case req.Steps == nil && req.Degrees == nil:
		return errors.New("one of steps or degrees is required")
	case req.Steps != nil && req.Degrees != nil:
		return errors.New("steps and degrees are mutually exclusive")
	}
	if req.Degrees != nil && (math.IsNaN(*req.Degrees) || math.IsInf(*req.Degrees, 0)) {
		return fmt.Errorf("degrees must be finite, got %g", *req.Degrees)
	}
	if req.RPM != nil {
		if _, err := stepper.StepDelayFor(stepsPerRev, *req.RPM); err != nil {
			return err
		}
	}
	return nil
}

// HandleConfig returns the motor configuration as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Motor)
}

// HandleState returns a snapshot of the motor state, also during a rotation.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Motion.State())
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleRotate handles POST /rotate to start a rotation in the background.
func (h *Handlers) HandleRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req RotateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateRotateRequest(req, h.Motion.State().StepsPerRev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := func(ctx context.Context) error {
		if req.RPM != nil {
			if err := h.Motion.SetSpeedRPM(*req.RPM); err != nil {
				return err
			}
		}
		if req.Degrees != nil {
			return h.Motion.RotateDegrees(ctx, *req.Degrees)
		}
		return h.Motion.RotateSteps(ctx, *req.Steps)
	}
	h.start(w, "Rotation", job)
}

// HandleRun handles POST /run to start the configured program.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.RunProgram == nil {
		http.Error(w, "program not configured", http.StatusServiceUnavailable)
		return
	}
	h.start(w, "Program", h.RunProgram)
}

// HandleStop cancels the running job. The motor stops between two steps.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if h.stop() {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

// HandleRelease de-energizes the coils. Refused while a job runs.
func (h *Handlers) HandleRelease(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	if h.running {
		http.Error(w, "motor busy", http.StatusConflict)
		return
	}
	if err := h.Motion.Release(); err != nil {
		debug.Error(fmt.Errorf("release failed: %w", err))
		http.Error(w, "release failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.Broadcaster.Broadcast("info", "Coils released")
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

// start runs job in a goroutine unless another one is in progress.
func (h *Handlers) start(w http.ResponseWriter, name string, job func(ctx context.Context) error) {
	h.runningMu.Lock()
	if h.closed {
		h.runningMu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "motor busy", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(h.base)
	h.running = true
	h.cancel = cancel
	h.jobs.Add(1)
	h.runningMu.Unlock()

	go func() {
		defer h.jobs.Done()
		defer func() {
			cancel()
			h.runningMu.Lock()
			h.running = false
			h.cancel = nil
			h.runningMu.Unlock()
		}()

		err := job(ctx)
		pos := h.Motion.State().Position
		switch {
		case errors.Is(err, context.Canceled):
			h.Broadcaster.BroadcastPosition("warn", fmt.Sprintf("%s stopped at position %d", name, pos), pos)
		case err != nil:
			debug.Error(fmt.Errorf("%s failed: %w", name, err))
			h.Broadcaster.BroadcastPosition("error", name+" failed: "+err.Error(), pos)
		default:
			h.Broadcaster.BroadcastPosition("info", fmt.Sprintf("%s complete, position %d", name, pos), pos)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// stop cancels the running job, reporting whether there was one.
func (h *Handlers) stop() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	if h.cancel == nil {
		return false
	}
	h.cancel()
	return true
}

// Wait blocks until no background job is left.
func (h *Handlers) Wait() {
	h.jobs.Wait()
}

// Shutdown refuses new jobs with 503, cancels the running one and waits
// for it to return.
func (h *Handlers) Shutdown() {
	h.runningMu.Lock()
	h.closed = true
	h.runningMu.Unlock()
	h.cancelBase()
	h.jobs.Wait()
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
