package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/cjeanneret/coilstep/internal/debug"
	"github.com/cjeanneret/coilstep/internal/logic/motion"
)

// fakeMotion records calls. When block is set, rotations wait for it or
// for cancellation.
type fakeMotion struct {
	mu      sync.Mutex
	calls   []string
	state   motion.State
	block   chan struct{}
	started chan struct{}
	err     error
}

func newFakeMotion() *fakeMotion {
	return &fakeMotion{state: motion.State{StepsPerRev: 200, RPM: 20, Mode: "single"}}
}

func (f *fakeMotion) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeMotion) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeMotion) wait(ctx context.Context) error {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block == nil {
		return f.err
	}
	select {
	case <-f.block:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeMotion) RotateSteps(ctx context.Context, steps int) error {
	f.record(fmt.Sprintf("steps %d", steps))
	return f.wait(ctx)
}

func (f *fakeMotion) RotateDegrees(ctx context.Context, degrees float64) error {
	f.record(fmt.Sprintf("degrees %g", degrees))
	return f.wait(ctx)
}

func (f *fakeMotion) SetSpeedRPM(rpm int) error {
	f.record(fmt.Sprintf("rpm %d", rpm))
	return nil
}

func (f *fakeMotion) Release() error {
	f.record("release")
	return nil
}

func (f *fakeMotion) State() motion.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func ptr[T any](v T) *T { return &v }

// ---------- ValidateRotateRequest ----------

func TestValidateRotateRequest(t *testing.T) {
	cases := []struct {
		name    string
		req     RotateRequest
		wantErr bool
	}{
		{"steps", RotateRequest{Steps: ptr(200)}, false},
		{"negative_steps", RotateRequest{Steps: ptr(-45)}, false},
		{"zero_steps", RotateRequest{Steps: ptr(0)}, false},
		{"degrees", RotateRequest{Degrees: ptr(270.0)}, false},
		{"degrees_with_rpm", RotateRequest{Degrees: ptr(-90.0), RPM: ptr(50)}, false},
		{"empty", RotateRequest{}, true},
		{"both", RotateRequest{Steps: ptr(1), Degrees: ptr(1.0)}, true},
		{"degrees_NaN", RotateRequest{Degrees: ptr(math.NaN())}, true},
		{"degrees_Inf", RotateRequest{Degrees: ptr(math.Inf(-1))}, true},
		{"rpm_zero", RotateRequest{Steps: ptr(1), RPM: ptr(0)}, true},
		{"rpm_negative", RotateRequest{Steps: ptr(1), RPM: ptr(-5)}, true},
		{"rpm_too_fast", RotateRequest{Steps: ptr(1), RPM: ptr(400000)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateRotateRequest(tc.req, 200)
			if (err != nil) != tc.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

// ---------- Handler helpers ----------

func newTestHandlers(m Motion, runProgram RunProgramFunc) *Handlers {
	staticFS := fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte("<html>test</html>")},
	}
	return NewHandlers(
		NewStatusBroadcaster(),
		m,
		runProgram,
		MotorInfo{
			Pins:        [4]int{12, 13, 14, 15},
			StepsPerRev: 200,
			Mode:        "single",
			RPM:         20,
			Driver:      "mock",
		},
		staticFS,
	)
}

func post(h http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// ---------- HandleRotate ----------

func TestHandleRotate_Steps(t *testing.T) {
	m := newFakeMotion()
	h := newTestHandlers(m, nil)

	w := post(h.HandleRotate, "/rotate", `{"steps": 10}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "started" {
		t.Errorf("response status = %q, want \"started\"", resp["status"])
	}

	h.Wait()
	if got, want := m.Calls(), []string{"steps 10"}; !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestHandleRotate_DegreesWithRPM(t *testing.T) {
	m := newFakeMotion()
	h := newTestHandlers(m, nil)

	w := post(h.HandleRotate, "/rotate", `{"degrees": -90, "rpm": 30}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	h.Wait()
	if got, want := m.Calls(), []string{"rpm 30", "degrees -90"}; !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestHandleRotate_BadRequests(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"invalid_json", "not json"},
		{"empty_object", "{}"},
		{"both_amounts", `{"steps": 1, "degrees": 1.8}`},
		{"unknown_field", `{"stpes": 10}`},
		{"rpm_too_fast", `{"steps": 10, "rpm": 400000}`},
		{"oversized", `{"steps": 1, "pad": "` + strings.Repeat("x", 2<<20) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newFakeMotion()
			h := newTestHandlers(m, nil)
			w := post(h.HandleRotate, "/rotate", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			h.Wait()
			if calls := m.Calls(); len(calls) != 0 {
				t.Errorf("motor was driven: %v", calls)
			}
		})
	}
}

func TestHandleRotate_GetMethodNotAllowed(t *testing.T) {
	h := newTestHandlers(newFakeMotion(), nil)
	req := httptest.NewRequest(http.MethodGet, "/rotate", nil)
	w := httptest.NewRecorder()

	h.HandleRotate(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleRotate_ConcurrentRejected(t *testing.T) {
	m := newFakeMotion()
	m.block = make(chan struct{})
	m.started = make(chan struct{}, 1)
	h := newTestHandlers(m, nil)

	if w := post(h.HandleRotate, "/rotate", `{"steps": 100}`); w.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	<-m.started

	if w := post(h.HandleRotate, "/rotate", `{"steps": 5}`); w.Code != http.StatusConflict {
		t.Errorf("concurrent rotate: status = %d, want %d", w.Code, http.StatusConflict)
	}
	if w := post(h.HandleRelease, "/release", ""); w.Code != http.StatusConflict {
		t.Errorf("release while busy: status = %d, want %d", w.Code, http.StatusConflict)
	}

	close(m.block)
	h.Wait()

	if w := post(h.HandleRotate, "/rotate", `{"steps": 5}`); w.Code != http.StatusAccepted {
		t.Errorf("after completion: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	h.Wait()
}

func TestHandleRotate_FailureBroadcast(t *testing.T) {
	m := newFakeMotion()
	m.err = errors.New("pins gone")
	h := newTestHandlers(m, nil)
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	post(h.HandleRotate, "/rotate", `{"steps": 3}`)
	h.Wait()

	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Level != "error" || !strings.Contains(evt.Msg, "pins gone") {
			t.Errorf("event = %+v", evt)
		}
		if evt.Position == nil {
			t.Error("failure event should carry the position")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for failure event")
	}
}

// ---------- HandleStop ----------

func TestHandleStop_CancelsRotation(t *testing.T) {
	m := newFakeMotion()
	m.block = make(chan struct{})
	m.started = make(chan struct{}, 1)
	h := newTestHandlers(m, nil)
	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	post(h.HandleRotate, "/rotate", `{"steps": 1000}`)
	<-m.started

	w := post(h.HandleStop, "/stop", "")
	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	h.Wait()

	select {
	case msg := <-ch:
		var evt StatusEvent
		if err := json.Unmarshal([]byte(msg), &evt); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if evt.Level != "warn" || !strings.Contains(evt.Msg, "stopped") {
			t.Errorf("event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stop event")
	}
}

func TestHandleStop_Idle(t *testing.T) {
	h := newTestHandlers(newFakeMotion(), nil)
	w := post(h.HandleStop, "/stop", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "idle") {
		t.Errorf("body = %q, want idle status", w.Body.String())
	}
}

// ---------- HandleRelease ----------

func TestHandleRelease(t *testing.T) {
	m := newFakeMotion()
	h := newTestHandlers(m, nil)

	w := post(h.HandleRelease, "/release", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got, want := m.Calls(), []string{"release"}; !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

// ---------- HandleRun ----------

func TestHandleRun_StartsProgram(t *testing.T) {
	var ran bool
	h := newTestHandlers(newFakeMotion(), func(ctx context.Context) error {
		ran = true
		return nil
	})

	w := post(h.HandleRun, "/run", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	h.Wait()
	if !ran {
		t.Error("program was not run")
	}
}

func TestHandleRun_NilProgram(t *testing.T) {
	h := newTestHandlers(newFakeMotion(), nil)
	w := post(h.HandleRun, "/run", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleRun_ConflictsWithRotation(t *testing.T) {
	m := newFakeMotion()
	m.block = make(chan struct{})
	m.started = make(chan struct{}, 1)
	h := newTestHandlers(m, func(ctx context.Context) error { return nil })

	post(h.HandleRotate, "/rotate", `{"degrees": 360}`)
	<-m.started

	if w := post(h.HandleRun, "/run", ""); w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	close(m.block)
	h.Wait()
}

// ---------- HandleState / HandleConfig ----------

func TestHandleState(t *testing.T) {
	m := newFakeMotion()
	m.state.Position = 105
	m.state.Busy = true
	h := newTestHandlers(m, nil)

	w := httptest.NewRecorder()
	h.HandleState(w, httptest.NewRequest(http.MethodGet, "/state", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var st motion.State
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Position != 105 || !st.Busy || st.StepsPerRev != 200 {
		t.Errorf("state = %+v", st)
	}
}

func TestHandleConfig(t *testing.T) {
	h := newTestHandlers(newFakeMotion(), nil)
	w := httptest.NewRecorder()
	h.HandleConfig(w, httptest.NewRequest(http.MethodGet, "/config", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var info MotorInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.Pins != [4]int{12, 13, 14, 15} {
		t.Errorf("Pins = %v", info.Pins)
	}
	if info.StepsPerRev != 200 || info.Mode != "single" || info.Driver != "mock" {
		t.Errorf("info = %+v", info)
	}
}

// ---------- ServeIndex ----------

func TestServeIndex(t *testing.T) {
	h := newTestHandlers(newFakeMotion(), nil)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	h.ServeIndex(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/html; charset=utf-8", ct)
	}
	if !strings.Contains(w.Body.String(), "<html>") {
		t.Error("body should contain HTML content")
	}
}

// ---------- Server routes ----------

func TestServerMux_Routes(t *testing.T) {
	srv := NewServer(":0", NewStatusBroadcaster(), newFakeMotion(), nil, MotorInfo{StepsPerRev: 200})
	mux := srv.Mux()

	cases := []struct {
		method, path string
		want         int
	}{
		{http.MethodGet, "/", http.StatusOK},
		{http.MethodGet, "/state", http.StatusOK},
		{http.MethodGet, "/config", http.StatusOK},
		{http.MethodGet, "/rotate", http.StatusMethodNotAllowed},
		{http.MethodPost, "/run", http.StatusServiceUnavailable},
		{http.MethodPost, "/stop", http.StatusOK},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.method+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, bytes.NewReader(nil)))
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestServerRun_StopsOnCancel(t *testing.T) {
	srv := NewServer("127.0.0.1:0", NewStatusBroadcaster(), newFakeMotion(), nil, MotorInfo{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

// ---------- HandleStatusStream ----------

func TestHandleStatusStream(t *testing.T) {
	h := newTestHandlers(newFakeMotion(), nil)
	ts := httptest.NewServer(http.HandlerFunc(h.HandleStatusStream))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q, err = %v", line, err)
	}
	r.ReadString('\n') // blank separator

	h.Broadcaster.Broadcast("info", "Rotation complete, position 42")

	line, err = r.ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, "position 42") {
		t.Errorf("event line = %q", line)
	}
}

// ---------- Shutdown ----------

func TestShutdown_RefusesNewJobs(t *testing.T) {
	m := newFakeMotion()
	h := newTestHandlers(m, func(ctx context.Context) error { return nil })
	h.Shutdown()

	if w := post(h.HandleRotate, "/rotate", `{"steps": 100000}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("rotate after shutdown: status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if w := post(h.HandleRun, "/run", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("run after shutdown: status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	h.Wait()
	if calls := m.Calls(); len(calls) != 0 {
		t.Errorf("motor was driven after shutdown: %v", calls)
	}
}

func TestShutdown_CancelsRunningJob(t *testing.T) {
	m := newFakeMotion()
	m.block = make(chan struct{}) // never closed: only cancellation ends the job
	m.started = make(chan struct{}, 1)
	h := newTestHandlers(m, nil)

	if w := post(h.HandleRotate, "/rotate", `{"steps": 100000}`); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	<-m.started

	done := make(chan struct{})
	go func() {
		h.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not cancel the running rotation")
	}

	if w := post(h.HandleRotate, "/rotate", `{"steps": 1}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status after shutdown = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestServerServe_ClosesStatusStreams(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln.Addr().String(), NewStatusBroadcaster(), newFakeMotion(), nil, MotorInfo{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/status/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if line, err := bufio.NewReader(resp.Body).ReadString('\n'); err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q, err = %v", line, err)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
		if d := time.Since(start); d > 2*time.Second {
			t.Errorf("shutdown took %v with a stream open", d)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("server did not stop while a status stream was open")
	}
}

// ---------- debug mirroring ----------

func TestStart_FailureLoggedAtErrorLevel(t *testing.T) {
	m := newFakeMotion()
	m.err = errors.New("line busy")
	h := newTestHandlers(m, nil)

	debug.Init(debug.LevelInfo)
	debug.SetOutput(BroadcastWriter(h.Broadcaster))
	t.Cleanup(func() {
		debug.SetOutput(os.Stdout)
		debug.Init(debug.LevelOff)
	})

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	post(h.HandleRotate, "/rotate", `{"steps": 2}`)
	h.Wait()

	var logged bool
	for i := 0; i < 2; i++ {
		evt := nextEvent(t, ch)
		if evt.Level != "error" {
			t.Errorf("event %d level = %q, want error", i, evt.Level)
		}
		if strings.Contains(evt.Msg, "[ERROR]") && strings.Contains(evt.Msg, "line busy") {
			logged = true
		}
	}
	if !logged {
		t.Error("failure was not written through the debug logger")
	}
}
