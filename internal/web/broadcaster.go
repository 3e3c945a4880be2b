package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// subscriberBuffer is how many events a slow SSE client may lag behind
// before further events are dropped for it.
const subscriberBuffer = 64

// StatusEvent is one message of the status stream.
// Level is one of info, warn, error or trace. Position is set on events
// that end a motor job, so clients can follow the shaft without polling.
type StatusEvent struct {
	Time     string `json:"t"`
	Level    string `json:"l,omitempty"`
	Msg      string `json:"msg"`
	Position *int   `json:"pos,omitempty"`
}

// StatusBroadcaster fans status events out to every connected SSE client.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{clients: make(map[chan string]struct{})}
}

// Subscribe registers a client. The returned function unregisters it and
// closes the channel; call it when the client goes away.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, subscriberBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Broadcast sends a plain message.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.publish(StatusEvent{Level: level, Msg: msg})
}

// BroadcastPosition sends a message tagged with the motor position.
func (b *StatusBroadcaster) BroadcastPosition(level, msg string, position int) {
	b.publish(StatusEvent{Level: level, Msg: msg, Position: &position})
}

func (b *StatusBroadcaster) publish(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default: // client lagging
		}
	}
}

// BroadcastWriter returns an io.Writer that turns each written log line into
// a status event, so debug output can be mirrored to the web page.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	if line := strings.TrimSpace(string(p)); line != "" {
		w.b.Broadcast(levelOf(line), line)
	}
	return len(p), nil
}

// levelOf maps the debug package tags to SSE levels.
func levelOf(line string) string {
	switch {
	case strings.Contains(line, "[ERROR]"):
		return "error"
	case strings.Contains(line, "[TRACE]"), strings.Contains(line, "[GPIO]"):
		return "trace"
	default:
		return "info"
	}
}
