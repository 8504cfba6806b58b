package coretest

import (
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/core"
	"github.com/dkeye/voicelink/internal/domain"
)

const (
	EvConnected    = "connected"
	EvDisconnected = "disconnected"
	EvStream       = "stream"
	EvLevel        = "level"
	EvState        = "state"
	EvError        = "error"
	EvControl      = "control"
)

type Event struct {
	Kind    string
	Level   float64
	State   domain.SessionState
	Err     error
	Stream  core.RemoteStream
	Message domain.ControlMessage
}

// Recorder is an Observer implementing every optional capability.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) OnConnected()                             { r.add(Event{Kind: EvConnected}) }
func (r *Recorder) OnDisconnected()                          { r.add(Event{Kind: EvDisconnected}) }
func (r *Recorder) OnAudioStream(s core.RemoteStream)        { r.add(Event{Kind: EvStream, Stream: s}) }
func (r *Recorder) OnAudioLevel(v float64)                   { r.add(Event{Kind: EvLevel, Level: v}) }
func (r *Recorder) OnStateChange(s domain.SessionState)      { r.add(Event{Kind: EvState, State: s}) }
func (r *Recorder) OnError(err error)                        { r.add(Event{Kind: EvError, Err: err}) }
func (r *Recorder) OnControlMessage(m domain.ControlMessage) { r.add(Event{Kind: EvControl, Message: m}) }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds lists event kinds in delivery order, optionally skipping some.
func (r *Recorder) Kinds(skip ...string) []string {
	var out []string
next:
	for _, e := range r.Events() {
		for _, s := range skip {
			if e.Kind == s {
				continue next
			}
		}
		out = append(out, e.Kind)
	}
	return out
}

func (r *Recorder) Count(kind string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// WaitFor blocks until at least n events of kind were recorded.
func (r *Recorder) WaitFor(t testing.TB, kind string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Count(kind) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, got %d", n, kind, r.Count(kind))
}
