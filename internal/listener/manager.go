// Package listener owns the capture-session lifecycle: exactly one active
// edge subscription, a lock-guarded append-only event buffer, and the
// segmenter/codec pipeline between the two.
package listener

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jon-fox/raspberry-mcp/internal/codec"
	"github.com/jon-fox/raspberry-mcp/internal/model"
	"github.com/jon-fox/raspberry-mcp/internal/pulse"
	"github.com/jon-fox/raspberry-mcp/internal/segment"
)

// CaptureError wraps a hardware subscription failure. start() reports it and
// the session stays idle.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("capture: %v", e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

// SessionInfo identifies a listening session.
type SessionInfo struct {
	SessionID string
	StartedAt time.Time
}

// Status is the listener state snapshot served to callers.
type Status struct {
	State      model.ListenerState
	SessionID  string
	EventCount int
	StartedAt  time.Time
}

// EventHook observes each captured event after it is appended to the
// session buffer. Hooks run on the segmenter goroutine and must be quick.
type EventHook func(model.CapturedEvent)

// Manager is the singleton-scoped capture service. Constructed once at
// process start and handed to every caller.
type Manager struct {
	timer             pulse.Timer
	inactivityTimeout time.Duration
	watchdogInterval  time.Duration

	mu        sync.Mutex
	state     model.ListenerState
	session   SessionInfo
	events    []model.CapturedEvent
	segmenter *segment.Segmenter
	hooks     []EventHook
}

func NewManager(timer pulse.Timer, inactivityTimeout, watchdogInterval time.Duration) *Manager {
	return &Manager{
		timer:             timer,
		inactivityTimeout: inactivityTimeout,
		watchdogInterval:  watchdogInterval,
		state:             model.ListenerIdle,
	}
}

// OnEvent registers a hook for captured events. Register before Start; hooks
// stay for the manager's lifetime.
func (m *Manager) OnEvent(hook EventHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Start begins a capture session. Idempotent: starting while listening
// returns the running session's identity without touching the hardware
// subscription. The event buffer is cleared at session start.
func (m *Manager) Start(ctx context.Context) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == model.ListenerListening {
		return m.session, nil
	}

	seg := segment.New(m.inactivityTimeout, m.watchdogInterval, m.appendSignal)
	if err := m.timer.SubscribeEdges(ctx, seg.Push); err != nil {
		seg.Close()
		return SessionInfo{}, &CaptureError{Err: err}
	}

	m.segmenter = seg
	m.session = SessionInfo{SessionID: uuid.NewString(), StartedAt: time.Now().UTC()}
	m.events = nil
	m.state = model.ListenerListening
	return m.session, nil
}

// Stop ends the session. The segmenter is closed before anything else so an
// in-flight unfinalized buffer is discarded, never partially decoded.
// Stopping an idle listener is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state != model.ListenerListening {
		m.mu.Unlock()
		return nil
	}
	if err := m.timer.UnsubscribeEdges(); err != nil {
		log.Printf("listener: unsubscribe failed: %v", err)
	}
	seg := m.segmenter
	m.segmenter = nil
	m.state = model.ListenerIdle
	// Close outside the lock: the segmenter goroutine may be blocked in
	// appendSignal waiting for it.
	m.mu.Unlock()
	seg.Close()
	return nil
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:      m.state,
		SessionID:  m.session.SessionID,
		EventCount: len(m.events),
		StartedAt:  m.session.StartedAt,
	}
}

// ClearEvents truncates the session buffer without stopping the session.
func (m *Manager) ClearEvents() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// Events returns captured events, oldest first, optionally filtered to
// those captured at or after since. Safe to call during an active session.
func (m *Manager) Events(since *time.Time) []model.CapturedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.CapturedEvent, 0, len(m.events))
	for _, ev := range m.events {
		if since != nil && ev.CapturedAt.Before(*since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// appendSignal is the segmenter sink: decode, append atomically, fan out.
func (m *Manager) appendSignal(raw model.PulseSequence, finalizedAt time.Time) {
	ev := model.CapturedEvent{
		ID:         uuid.NewString(),
		Decoded:    codec.Decode(raw),
		CapturedAt: finalizedAt.UTC(),
		RawPulses:  raw,
	}

	m.mu.Lock()
	if m.state != model.ListenerListening {
		// Finalization raced a stop; the session is over, drop it.
		m.mu.Unlock()
		return
	}
	m.events = append(m.events, ev)
	hooks := m.hooks
	m.mu.Unlock()

	for _, hook := range hooks {
		hook(ev)
	}
}

// Close tears the listener down for process shutdown.
func (m *Manager) Close() error {
	return m.Stop()
}
