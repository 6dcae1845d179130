package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/model"
	"github.com/jon-fox/raspberry-mcp/internal/testutil"
)

func newTestManager(t *testing.T) (*Manager, *testutil.FakeTimer) {
	t.Helper()
	timer := testutil.NewFakeTimer()
	m := NewManager(timer, 30*time.Millisecond, 5*time.Millisecond)
	t.Cleanup(func() { _ = m.Close() })
	return m, timer
}

// injectSignal drives a full pulse train through the fake timer.
func injectSignal(timer *testutil.FakeTimer, startUS uint64, pulses []model.Pulse) uint64 {
	tick := startUS
	for _, p := range pulses {
		timer.InjectEdge(model.EdgeEvent{TimestampMicros: tick, Level: model.EdgeFalling})
		tick += uint64(p.MarkUS)
		timer.InjectEdge(model.EdgeEvent{TimestampMicros: tick, Level: model.EdgeRising})
		tick += uint64(p.SpaceUS)
	}
	return tick
}

func waitForEvents(t *testing.T, m *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if m.Status().EventCount == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("wanted %d events, have %d", want, m.Status().EventCount)
}

func TestStartIsIdempotent(t *testing.T) {
	m, timer := newTestManager(t)

	first, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first.SessionID != second.SessionID {
		t.Fatalf("idempotent start changed session: %s vs %s", first.SessionID, second.SessionID)
	}
	if calls := timer.SubscribeCalls(); calls != 1 {
		t.Fatalf("expected exactly one hardware subscription, got %d", calls)
	}
}

func TestConcurrentStartsShareOneSubscription(t *testing.T) {
	m, timer := newTestManager(t)

	const n = 8
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			info, err := m.Start(context.Background())
			if err != nil {
				ids <- "error"
				return
			}
			ids <- info.SessionID
		}()
	}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		seen[<-ids] = true
	}
	if len(seen) != 1 || seen["error"] {
		t.Fatalf("concurrent starts produced sessions %v", seen)
	}
	if calls := timer.SubscribeCalls(); calls != 1 {
		t.Fatalf("expected 1 subscription, got %d", calls)
	}
}

func TestStartFailureLeavesIdle(t *testing.T) {
	m, timer := newTestManager(t)
	timer.SubscribeErr = context.DeadlineExceeded

	_, err := m.Start(context.Background())
	var capErr *CaptureError
	if err == nil {
		t.Fatalf("expected capture error")
	}
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CaptureError, got %T: %v", err, err)
	}
	if st := m.Status(); st.State != model.ListenerIdle {
		t.Fatalf("failed start must leave listener idle, got %s", st.State)
	}
}

func TestCaptureDecodeAppend(t *testing.T) {
	m, timer := newTestManager(t)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	injectSignal(timer, 1000, []model.Pulse{
		{MarkUS: 600, SpaceUS: 600},
		{MarkUS: 600, SpaceUS: 1200},
		{MarkUS: 600, SpaceUS: 600},
	})
	waitForEvents(t, m, 1)

	events := m.Events(nil)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.ID == "" {
		t.Fatalf("captured event missing id")
	}
	if ev.Decoded.Protocol == "" {
		t.Fatalf("captured event missing decode")
	}
	if len(ev.RawPulses) != 3 {
		t.Fatalf("raw pulses not retained: %+v", ev.RawPulses)
	}
}

func TestEventsSinceFilter(t *testing.T) {
	m, timer := newTestManager(t)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	end := injectSignal(timer, 0, []model.Pulse{{MarkUS: 500, SpaceUS: 500}, {MarkUS: 500, SpaceUS: 500}})
	waitForEvents(t, m, 1)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	injectSignal(timer, end+1000000, []model.Pulse{{MarkUS: 700, SpaceUS: 700}, {MarkUS: 700, SpaceUS: 700}})
	waitForEvents(t, m, 2)

	all := m.Events(nil)
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	recent := m.Events(&cutoff)
	if len(recent) != 1 {
		t.Fatalf("since filter: expected 1 event, got %d", len(recent))
	}
	if recent[0].ID != all[1].ID {
		t.Fatalf("since filter returned the wrong event")
	}
}

func TestClearEventsKeepsSessionAlive(t *testing.T) {
	m, timer := newTestManager(t)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	injectSignal(timer, 0, []model.Pulse{{MarkUS: 500, SpaceUS: 500}, {MarkUS: 500, SpaceUS: 500}})
	waitForEvents(t, m, 1)

	m.ClearEvents()
	st := m.Status()
	if st.EventCount != 0 {
		t.Fatalf("clear left %d events", st.EventCount)
	}
	if st.State != model.ListenerListening {
		t.Fatalf("clear must not stop the session, state %s", st.State)
	}
}

func TestStopDiscardsUnfinalizedBuffer(t *testing.T) {
	m, timer := newTestManager(t)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	injectSignal(timer, 0, []model.Pulse{{MarkUS: 500, SpaceUS: 500}, {MarkUS: 500, SpaceUS: 500}})
	waitForEvents(t, m, 1)
	before := m.Status().EventCount

	// Feed a partial signal and stop before the inactivity window elapses.
	timer.InjectEdge(model.EdgeEvent{TimestampMicros: 5000000, Level: model.EdgeFalling})
	timer.InjectEdge(model.EdgeEvent{TimestampMicros: 5000600, Level: model.EdgeRising})
	timer.InjectEdge(model.EdgeEvent{TimestampMicros: 5001200, Level: model.EdgeFalling})
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if got := m.Status().EventCount; got != before {
		t.Fatalf("stop leaked a partial capture: %d vs %d", got, before)
	}
	if timer.Subscribed() {
		t.Fatalf("stop must release the edge subscription")
	}
}

func TestRestartClearsBuffer(t *testing.T) {
	m, timer := newTestManager(t)
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	injectSignal(timer, 0, []model.Pulse{{MarkUS: 500, SpaceUS: 500}, {MarkUS: 500, SpaceUS: 500}})
	waitForEvents(t, m, 1)
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	info, err := m.Start(context.Background())
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if info.SessionID == "" {
		t.Fatalf("restart produced empty session")
	}
	if got := m.Status().EventCount; got != 0 {
		t.Fatalf("restart must clear the buffer, got %d events", got)
	}
}

func TestEventHookObservesCaptures(t *testing.T) {
	m, timer := newTestManager(t)
	got := make(chan model.CapturedEvent, 1)
	m.OnEvent(func(ev model.CapturedEvent) { got <- ev })
	if _, err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	injectSignal(timer, 0, []model.Pulse{{MarkUS: 500, SpaceUS: 500}, {MarkUS: 500, SpaceUS: 500}})
	select {
	case ev := <-got:
		if ev.ID == "" {
			t.Fatalf("hook saw event without id")
		}
	case <-time.After(time.Second):
		t.Fatalf("hook never observed the capture")
	}
}
