package segment

import (
	"sync"
	"testing"
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/model"
)

type captureSink struct {
	mu   sync.Mutex
	seqs []model.PulseSequence
}

func (c *captureSink) sink(raw model.PulseSequence, _ time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs = append(c.seqs, raw)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seqs)
}

func (c *captureSink) first() model.PulseSequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seqs[0]
}

// pushSignal feeds a pulse train as alternating falling/rising edges
// starting at the given tick.
func pushSignal(s *Segmenter, startUS uint64, pulses []model.Pulse) uint64 {
	tick := startUS
	for _, p := range pulses {
		s.Push(model.EdgeEvent{TimestampMicros: tick, Level: model.EdgeFalling})
		tick += uint64(p.MarkUS)
		s.Push(model.EdgeEvent{TimestampMicros: tick, Level: model.EdgeRising})
		tick += uint64(p.SpaceUS)
	}
	return tick
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %v", timeout)
}

func TestFinalizesAfterInactivity(t *testing.T) {
	sink := &captureSink{}
	s := New(30*time.Millisecond, 5*time.Millisecond, sink.sink)
	defer s.Close()

	pushSignal(s, 1000, []model.Pulse{
		{MarkUS: 9000, SpaceUS: 4500},
		{MarkUS: 560, SpaceUS: 560},
		{MarkUS: 560, SpaceUS: 1690},
	})

	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
	got := sink.first()
	if len(got) != 3 {
		t.Fatalf("expected 3 pulses, got %d: %+v", len(got), got)
	}
	if got[0].MarkUS != 9000 || got[0].SpaceUS != 4500 {
		t.Fatalf("header pair mangled: %+v", got[0])
	}
	if got[2].MarkUS != 560 {
		t.Fatalf("tail mark mangled: %+v", got[2])
	}
}

func TestSplitsSignalsOnQuietGap(t *testing.T) {
	sink := &captureSink{}
	s := New(25*time.Millisecond, 5*time.Millisecond, sink.sink)
	defer s.Close()

	end := pushSignal(s, 0, []model.Pulse{{MarkUS: 600, SpaceUS: 600}, {MarkUS: 600, SpaceUS: 1200}})
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })

	pushSignal(s, end+500000, []model.Pulse{{MarkUS: 600, SpaceUS: 600}, {MarkUS: 1200, SpaceUS: 600}})
	waitFor(t, time.Second, func() bool { return sink.count() == 2 })
}

func TestDropsNoiseBelowTwoPairs(t *testing.T) {
	sink := &captureSink{}
	s := New(20*time.Millisecond, 5*time.Millisecond, sink.sink)
	defer s.Close()

	// One lone mark: a single falling/rising pair.
	s.Push(model.EdgeEvent{TimestampMicros: 100, Level: model.EdgeFalling})
	s.Push(model.EdgeEvent{TimestampMicros: 700, Level: model.EdgeRising})

	time.Sleep(100 * time.Millisecond)
	if n := sink.count(); n != 0 {
		t.Fatalf("noise was finalized into %d signals", n)
	}
}

func TestCloseDiscardsInFlightBuffer(t *testing.T) {
	sink := &captureSink{}
	s := New(500*time.Millisecond, 5*time.Millisecond, sink.sink)

	pushSignal(s, 0, []model.Pulse{{MarkUS: 560, SpaceUS: 560}, {MarkUS: 560, SpaceUS: 560}, {MarkUS: 560, SpaceUS: 1690}})
	// Close before the long inactivity window can elapse.
	time.Sleep(20 * time.Millisecond)
	s.Close()

	if n := sink.count(); n != 0 {
		t.Fatalf("in-flight buffer should be discarded on close, got %d signals", n)
	}
}

func TestIgnoresGlitchEdgesAndStaleTicks(t *testing.T) {
	sink := &captureSink{}
	s := New(25*time.Millisecond, 5*time.Millisecond, sink.sink)
	defer s.Close()

	s.Push(model.EdgeEvent{TimestampMicros: 1000, Level: model.EdgeFalling})
	// Duplicate falling edge and a tick that runs backwards.
	s.Push(model.EdgeEvent{TimestampMicros: 1100, Level: model.EdgeFalling})
	s.Push(model.EdgeEvent{TimestampMicros: 900, Level: model.EdgeRising})
	s.Push(model.EdgeEvent{TimestampMicros: 1600, Level: model.EdgeRising})
	s.Push(model.EdgeEvent{TimestampMicros: 2200, Level: model.EdgeFalling})
	s.Push(model.EdgeEvent{TimestampMicros: 2800, Level: model.EdgeRising})

	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
	got := sink.first()
	if len(got) != 2 {
		t.Fatalf("expected 2 pulses, got %+v", got)
	}
	if got[0].MarkUS != 600 || got[0].SpaceUS != 600 || got[1].MarkUS != 600 {
		t.Fatalf("glitch filtering mangled pulses: %+v", got)
	}
}
