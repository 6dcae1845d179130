// Package segment turns a continuous edge-timestamp stream into discrete
// signals using an inactivity timeout.
package segment

import (
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/model"
)

// minDurations is the noise floor: a candidate signal needs at least two
// timed durations (one full mark/space pair). A lone blip that times out
// with an open space is discarded silently.
const minDurations = 2

// Sink receives each finalized raw pulse sequence together with the wall
// time of its last edge.
type Sink func(raw model.PulseSequence, finalizedAt time.Time)

// Segmenter owns one in-progress pulse buffer for a capture session. Edges
// are handed in through Push (the hardware callback path only enqueues);
// a single goroutine drains the queue and runs the finalization watchdog,
// so the buffer fields below the channel block are touched by that
// goroutine only.
type Segmenter struct {
	inactivity time.Duration
	tick       time.Duration
	sink       Sink

	edges chan model.EdgeEvent
	stop  chan struct{}
	done  chan struct{}

	current   model.PulseSequence
	lastEdge  model.EdgeEvent
	haveEdge  bool
	lastSeen  time.Time
	markStart uint64
	inMark    bool
}

func New(inactivity, tick time.Duration, sink Sink) *Segmenter {
	s := &Segmenter{
		inactivity: inactivity,
		tick:       tick,
		sink:       sink,
		edges:      make(chan model.EdgeEvent, 1024),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.run()
	return s
}

// Push enqueues a hardware edge. Safe to call from the notification path;
// drops the edge if the queue is full rather than blocking the hardware
// callback.
func (s *Segmenter) Push(e model.EdgeEvent) {
	select {
	case s.edges <- e:
	case <-s.stop:
	default:
	}
}

// Close stops the segmenter and discards any unfinalized buffer.
func (s *Segmenter) Close() {
	close(s.stop)
	<-s.done
}

func (s *Segmenter) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			// In-flight buffer is discarded, not partially decoded.
			return
		case e := <-s.edges:
			s.consume(e)
			s.lastSeen = time.Now()
		case now := <-ticker.C:
			if (s.haveEdge || len(s.current) > 0) && now.Sub(s.lastSeen) >= s.inactivity {
				s.finalize(s.lastSeen)
			}
		}
	}
}

// consume folds one edge into the in-progress buffer. The receiver line is
// active low: a falling edge starts a mark, the next rising edge ends it,
// and the gap until the following falling edge is the space.
func (s *Segmenter) consume(e model.EdgeEvent) {
	if !s.haveEdge {
		if e.Level == model.EdgeFalling {
			s.markStart = e.TimestampMicros
			s.inMark = true
			s.lastEdge = e
			s.haveEdge = true
		}
		return
	}
	if e.TimestampMicros <= s.lastEdge.TimestampMicros {
		// Stale or duplicated tick; the daemon clock never goes backwards
		// inside one session.
		return
	}
	switch {
	case s.inMark && e.Level == model.EdgeRising:
		s.current = append(s.current, model.Pulse{
			MarkUS: uint32(e.TimestampMicros - s.markStart),
		})
		s.inMark = false
	case !s.inMark && e.Level == model.EdgeFalling:
		gap := uint32(e.TimestampMicros - s.lastEdge.TimestampMicros)
		if n := len(s.current); n > 0 {
			s.current[n-1].SpaceUS = gap
		}
		s.markStart = e.TimestampMicros
		s.inMark = true
	default:
		// Same-direction edge without its counterpart: glitch, skip.
		return
	}
	s.lastEdge = e
}

func (s *Segmenter) finalize(at time.Time) {
	durations := 2 * len(s.current)
	if n := len(s.current); n > 0 && s.current[n-1].SpaceUS == 0 {
		// The final space runs into the quiet window and carries no timing.
		durations--
	}
	if durations >= minDurations {
		seq := make(model.PulseSequence, len(s.current))
		copy(seq, s.current)
		s.sink(seq, at)
	}
	s.current = nil
	s.haveEdge = false
	s.inMark = false
}
