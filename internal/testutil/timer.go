package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/jon-fox/raspberry-mcp/internal/model"
	"github.com/jon-fox/raspberry-mcp/internal/pulse"
)

// FakeTimer implements pulse.Timer in memory for tests: edges are injected
// by the test, carrier and PWM calls are recorded, and failures can be
// scripted per call.
type FakeTimer struct {
	mu             sync.Mutex
	handler        pulse.EdgeHandler
	subscribed     bool
	subscribeCalls int

	carrierOn    bool
	carrierLog   []bool
	freqHz       uint32
	duty         float32
	setCalls     int
	FailSetAfter int // fail the Nth SetCarrier call (1-based); 0 = never
	SubscribeErr error
}

func NewFakeTimer() *FakeTimer {
	return &FakeTimer{}
}

func (t *FakeTimer) SubscribeEdges(ctx context.Context, handler pulse.EdgeHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribeCalls++
	if t.SubscribeErr != nil {
		return t.SubscribeErr
	}
	if t.subscribed {
		return pulse.ErrAlreadySubscribed
	}
	t.subscribed = true
	t.handler = handler
	return nil
}

func (t *FakeTimer) UnsubscribeEdges() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.subscribed {
		return pulse.ErrNotSubscribed
	}
	t.subscribed = false
	t.handler = nil
	return nil
}

func (t *FakeTimer) ConfigurePWM(freqHz uint32, duty float32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freqHz = freqHz
	t.duty = duty
	return nil
}

func (t *FakeTimer) SetCarrier(on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setCalls++
	if t.FailSetAfter > 0 && t.setCalls == t.FailSetAfter {
		return errors.New("fake carrier failure")
	}
	t.carrierOn = on
	t.carrierLog = append(t.carrierLog, on)
	return nil
}

func (t *FakeTimer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribed = false
	t.handler = nil
	return nil
}

// InjectEdge delivers an edge to the current subscriber, if any.
func (t *FakeTimer) InjectEdge(e model.EdgeEvent) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h(e)
	}
}

func (t *FakeTimer) Subscribed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribed
}

func (t *FakeTimer) SubscribeCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subscribeCalls
}

func (t *FakeTimer) CarrierOn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.carrierOn
}

func (t *FakeTimer) CarrierLog() []bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]bool, len(t.carrierLog))
	copy(out, t.carrierLog)
	return out
}

func (t *FakeTimer) PWMConfig() (uint32, float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freqHz, t.duty
}
