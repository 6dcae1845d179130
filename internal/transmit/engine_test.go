package transmit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/model"
	"github.com/jon-fox/raspberry-mcp/internal/testutil"
)

func shortSignal() model.DecodedSignal {
	return model.DecodedSignal{
		Protocol: model.ProtocolGeneric,
		Generic: &model.GenericSignal{
			PulseHash: 1,
			Pulses: model.PulseSequence{
				{MarkUS: 200, SpaceUS: 200},
				{MarkUS: 200, SpaceUS: 200},
			},
		},
	}
}

func TestTransmitLeavesCarrierOff(t *testing.T) {
	timer := testutil.NewFakeTimer()
	e := NewEngine(timer)

	err := e.Transmit(context.Background(), shortSignal(), Options{Repeats: 2, RepeatGap: time.Millisecond})
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if timer.CarrierOn() {
		t.Fatalf("carrier left on after transmit")
	}
	log := timer.CarrierLog()
	if len(log) == 0 || log[len(log)-1] != false {
		t.Fatalf("last carrier write must be off, log %v", log)
	}
	// Two repeats of a two-pulse train: two on-phases per repeat.
	ons := 0
	for _, v := range log {
		if v {
			ons++
		}
	}
	if ons != 4 {
		t.Fatalf("expected 4 carrier-on phases, got %d (log %v)", ons, log)
	}
}

func TestTransmitConfiguresPWM(t *testing.T) {
	timer := testutil.NewFakeTimer()
	e := NewEngine(timer)

	if err := e.Transmit(context.Background(), shortSignal(), Options{CarrierHz: 40000, DutyCycle: 0.5, Repeats: 1, RepeatGap: time.Millisecond}); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	freq, duty := timer.PWMConfig()
	if freq != 40000 || duty != 0.5 {
		t.Fatalf("pwm config not applied: %d %f", freq, duty)
	}
}

func TestTransmitDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	if opts.CarrierHz != 38000 || opts.DutyCycle != 0.78 || opts.Repeats != 5 {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
}

func TestTransmitFailureForcesCarrierOff(t *testing.T) {
	timer := testutil.NewFakeTimer()
	// Fail the second carrier write: mid-train, carrier currently on.
	timer.FailSetAfter = 2
	e := NewEngine(timer)

	err := e.Transmit(context.Background(), shortSignal(), Options{Repeats: 1, RepeatGap: time.Millisecond})
	if err == nil {
		t.Fatalf("expected transmission error")
	}
	var txErr *TransmissionError
	if !errors.As(err, &txErr) {
		t.Fatalf("expected TransmissionError, got %T: %v", err, err)
	}
	if timer.CarrierOn() {
		t.Fatalf("carrier left on after failed transmit")
	}
}

func TestTransmitCancelClearsCarrier(t *testing.T) {
	timer := testutil.NewFakeTimer()
	e := NewEngine(timer)

	ctx, cancel := context.WithCancel(context.Background())
	sig := model.DecodedSignal{
		Protocol: model.ProtocolGeneric,
		Generic: &model.GenericSignal{
			PulseHash: 2,
			Pulses: model.PulseSequence{
				{MarkUS: 50000, SpaceUS: 50000},
				{MarkUS: 50000, SpaceUS: 50000},
			},
		},
	}
	done := make(chan error, 1)
	go func() { done <- e.Transmit(ctx, sig, Options{Repeats: 5}) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled transmit did not return")
	}
	if timer.CarrierOn() {
		t.Fatalf("carrier left on after cancel")
	}
}

func TestTransmissionsAreExclusive(t *testing.T) {
	timer := testutil.NewFakeTimer()
	e := NewEngine(timer)

	const n = 4
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			done <- e.Transmit(context.Background(), shortSignal(), Options{Repeats: 1, RepeatGap: time.Millisecond})
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-done; err != nil {
			t.Fatalf("transmit %d: %v", i, err)
		}
	}
	// A serialized schedule strictly alternates on/off writes; interleaved
	// trains would double up.
	log := timer.CarrierLog()
	for i := 1; i < len(log); i++ {
		if log[i] == log[i-1] && log[i] {
			t.Fatalf("interleaved carrier writes at %d: %v", i, log)
		}
	}
	if timer.CarrierOn() {
		t.Fatalf("carrier left on")
	}
}

func TestTroubleshootSweepsGrid(t *testing.T) {
	timer := testutil.NewFakeTimer()
	e := NewEngine(timer)

	results := e.Troubleshoot(context.Background(), shortSignal(), 1, time.Millisecond)
	if len(results) != 6 {
		t.Fatalf("expected 6 sweep attempts, got %d", len(results))
	}
	if results[0].CarrierHz != 38000 || results[0].DutyCycle != 0.78 {
		t.Fatalf("sweep must start at the standard profile, got %+v", results[0])
	}
	for _, r := range results {
		if r.Err != "" {
			t.Fatalf("unexpected sweep failure: %+v", r)
		}
	}
	if timer.CarrierOn() {
		t.Fatalf("carrier left on after sweep")
	}
}
