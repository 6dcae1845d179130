// Package transmit drives the pulse timer to replay encoded signals as
// carrier-modulated pulse trains.
package transmit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/codec"
	"github.com/jon-fox/raspberry-mcp/internal/model"
	"github.com/jon-fox/raspberry-mcp/internal/pulse"
)

// TransmissionError wraps a hardware write failure mid-transmit. The carrier
// is force-cleared before it propagates.
type TransmissionError struct {
	Err error
}

func (e *TransmissionError) Error() string { return fmt.Sprintf("transmission: %v", e.Err) }
func (e *TransmissionError) Unwrap() error { return e.Err }

// Options control one transmission. Zero values fall back to the defaults
// below.
type Options struct {
	CarrierHz uint32
	DutyCycle float32
	Repeats   int
	RepeatGap time.Duration
}

const (
	DefaultCarrierHz = 38000
	DefaultDutyCycle = 0.78
	DefaultRepeats   = 5
	// DefaultRepeatGap clears the typical consumer-receiver re-trigger
	// window between frames.
	DefaultRepeatGap = 100 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.CarrierHz == 0 {
		o.CarrierHz = DefaultCarrierHz
	}
	if o.DutyCycle == 0 {
		o.DutyCycle = DefaultDutyCycle
	}
	if o.Repeats == 0 {
		o.Repeats = DefaultRepeats
	}
	if o.RepeatGap == 0 {
		o.RepeatGap = DefaultRepeatGap
	}
	return o
}

// Engine serializes access to the single carrier line: one transmission
// completes, including its cleanup, before the next begins.
type Engine struct {
	timer pulse.Timer
	mu    sync.Mutex
}

func NewEngine(timer pulse.Timer) *Engine {
	return &Engine{timer: timer}
}

// Transmit encodes the signal and emits it opts.Repeats times. The carrier
// is deterministically off on every exit path; an abandoned "on" carrier is
// a hardware-safety defect, so the clear happens in a defer and even a
// failing clear is retried there.
func (e *Engine) Transmit(ctx context.Context, sig model.DecodedSignal, opts Options) error {
	opts = opts.withDefaults()

	train, err := codec.Encode(sig)
	if err != nil {
		return fmt.Errorf("encode for transmit: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.timer.ConfigurePWM(opts.CarrierHz, opts.DutyCycle); err != nil {
		return &TransmissionError{Err: fmt.Errorf("configure pwm: %w", err)}
	}
	defer func() {
		// Force-clear regardless of how the train ended.
		_ = e.timer.SetCarrier(false)
	}()

	for repeat := 0; repeat < opts.Repeats; repeat++ {
		if repeat > 0 {
			if err := sleepCtx(ctx, opts.RepeatGap); err != nil {
				return err
			}
		}
		if err := e.emit(ctx, train); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, train model.PulseSequence) error {
	for _, p := range train {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.timer.SetCarrier(true); err != nil {
			_ = e.timer.SetCarrier(false)
			return &TransmissionError{Err: err}
		}
		if err := sleepCtx(ctx, time.Duration(p.MarkUS)*time.Microsecond); err != nil {
			return err
		}
		if err := e.timer.SetCarrier(false); err != nil {
			return &TransmissionError{Err: err}
		}
		if p.SpaceUS > 0 {
			if err := sleepCtx(ctx, time.Duration(p.SpaceUS)*time.Microsecond); err != nil {
				return err
			}
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SweepResult is one attempted parameter combination from Troubleshoot.
type SweepResult struct {
	CarrierHz uint32
	DutyCycle float32
	Repeats   int
	Err       string
}

// sweepGrid is ordered most-likely-to-work first: the standard profile,
// then full power, then the neighboring carrier frequencies.
var sweepGrid = []struct {
	carrierHz uint32
	duty      float32
}{
	{38000, 0.78},
	{38000, 1.0},
	{36000, 0.78},
	{36000, 1.0},
	{40000, 0.78},
	{40000, 1.0},
}

// Troubleshoot re-transmits the signal across a small grid of carrier
// frequency and duty-cycle combinations, pausing between attempts so a
// target device can visibly react to the one that lands.
func (e *Engine) Troubleshoot(ctx context.Context, sig model.DecodedSignal, repeats int, pause time.Duration) []SweepResult {
	if repeats <= 0 {
		repeats = 3
	}
	results := make([]SweepResult, 0, len(sweepGrid))
	for i, combo := range sweepGrid {
		if i > 0 {
			if err := sleepCtx(ctx, pause); err != nil {
				break
			}
		}
		res := SweepResult{CarrierHz: combo.carrierHz, DutyCycle: combo.duty, Repeats: repeats}
		err := e.Transmit(ctx, sig, Options{
			CarrierHz: combo.carrierHz,
			DutyCycle: combo.duty,
			Repeats:   repeats,
		})
		if err != nil {
			res.Err = err.Error()
		}
		results = append(results, res)
		if ctx.Err() != nil {
			break
		}
	}
	return results
}
