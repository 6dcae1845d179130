// Package registry persists device → operation → signal bindings and serves
// command sends against them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/db"
	"github.com/jon-fox/raspberry-mcp/internal/model"
	"github.com/jon-fox/raspberry-mcp/internal/transmit"
)

var (
	ErrUnknownDevice    = errors.New("unknown device")
	ErrUnknownOperation = errors.New("unknown operation")
)

// InsufficientSignalsError reports a submission window holding fewer
// captured events than requested operation names. Nothing is persisted.
type InsufficientSignalsError struct {
	Wanted int
	Got    int
}

func (e *InsufficientSignalsError) Error() string {
	return fmt.Sprintf("insufficient signals: %d operations requested, %d events captured", e.Wanted, e.Got)
}

// PersistenceError reports a durable-write failure. The submission did not
// save; captured events are untouched and the caller can retry.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persistence: %v", e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// EventSource is the listener-side view the registry needs: captured events
// at or after a cutoff, oldest first.
type EventSource interface {
	Events(since *time.Time) []model.CapturedEvent
}

// Transmitter is the replay side. Implemented by transmit.Engine.
type Transmitter interface {
	Transmit(ctx context.Context, sig model.DecodedSignal, opts transmit.Options) error
	Troubleshoot(ctx context.Context, sig model.DecodedSignal, repeats int, pause time.Duration) []transmit.SweepResult
}

type Registry struct {
	store  *db.Store
	events EventSource
	tx     Transmitter
}

func New(store *db.Store, events EventSource, tx Transmitter) *Registry {
	return &Registry{store: store, events: events, tx: tx}
}

// SubmitMappings binds captured events to operation names positionally:
// the first event captured at or after since goes to the first name, and so
// on. Surplus events beyond the requested names are ignored. Re-submission
// merges into an existing device; operation names that already exist are
// overwritten.
func (r *Registry) SubmitMappings(ctx context.Context, deviceID, deviceType string, operationNames []string, since time.Time) (model.Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return model.Device{}, fmt.Errorf("device_id is required")
	}
	if len(operationNames) == 0 {
		return model.Device{}, fmt.Errorf("at least one operation name is required")
	}
	for _, name := range operationNames {
		if strings.TrimSpace(name) == "" {
			return model.Device{}, fmt.Errorf("operation names must be non-empty")
		}
	}
	if deviceType = strings.TrimSpace(deviceType); deviceType == "" {
		deviceType = "generic"
	}

	window := r.events.Events(&since)
	if len(window) < len(operationNames) {
		return model.Device{}, &InsufficientSignalsError{Wanted: len(operationNames), Got: len(window)}
	}

	now := time.Now().UTC()
	ops := make([]model.Operation, 0, len(operationNames))
	for i, name := range operationNames {
		ops = append(ops, model.Operation{
			Name:       name,
			Signal:     window[i].Decoded,
			Position:   i,
			CapturedAt: window[i].CapturedAt,
		})
	}

	device := model.Device{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		UpdatedAt:  now,
	}
	if err := r.store.SaveDevice(ctx, device, ops); err != nil {
		return model.Device{}, &PersistenceError{Err: err}
	}

	saved, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return model.Device{}, &PersistenceError{Err: err}
	}
	return saved, nil
}

// SendCommand replays the stored signal for one bound operation using the
// transmitter's defaults.
func (r *Registry) SendCommand(ctx context.Context, deviceID, operation string) error {
	return r.SendCommandWithOptions(ctx, deviceID, operation, transmit.Options{})
}

func (r *Registry) SendCommandWithOptions(ctx context.Context, deviceID, operation string, opts transmit.Options) error {
	op, err := r.lookupOperation(ctx, deviceID, operation)
	if err != nil {
		return err
	}
	return r.tx.Transmit(ctx, op.Signal, opts)
}

// Troubleshoot sweeps transmission parameters for one bound operation.
func (r *Registry) Troubleshoot(ctx context.Context, deviceID, operation string, repeats int, pause time.Duration) ([]transmit.SweepResult, error) {
	op, err := r.lookupOperation(ctx, deviceID, operation)
	if err != nil {
		return nil, err
	}
	return r.tx.Troubleshoot(ctx, op.Signal, repeats, pause), nil
}

func (r *Registry) lookupOperation(ctx context.Context, deviceID, operation string) (model.Operation, error) {
	if _, err := r.store.GetDevice(ctx, deviceID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.Operation{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return model.Operation{}, err
	}
	op, err := r.store.GetOperation(ctx, deviceID, operation)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return model.Operation{}, fmt.Errorf("%w: %s/%s", ErrUnknownOperation, deviceID, operation)
		}
		return model.Operation{}, err
	}
	return op, nil
}

func (r *Registry) ListOperations(ctx context.Context, deviceID string) ([]string, error) {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return nil, err
	}
	return device.OperationNames(), nil
}

func (r *Registry) ListDevices(ctx context.Context) ([]model.Device, error) {
	return r.store.ListDevices(ctx)
}

func (r *Registry) DeleteDevice(ctx context.Context, deviceID string) error {
	if err := r.store.DeleteDevice(ctx, deviceID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return err
	}
	return nil
}
