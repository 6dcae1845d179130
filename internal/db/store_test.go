package db_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/db"
	"github.com/jon-fox/raspberry-mcp/internal/model"
	"github.com/jon-fox/raspberry-mcp/internal/testutil"
)

func TestSaveAndGetDevice(t *testing.T) {
	store, ctx := testutil.NewStore(t)

	seeded := testutil.SeedDevice(t, store, ctx, "fan1", "fan", "power_on", "power_off")

	got, err := store.GetDevice(ctx, "fan1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.DeviceID != "fan1" || got.DeviceType != "fan" {
		t.Fatalf("device row mismatch: %+v", got)
	}
	if len(got.Operations) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(got.Operations))
	}
	for i, op := range got.Operations {
		if op.Name != seeded.Operations[i].Name || op.Position != i {
			t.Fatalf("operation order mismatch at %d: %+v", i, op)
		}
		if op.Signal.Protocol != model.ProtocolNEC || op.Signal.NEC == nil {
			t.Fatalf("signal did not survive persistence: %+v", op.Signal)
		}
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	if _, err := store.GetDevice(ctx, "ghost"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveDeviceMergesOperations(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	testutil.SeedDevice(t, store, ctx, "ac1", "ac", "power_on", "power_off")

	now := time.Now().UTC()
	err := store.SaveDevice(ctx, model.Device{DeviceID: "ac1", DeviceType: "ac", UpdatedAt: now}, []model.Operation{
		{Name: "power_on", Signal: testutil.NECSignal(0x20, 0x07), Position: 0, CapturedAt: now},
		{Name: "temp_up", Signal: testutil.NECSignal(0x20, 0x08), Position: 2, CapturedAt: now},
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	got, err := store.GetDevice(ctx, "ac1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if len(got.Operations) != 3 {
		t.Fatalf("merge should keep untouched ops: got %d", len(got.Operations))
	}
	on, err := store.GetOperation(ctx, "ac1", "power_on")
	if err != nil {
		t.Fatalf("get power_on: %v", err)
	}
	if on.Signal.NEC == nil || on.Signal.NEC.Command != 0x07 {
		t.Fatalf("resubmission must overwrite power_on, got %+v", on.Signal.NEC)
	}
	if _, err := store.GetOperation(ctx, "ac1", "power_off"); err != nil {
		t.Fatalf("power_off should survive the merge: %v", err)
	}
}

func TestGetOperationNotFound(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	testutil.SeedDevice(t, store, ctx, "tv1", "tv", "power_on")
	if _, err := store.GetOperation(ctx, "tv1", "volume_up"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteDevice(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	testutil.SeedDevice(t, store, ctx, "tv1", "tv", "power_on")

	if err := store.DeleteDevice(ctx, "tv1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetDevice(ctx, "tv1"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("device should be gone, got %v", err)
	}
	if _, err := store.GetOperation(ctx, "tv1", "power_on"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("operations should cascade, got %v", err)
	}
	if err := store.DeleteDevice(ctx, "tv1"); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("double delete should be ErrNotFound, got %v", err)
	}
}

func TestListDevices(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	testutil.SeedDevice(t, store, ctx, "b-dev", "fan", "power_on")
	testutil.SeedDevice(t, store, ctx, "a-dev", "tv", "power_on", "power_off")

	devices, err := store.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(devices))
	}
	if devices[0].DeviceID != "a-dev" || devices[1].DeviceID != "b-dev" {
		t.Fatalf("devices not sorted by id: %+v", devices)
	}
	if len(devices[0].Operations) != 2 || len(devices[1].Operations) != 1 {
		t.Fatalf("operations not loaded per device")
	}
}

func TestGenericSignalRoundTripsThroughStore(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	now := time.Now().UTC()
	sig := model.DecodedSignal{
		Protocol: model.ProtocolGeneric,
		Generic: &model.GenericSignal{
			PulseHash: 0xdeadbeef,
			Pulses:    model.PulseSequence{{MarkUS: 450, SpaceUS: 500}, {MarkUS: 450, SpaceUS: 1500}},
		},
	}
	err := store.SaveDevice(ctx, model.Device{DeviceID: "mystery", DeviceType: "generic", UpdatedAt: now}, []model.Operation{
		{Name: "power_on", Signal: sig, Position: 0, CapturedAt: now},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	op, err := store.GetOperation(ctx, "mystery", "power_on")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if op.Signal.Generic == nil || op.Signal.Generic.PulseHash != 0xdeadbeef {
		t.Fatalf("generic payload mangled: %+v", op.Signal)
	}
	if len(op.Signal.Generic.Pulses) != 2 || op.Signal.Generic.Pulses[1].SpaceUS != 1500 {
		t.Fatalf("pulse pairs mangled: %+v", op.Signal.Generic.Pulses)
	}
}
