package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jon-fox/raspberry-mcp/internal/db"
	"github.com/jon-fox/raspberry-mcp/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "raspmcp-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// NECSignal builds a decoded NEC signal for seeding tests.
func NECSignal(address, command uint8) model.DecodedSignal {
	return model.DecodedSignal{
		Protocol: model.ProtocolNEC,
		NEC: &model.NECSignal{
			Address:      address,
			Command:      command,
			ComplementOK: true,
		},
	}
}

// SeedDevice registers a device with numbered NEC operations.
func SeedDevice(t *testing.T, store *db.Store, ctx context.Context, deviceID, deviceType string, opNames ...string) model.Device {
	t.Helper()
	now := time.Now().UTC()
	ops := make([]model.Operation, 0, len(opNames))
	for i, name := range opNames {
		ops = append(ops, model.Operation{
			Name:       name,
			Signal:     NECSignal(0x10, uint8(i)),
			Position:   i,
			CapturedAt: now,
		})
	}
	device := model.Device{
		DeviceID:   deviceID,
		DeviceType: deviceType,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.SaveDevice(ctx, device, ops); err != nil {
		t.Fatalf("seed device: %v", err)
	}
	device.Operations = ops
	return device
}
