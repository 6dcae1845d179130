package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jon-fox/raspberry-mcp/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveDevice writes the device row and the given operations in one
// transaction. Operations merge by name: existing names are overwritten,
// names not in the slice are left alone. A failed transaction changes
// nothing on disk.
func (s *Store) SaveDevice(ctx context.Context, device model.Device, ops []model.Operation) error {
	if device.UpdatedAt.IsZero() {
		device.UpdatedAt = time.Now().UTC()
	}
	if device.CreatedAt.IsZero() {
		device.CreatedAt = device.UpdatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save device: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
INSERT INTO devices(device_id, device_type, created_at, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	device_type=excluded.device_type,
	updated_at=excluded.updated_at
`, device.DeviceID, device.DeviceType, ts(device.CreatedAt), ts(device.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}

	for _, op := range ops {
		signalJSON, err := json.Marshal(op.Signal)
		if err != nil {
			return fmt.Errorf("marshal signal for %s/%s: %w", device.DeviceID, op.Name, err)
		}
		capturedAt := op.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = device.UpdatedAt
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO device_operations(device_id, name, position, protocol, signal_json, captured_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id, name) DO UPDATE SET
	position=excluded.position,
	protocol=excluded.protocol,
	signal_json=excluded.signal_json,
	captured_at=excluded.captured_at
`, device.DeviceID, op.Name, op.Position, string(op.Signal.Protocol), string(signalJSON), ts(capturedAt))
		if err != nil {
			return fmt.Errorf("upsert operation %s/%s: %w", device.DeviceID, op.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save device: %w", err)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (model.Device, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT device_id, device_type, created_at, updated_at
FROM devices
WHERE device_id = ?
`, deviceID)
	device, err := scanDevice(row)
	if err != nil {
		return model.Device{}, err
	}
	ops, err := s.listOperations(ctx, deviceID)
	if err != nil {
		return model.Device{}, err
	}
	device.Operations = ops
	return device, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_id, device_type, created_at, updated_at
FROM devices
ORDER BY device_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make([]model.Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter devices: %w", err)
	}
	for i := range out {
		ops, err := s.listOperations(ctx, out[i].DeviceID)
		if err != nil {
			return nil, err
		}
		out[i].Operations = ops
	}
	return out, nil
}

// GetOperation loads one bound operation for a device.
func (s *Store) GetOperation(ctx context.Context, deviceID, name string) (model.Operation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT name, position, signal_json, captured_at
FROM device_operations
WHERE device_id = ? AND name = ?
`, deviceID, name)
	return scanOperation(row)
}

func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete device rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) listOperations(ctx context.Context, deviceID string) ([]model.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, position, signal_json, captured_at
FROM device_operations
WHERE device_id = ?
ORDER BY position ASC, name ASC
`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	out := make([]model.Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter operations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (model.Device, error) {
	var device model.Device
	var createdAt, updatedAt string
	err := row.Scan(&device.DeviceID, &device.DeviceType, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Device{}, ErrNotFound
	}
	if err != nil {
		return model.Device{}, fmt.Errorf("scan device: %w", err)
	}
	if device.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Device{}, err
	}
	if device.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Device{}, err
	}
	return device, nil
}

func scanOperation(row rowScanner) (model.Operation, error) {
	var op model.Operation
	var signalJSON, capturedAt string
	err := row.Scan(&op.Name, &op.Position, &signalJSON, &capturedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Operation{}, ErrNotFound
	}
	if err != nil {
		return model.Operation{}, fmt.Errorf("scan operation: %w", err)
	}
	if err := json.Unmarshal([]byte(signalJSON), &op.Signal); err != nil {
		return model.Operation{}, fmt.Errorf("unmarshal signal: %w", err)
	}
	if op.CapturedAt, err = parseTS(capturedAt); err != nil {
		return model.Operation{}, err
	}
	return op, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}
