package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeviceStatus mirrors the Device.status invariant: online iff
// now - last_seen <= liveness window.
const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

// Device is the device registry row.
type Device struct {
	ID        uuid.UUID
	Hostname  string
	OS        string
	Status    string
	LastSeen  time.Time
	OwnerID   *uuid.UUID
	CreatedAt time.Time
}

// CreateDevice inserts a new device registry row from an invitation
// redemption and returns its identifier. descriptor is the agent-supplied
// hostname/OS string, split on the first "/".
func (s *Store) CreateDevice(ctx context.Context, descriptor string) (uuid.UUID, error) {
	return createDevice(ctx, s.pool, descriptor)
}

func createDevice(ctx context.Context, db DBTX, descriptor string) (uuid.UUID, error) {
	hostname, os := splitDescriptor(descriptor)

	var id uuid.UUID
	err := db.QueryRow(ctx, `
		INSERT INTO devices (hostname, os, status, last_seen, created_at)
		VALUES ($1, $2, $3, now(), now())
		RETURNING id
	`, hostname, os, DeviceOnline).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating device: %w", err)
	}
	return id, nil
}

func splitDescriptor(descriptor string) (hostname, os string) {
	for i, c := range descriptor {
		if c == '/' {
			return descriptor[:i], descriptor[i+1:]
		}
	}
	return descriptor, "unknown"
}

// GetDevice returns a device by identifier, or nil if not found.
func (s *Store) GetDevice(ctx context.Context, id uuid.UUID) (*Device, error) {
	var d Device
	err := s.pool.QueryRow(ctx, `
		SELECT id, hostname, os, status, last_seen, owner_id, created_at
		FROM devices WHERE id = $1
	`, id).Scan(&d.ID, &d.Hostname, &d.OS, &d.Status, &d.LastSeen, &d.OwnerID, &d.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting device: %w", err)
	}
	return &d, nil
}

// TouchLastSeen bulk-updates last_seen for the given devices to at, flipping
// status back to online. Called by the ingestion API's sharded-cache flush
// and by the agent heartbeat handler.
func (s *Store) TouchLastSeen(ctx context.Context, deviceIDs []uuid.UUID, at time.Time) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE devices SET last_seen = $2, status = $3
		WHERE id = ANY($1)
	`, deviceIDs, at, DeviceOnline)
	if err != nil {
		return fmt.Errorf("touching last_seen: %w", err)
	}
	return nil
}

// ActiveDevices returns devices whose last_seen is within livenessWindow of
// now — the `active_devices(liveness_window)` query primitive from §4.B.
func (s *Store) ActiveDevices(ctx context.Context, livenessWindow time.Duration) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, os, status, last_seen, owner_id, created_at
		FROM devices
		WHERE last_seen >= now() - $1::interval
		ORDER BY hostname
	`, livenessWindow.String())
	if err != nil {
		return nil, fmt.Errorf("querying active devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Hostname, &d.OS, &d.Status, &d.LastSeen, &d.OwnerID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDevices returns every device in the registry, most recently seen
// first, for the dashboard's `GET /api/devices` listing.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, os, status, last_seen, owner_id, created_at
		FROM devices
		ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.Hostname, &d.OS, &d.Status, &d.LastSeen, &d.OwnerID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SweepOfflineDevices flips status to offline for every device whose
// last_seen has fallen outside livenessWindow. Run by the liveness sweep
// ticker in pkg/ingest.
func (s *Store) SweepOfflineDevices(ctx context.Context, livenessWindow time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE devices SET status = $2
		WHERE status = $3 AND last_seen < now() - $1::interval
	`, livenessWindow.String(), DeviceOffline, DeviceOnline)
	if err != nil {
		return 0, fmt.Errorf("sweeping offline devices: %w", err)
	}
	return tag.RowsAffected(), nil
}
