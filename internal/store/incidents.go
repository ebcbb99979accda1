package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Incident statuses per the spec's Incident entity.
const (
	IncidentOpen         = "open"
	IncidentAcknowledged = "acknowledged"
	IncidentResolved     = "resolved"
)

// Incident is a correlation-key grouping of related alerts.
type Incident struct {
	ID                int64
	Title             string
	Severity          string
	Status            string
	CorrelationKey    string
	AffectedDeviceIDs []uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FindIncidentByCorrelationKey returns the open incident matching key, if
// any, so (E)'s aggregator can attach a new alert to it instead of creating
// a duplicate.
func (s *Store) FindIncidentByCorrelationKey(ctx context.Context, correlationKey string) (*Incident, error) {
	var inc Incident
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, severity, status, correlation_key, affected_devices, created_at, updated_at
		FROM incidents WHERE correlation_key = $1 AND status != $2
		ORDER BY created_at DESC LIMIT 1
	`, correlationKey, IncidentResolved).Scan(&inc.ID, &inc.Title, &inc.Severity, &inc.Status, &inc.CorrelationKey, &inc.AffectedDeviceIDs, &inc.CreatedAt, &inc.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding incident by correlation key: %w", err)
	}
	return &inc, nil
}

// CreateIncident inserts a new incident.
func (s *Store) CreateIncident(ctx context.Context, title, severity, correlationKey string, deviceIDs []uuid.UUID) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO incidents (title, severity, status, correlation_key, affected_devices, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING id
	`, title, severity, IncidentOpen, correlationKey, deviceIDs).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating incident: %w", err)
	}
	return id, nil
}

// AddDeviceToIncident appends a device to the affected-device list if not
// already present, and bumps updated_at. Severity is re-derived by the
// caller as max(member-alert severities) and written via BumpSeverity.
func (s *Store) AddDeviceToIncident(ctx context.Context, incidentID int64, deviceID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE incidents
		SET affected_devices = array_append(affected_devices, $2), updated_at = now()
		WHERE id = $1 AND NOT ($2 = ANY(affected_devices))
	`, incidentID, deviceID)
	if err != nil {
		return fmt.Errorf("adding device to incident: %w", err)
	}
	return nil
}

// BumpSeverity raises an incident's severity to the max of its current
// value and the given severity, satisfying the invariant that incident
// severity equals the max of member-alert severities.
func (s *Store) BumpSeverity(ctx context.Context, incidentID int64, severity string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE incidents SET severity = $2, updated_at = now()
		WHERE id = $1 AND severity_rank($2) > severity_rank(severity)
	`, incidentID, severity)
	if err != nil {
		return fmt.Errorf("bumping incident severity: %w", err)
	}
	return nil
}

// ListIncidents returns incidents ordered by most recently updated.
func (s *Store) ListIncidents(ctx context.Context, status string, limit int) ([]Incident, error) {
	query := `SELECT id, title, severity, status, correlation_key, affected_devices, created_at, updated_at FROM incidents`
	args := []any{}
	if status != "" {
		args = append(args, status)
		query += " WHERE status = $1"
	}
	query += " ORDER BY updated_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		if err := rows.Scan(&inc.ID, &inc.Title, &inc.Severity, &inc.Status, &inc.CorrelationKey, &inc.AffectedDeviceIDs, &inc.CreatedAt, &inc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}
