package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Alert severities and assignment statuses, per the spec's Alert entity.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"

	AlertUnassigned = "unassigned"
	AlertAssigned   = "assigned"
	AlertResolved   = "resolved"
	AlertEscalated  = "escalated"
)

// Alert is an alert row. Details is the rule- or detector-specific payload,
// stored and returned as a JSON blob (the "open bag, closed per producer"
// convention the teacher uses for alert.Labels/Annotations).
type Alert struct {
	ID              int64
	RuleName        string
	Severity        string
	DeviceID        *uuid.UUID
	Details         json.RawMessage
	CreatedAt       time.Time
	Status          string
	Assignee        *uuid.UUID
	ResolutionNotes *string
	ResolvedAt      *time.Time
	IncidentID      *int64
	Fingerprint     string
}

// CreateAlert inserts a new alert. Fingerprint uniqueness (deduplication) is
// enforced by the caller (pkg/rules, pkg/ml) before calling this, matching
// the spec's "duplicate suppression is the rule engine's responsibility"
// framing — the store itself does not silently drop rows.
func (s *Store) CreateAlert(ctx context.Context, a Alert) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alerts (rule_name, severity, device_id, details, created_at, status, fingerprint)
		VALUES ($1, $2, $3, $4, now(), $5, $6)
		RETURNING id
	`, a.RuleName, a.Severity, a.DeviceID, ensureJSON(a.Details), AlertUnassigned, a.Fingerprint).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("creating alert: %w", err)
	}
	return id, nil
}

// RecentAlerts implements `recent_alerts(since, until, [device], [rule_name])`
// — used for dedup and incident aggregation.
func (s *Store) RecentAlerts(ctx context.Context, since, until time.Time, deviceID uuid.UUID, ruleName string) ([]Alert, error) {
	query := `
		SELECT id, rule_name, severity, device_id, details, created_at, status, assignee, resolution_notes, resolved_at, incident_id, fingerprint
		FROM alerts WHERE created_at >= $1 AND created_at < $2
	`
	args := []any{since, until}
	if deviceID != uuid.Nil {
		args = append(args, deviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if ruleName != "" {
		args = append(args, ruleName)
		query += fmt.Sprintf(" AND rule_name = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.RuleName, &a.Severity, &a.DeviceID, &a.Details, &a.CreatedAt, &a.Status, &a.Assignee, &a.ResolutionNotes, &a.ResolvedAt, &a.IncidentID, &a.Fingerprint); err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAlerts returns a page of alerts, most recent first, optionally
// filtered by status and/or severity, plus the total matching row count —
// backs `GET /api/alerts` (§6).
func (s *Store) ListAlerts(ctx context.Context, status, severity string, limit, offset int) ([]Alert, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	if status != "" {
		args = append(args, status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if severity != "" {
		args = append(args, severity)
		where += fmt.Sprintf(" AND severity = $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM alerts "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting alerts: %w", err)
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT id, rule_name, severity, device_id, details, created_at, status, assignee, resolution_notes, resolved_at, incident_id, fingerprint
		FROM alerts %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.RuleName, &a.Severity, &a.DeviceID, &a.Details, &a.CreatedAt, &a.Status, &a.Assignee, &a.ResolutionNotes, &a.ResolvedAt, &a.IncidentID, &a.Fingerprint); err != nil {
			return nil, 0, fmt.Errorf("scanning alert: %w", err)
		}
		out = append(out, a)
	}
	return out, total, rows.Err()
}

// GetAlert returns a single alert by ID, or nil if not found.
func (s *Store) GetAlert(ctx context.Context, id int64) (*Alert, error) {
	var a Alert
	err := s.pool.QueryRow(ctx, `
		SELECT id, rule_name, severity, device_id, details, created_at, status, assignee, resolution_notes, resolved_at, incident_id, fingerprint
		FROM alerts WHERE id = $1
	`, id).Scan(&a.ID, &a.RuleName, &a.Severity, &a.DeviceID, &a.Details, &a.CreatedAt, &a.Status, &a.Assignee, &a.ResolutionNotes, &a.ResolvedAt, &a.IncidentID, &a.Fingerprint)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting alert: %w", err)
	}
	return &a, nil
}

// FindAlertByFingerprint looks up an existing alert with the same
// fingerprint created after `since`, used by the dedup path when the
// in-memory LRU front cache has no entry for the fingerprint.
func (s *Store) FindAlertByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*Alert, error) {
	var a Alert
	err := s.pool.QueryRow(ctx, `
		SELECT id, rule_name, severity, device_id, details, created_at, status, assignee, resolution_notes, resolved_at, incident_id, fingerprint
		FROM alerts WHERE fingerprint = $1 AND created_at >= $2
		ORDER BY created_at DESC LIMIT 1
	`, fingerprint, since).Scan(&a.ID, &a.RuleName, &a.Severity, &a.DeviceID, &a.Details, &a.CreatedAt, &a.Status, &a.Assignee, &a.ResolutionNotes, &a.ResolvedAt, &a.IncidentID, &a.Fingerprint)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding alert by fingerprint: %w", err)
	}
	return &a, nil
}

// AssignIncident links an alert to an incident.
func (s *Store) AssignIncident(ctx context.Context, alertID, incidentID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE alerts SET incident_id = $2 WHERE id = $1`, alertID, incidentID)
	if err != nil {
		return fmt.Errorf("assigning alert to incident: %w", err)
	}
	return nil
}

// Acknowledge sets an alert's status to assigned.
func (s *Store) Acknowledge(ctx context.Context, alertID int64, assignee uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts SET status = $2, assignee = $3 WHERE id = $1
	`, alertID, AlertAssigned, assignee)
	if err != nil {
		return fmt.Errorf("acknowledging alert: %w", err)
	}
	return nil
}

// Resolve sets an alert's status to resolved with notes and a resolved-at
// timestamp, satisfying the invariant resolved implies resolved_at != null.
func (s *Store) Resolve(ctx context.Context, alertID int64, notes string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE alerts SET status = $2, resolution_notes = $3, resolved_at = now() WHERE id = $1
	`, alertID, AlertResolved, notes)
	if err != nil {
		return fmt.Errorf("resolving alert: %w", err)
	}
	return nil
}

// ensureJSON returns raw if it contains a valid JSON value, otherwise "{}".
func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`)
	}
	return raw
}
