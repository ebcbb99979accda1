package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CommandRecord is a single shell-history line attributed to a device.
type CommandRecord struct {
	DeviceID  uuid.UUID
	Timestamp time.Time
	Text      string
	User      string
	Shell     string
	Source    string
	WorkDir   string
	ExitCode  *int32
}

// InsertCommandBatch appends a batch of shell command records atomically.
func (s *Store) InsertCommandBatch(ctx context.Context, records []CommandRecord) error {
	return insertCommandBatch(ctx, s.pool, records)
}

func insertCommandBatch(ctx context.Context, c copier, records []CommandRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([][]any, len(records))
	for i, rec := range records {
		rows[i] = []any{rec.DeviceID, rec.Timestamp, rec.Text, rec.User, rec.Shell, rec.Source, rec.WorkDir, rec.ExitCode}
	}

	_, err := c.CopyFrom(ctx,
		pgx.Identifier{"commands"},
		[]string{"device_id", "timestamp", "text", "os_user", "shell", "source", "work_dir", "exit_code"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("inserting command batch: %w", err)
	}
	return nil
}

// CommandFilter narrows `recent_commands` by text pattern and user.
type CommandFilter struct {
	TextPrefix    string
	TextSubstring string
	User          string
}

// RecentCommands implements `recent_commands(since, until, device)` with
// filters on text pattern (prefix, substring) and user.
func (s *Store) RecentCommands(ctx context.Context, since, until time.Time, deviceID uuid.UUID, filter CommandFilter) ([]CommandRecord, error) {
	query := `
		SELECT device_id, timestamp, text, os_user, shell, source, work_dir, exit_code
		FROM commands
		WHERE device_id = $1 AND timestamp >= $2 AND timestamp < $3
	`
	args := []any{deviceID, since, until}

	if filter.TextPrefix != "" {
		args = append(args, filter.TextPrefix+"%")
		query += fmt.Sprintf(" AND text LIKE $%d", len(args))
	}
	if filter.TextSubstring != "" {
		args = append(args, "%"+filter.TextSubstring+"%")
		query += fmt.Sprintf(" AND text LIKE $%d", len(args))
	}
	if filter.User != "" {
		args = append(args, filter.User)
		query += fmt.Sprintf(" AND os_user = $%d", len(args))
	}
	query += " ORDER BY timestamp DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent commands: %w", err)
	}
	defer rows.Close()

	var out []CommandRecord
	for rows.Next() {
		var c CommandRecord
		if err := rows.Scan(&c.DeviceID, &c.Timestamp, &c.Text, &c.User, &c.Shell, &c.Source, &c.WorkDir, &c.ExitCode); err != nil {
			return nil, fmt.Errorf("scanning command record: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
