package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LogRecord is a single syslog-style log line attributed to a device.
type LogRecord struct {
	DeviceID    uuid.UUID
	Timestamp   time.Time
	Hostname    string
	Severity    int16 // 0-7
	Facility    string
	ProcessName *string
	Message     string
	RawSource   string
}

// InsertLogBatch appends a batch of log records atomically, using a
// multi-row prepared statement via pgx's CopyFrom for the ingestion hot
// path.
func (s *Store) InsertLogBatch(ctx context.Context, records []LogRecord) error {
	return insertLogBatch(ctx, s.pool, records)
}

func insertLogBatch(ctx context.Context, c copier, records []LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = []any{r.DeviceID, r.Timestamp, r.Hostname, r.Severity, r.Facility, r.ProcessName, r.Message, r.RawSource}
	}

	_, err := c.CopyFrom(ctx,
		pgx.Identifier{"logs"},
		[]string{"device_id", "timestamp", "hostname", "severity", "facility", "process_name", "message", "raw_source"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("inserting log batch: %w", err)
	}
	return nil
}

// RecentLogs implements the `recent_logs(since, until, [device])` query
// primitive. deviceID may be uuid.Nil to span all devices.
func (s *Store) RecentLogs(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]LogRecord, error) {
	var rows pgx.Rows
	var err error
	if deviceID == uuid.Nil {
		rows, err = s.pool.Query(ctx, `
			SELECT device_id, timestamp, hostname, severity, facility, process_name, message, raw_source
			FROM logs WHERE timestamp >= $1 AND timestamp < $2
			ORDER BY device_id, timestamp DESC
		`, since, until)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT device_id, timestamp, hostname, severity, facility, process_name, message, raw_source
			FROM logs WHERE device_id = $3 AND timestamp >= $1 AND timestamp < $2
			ORDER BY timestamp DESC
		`, since, until, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying recent logs: %w", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var r LogRecord
		if err := rows.Scan(&r.DeviceID, &r.Timestamp, &r.Hostname, &r.Severity, &r.Facility, &r.ProcessName, &r.Message, &r.RawSource); err != nil {
			return nil, fmt.Errorf("scanning log record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
