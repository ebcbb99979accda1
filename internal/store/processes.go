package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProcessRecord is a single per-process row within a device snapshot.
type ProcessRecord struct {
	DeviceID      uuid.UUID
	CollectedAt   time.Time
	PID           int32
	PPID          int32
	Name          string
	ExePath       string
	Cmdline       string
	User          string
	Status        string
	CreateTime    time.Time
	CPUPercent    float64
	MemPercent    float64
	RSSBytes      int64
	VMSBytes      int64
	NumThreads    int32
	NumFDs        int32
	NumConnection int32
}

// InsertProcessBatch appends a device's process snapshot atomically.
func (s *Store) InsertProcessBatch(ctx context.Context, records []ProcessRecord) error {
	return insertProcessBatch(ctx, s.pool, records)
}

func insertProcessBatch(ctx context.Context, c copier, records []ProcessRecord) error {
	if len(records) == 0 {
		return nil
	}

	rows := make([][]any, len(records))
	for i, p := range records {
		rows[i] = []any{
			p.DeviceID, p.CollectedAt, p.PID, p.PPID, p.Name, p.ExePath, p.Cmdline, p.User, p.Status,
			p.CreateTime, p.CPUPercent, p.MemPercent, p.RSSBytes, p.VMSBytes, p.NumThreads, p.NumFDs, p.NumConnection,
		}
	}

	_, err := c.CopyFrom(ctx,
		pgx.Identifier{"processes"},
		[]string{
			"device_id", "collected_at", "pid", "ppid", "name", "exe_path", "cmdline", "os_user", "status",
			"create_time", "cpu_percent", "mem_percent", "rss_bytes", "vms_bytes", "num_threads", "num_fds", "num_connections",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("inserting process batch: %w", err)
	}
	return nil
}

// ProcessAggregate is the snapshot-aggregated result of `recent_processes`:
// max CPU, max memory, sample count, and distinct process-name count.
type ProcessAggregate struct {
	DeviceID    uuid.UUID
	MaxCPU      float64
	MaxMem      float64
	SampleCount int64
	UniqueNames int64
}

// RecentProcesses implements `recent_processes(since, until, device)`,
// returning snapshot-aggregated fields as required by §4.B.
func (s *Store) RecentProcesses(ctx context.Context, since, until time.Time, deviceID uuid.UUID) (ProcessAggregate, error) {
	var agg ProcessAggregate
	agg.DeviceID = deviceID
	err := s.pool.QueryRow(ctx, `
		SELECT
			coalesce(max(cpu_percent), 0),
			coalesce(max(mem_percent), 0),
			count(*),
			count(DISTINCT name)
		FROM processes
		WHERE device_id = $1 AND collected_at >= $2 AND collected_at < $3
	`, deviceID, since, until).Scan(&agg.MaxCPU, &agg.MaxMem, &agg.SampleCount, &agg.UniqueNames)
	if err != nil {
		return ProcessAggregate{}, fmt.Errorf("aggregating recent processes: %w", err)
	}
	return agg, nil
}

// RecentProcessRecords returns the raw per-process rows for the window,
// used by the ML feature extractor's process-churn features.
func (s *Store) RecentProcessRecords(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]ProcessRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT device_id, collected_at, pid, ppid, name, exe_path, cmdline, os_user, status,
			create_time, cpu_percent, mem_percent, rss_bytes, vms_bytes, num_threads, num_fds, num_connections
		FROM processes
		WHERE device_id = $1 AND collected_at >= $2 AND collected_at < $3
		ORDER BY collected_at DESC
	`, deviceID, since, until)
	if err != nil {
		return nil, fmt.Errorf("querying recent process records: %w", err)
	}
	defer rows.Close()

	var out []ProcessRecord
	for rows.Next() {
		var p ProcessRecord
		if err := rows.Scan(
			&p.DeviceID, &p.CollectedAt, &p.PID, &p.PPID, &p.Name, &p.ExePath, &p.Cmdline, &p.User, &p.Status,
			&p.CreateTime, &p.CPUPercent, &p.MemPercent, &p.RSSBytes, &p.VMSBytes, &p.NumThreads, &p.NumFDs, &p.NumConnection,
		); err != nil {
			return nil, fmt.Errorf("scanning process record: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
