package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// MetricSample is one columnar row. The nested {cpu, memory, disk, network}
// JSON shape is assembled from these flat columns by ToJSON, not stored as
// JSON — see DESIGN.md.
type MetricSample struct {
	DeviceID       uuid.UUID
	Timestamp      time.Time
	CPUPercent     float64
	CPUPerCore     []float64
	LoadAvg1       float64
	LoadAvg5       float64
	LoadAvg15      float64
	MemPercent     float64
	MemUsedBytes   int64
	MemTotalBytes  int64
	DiskPercent    float64
	DiskFreeBytes  int64
	DiskTotalBytes int64
	NetBytesSent   int64
	NetBytesRecv   int64
}

// InsertMetricBatch appends a batch of metric samples atomically.
func (s *Store) InsertMetricBatch(ctx context.Context, samples []MetricSample) error {
	return insertMetricBatch(ctx, s.pool, samples)
}

func insertMetricBatch(ctx context.Context, c copier, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	rows := make([][]any, len(samples))
	for i, m := range samples {
		rows[i] = []any{
			m.DeviceID, m.Timestamp,
			m.CPUPercent, m.CPUPerCore, m.LoadAvg1, m.LoadAvg5, m.LoadAvg15,
			m.MemPercent, m.MemUsedBytes, m.MemTotalBytes,
			m.DiskPercent, m.DiskFreeBytes, m.DiskTotalBytes,
			m.NetBytesSent, m.NetBytesRecv,
		}
	}

	_, err := c.CopyFrom(ctx,
		pgx.Identifier{"metrics"},
		[]string{
			"device_id", "timestamp",
			"cpu_percent", "cpu_per_core", "load_avg_1", "load_avg_5", "load_avg_15",
			"mem_percent", "mem_used_bytes", "mem_total_bytes",
			"disk_percent", "disk_free_bytes", "disk_total_bytes",
			"net_bytes_sent", "net_bytes_recv",
		},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("inserting metric batch: %w", err)
	}
	return nil
}

// RecentMetrics implements `recent_metrics(since, until, [device])`.
func (s *Store) RecentMetrics(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]MetricSample, error) {
	var rows pgx.Rows
	var err error
	const cols = `device_id, timestamp, cpu_percent, cpu_per_core, load_avg_1, load_avg_5, load_avg_15,
		mem_percent, mem_used_bytes, mem_total_bytes, disk_percent, disk_free_bytes, disk_total_bytes,
		net_bytes_sent, net_bytes_recv`

	if deviceID == uuid.Nil {
		rows, err = s.pool.Query(ctx, `SELECT `+cols+` FROM metrics
			WHERE timestamp >= $1 AND timestamp < $2 ORDER BY device_id, timestamp DESC`, since, until)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+cols+` FROM metrics
			WHERE device_id = $3 AND timestamp >= $1 AND timestamp < $2 ORDER BY timestamp DESC`, since, until, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying recent metrics: %w", err)
	}
	defer rows.Close()

	var out []MetricSample
	for rows.Next() {
		var m MetricSample
		if err := rows.Scan(
			&m.DeviceID, &m.Timestamp,
			&m.CPUPercent, &m.CPUPerCore, &m.LoadAvg1, &m.LoadAvg5, &m.LoadAvg15,
			&m.MemPercent, &m.MemUsedBytes, &m.MemTotalBytes,
			&m.DiskPercent, &m.DiskFreeBytes, &m.DiskTotalBytes,
			&m.NetBytesSent, &m.NetBytesRecv,
		); err != nil {
			return nil, fmt.Errorf("scanning metric sample: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MetricJSON is the nested wire shape assembled at the HTTP boundary.
type MetricJSON struct {
	DeviceID  uuid.UUID `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	CPU       struct {
		Percent  float64   `json:"cpu_percent"`
		PerCore  []float64 `json:"per_core"`
		LoadAvg1 float64   `json:"load_avg_1"`
		LoadAvg5 float64   `json:"load_avg_5"`
	} `json:"cpu"`
	Memory struct {
		Percent    float64 `json:"memory_percent"`
		UsedBytes  int64   `json:"used_bytes"`
		TotalBytes int64   `json:"total_bytes"`
	} `json:"memory"`
	Disk struct {
		Percent    float64 `json:"disk_percent"`
		FreeBytes  int64   `json:"free_bytes"`
		TotalBytes int64   `json:"total_bytes"`
	} `json:"disk"`
	Network struct {
		BytesSent int64 `json:"bytes_sent"`
		BytesRecv int64 `json:"bytes_recv"`
	} `json:"network"`
}

// ToJSON assembles the nested response shape from the flat columnar row.
func (m MetricSample) ToJSON() MetricJSON {
	var out MetricJSON
	out.DeviceID = m.DeviceID
	out.Timestamp = m.Timestamp
	out.CPU.Percent = m.CPUPercent
	out.CPU.PerCore = m.CPUPerCore
	out.CPU.LoadAvg1 = m.LoadAvg1
	out.CPU.LoadAvg5 = m.LoadAvg5
	out.Memory.Percent = m.MemPercent
	out.Memory.UsedBytes = m.MemUsedBytes
	out.Memory.TotalBytes = m.MemTotalBytes
	out.Disk.Percent = m.DiskPercent
	out.Disk.FreeBytes = m.DiskFreeBytes
	out.Disk.TotalBytes = m.DiskTotalBytes
	out.Network.BytesSent = m.NetBytesSent
	out.Network.BytesRecv = m.NetBytesRecv
	return out
}
