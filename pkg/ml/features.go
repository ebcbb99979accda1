package ml

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/store"
)

// FeatureNames is the fixed, ordered feature vector the scorer expects,
// per the spec's Appendix. A model reload validates this order against
// the artifact's own feature_names.
var FeatureNames = []string{
	"hour", "day_of_week", "is_weekend",
	"cpu_percent", "memory_percent", "disk_percent",
	"network_mb_sent", "network_mb_recv",
	"process_count", "max_process_cpu", "max_process_memory",
	"command_count", "sudo_count",
	"log_count", "error_count",
}

const featureWindow = time.Hour

// errorSeverityCeiling is the log severity threshold (<=) counted toward
// error_count, per the Appendix ("count of log records with severity <= 3").
const errorSeverityCeiling = 3

// FeatureStore is the narrow store surface feature extraction needs.
type FeatureStore interface {
	RecentLogs(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]store.LogRecord, error)
	RecentMetrics(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]store.MetricSample, error)
	RecentProcessRecords(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]store.ProcessRecord, error)
	RecentCommands(ctx context.Context, since, until time.Time, deviceID uuid.UUID, filter store.CommandFilter) ([]store.CommandRecord, error)
}

// ErrMissingFeature is returned when a device has too little telemetry in
// the window to build a mandatory feature, per §4.F step 2.
type ErrMissingFeature struct {
	Feature string
}

func (e *ErrMissingFeature) Error() string {
	return fmt.Sprintf("insufficient data for mandatory feature %q", e.Feature)
}

// ExtractFeatures builds the 15-dimensional feature vector for deviceID
// from the last hour of telemetry ending at now, per the Appendix's
// aggregation rules.
func ExtractFeatures(ctx context.Context, st FeatureStore, deviceID uuid.UUID, now time.Time) ([]float64, error) {
	since := now.Add(-featureWindow)

	logs, err := st.RecentLogs(ctx, since, now, deviceID)
	if err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	metrics, err := st.RecentMetrics(ctx, since, now, deviceID)
	if err != nil {
		return nil, fmt.Errorf("recent metrics: %w", err)
	}
	processes, err := st.RecentProcessRecords(ctx, since, now, deviceID)
	if err != nil {
		return nil, fmt.Errorf("recent processes: %w", err)
	}
	commands, err := st.RecentCommands(ctx, since, now, deviceID, store.CommandFilter{})
	if err != nil {
		return nil, fmt.Errorf("recent commands: %w", err)
	}

	if len(metrics) == 0 {
		return nil, &ErrMissingFeature{Feature: "cpu_percent"}
	}

	var cpuSum, memSum, diskSum float64
	var netSent, netRecv int64
	for _, m := range metrics {
		cpuSum += m.CPUPercent
		memSum += m.MemPercent
		diskSum += m.DiskPercent
		netSent += m.NetBytesSent
		netRecv += m.NetBytesRecv
	}
	n := float64(len(metrics))

	processCount := maxSnapshotProcessCount(processes)
	var maxCPU, maxMem float64
	for _, p := range processes {
		if p.CPUPercent > maxCPU {
			maxCPU = p.CPUPercent
		}
		if p.MemPercent > maxMem {
			maxMem = p.MemPercent
		}
	}

	var sudoCount int
	for _, c := range commands {
		if strings.HasPrefix(strings.TrimSpace(c.Text), "sudo ") {
			sudoCount++
		}
	}

	var errorCount int
	for _, l := range logs {
		if l.Severity <= errorSeverityCeiling {
			errorCount++
		}
	}

	v := []float64{
		float64(now.Hour()),
		float64(int(now.Weekday())),
		isWeekend(now.Weekday()),
		cpuSum / n,
		memSum / n,
		diskSum / n,
		float64(netSent) / (1024 * 1024),
		float64(netRecv) / (1024 * 1024),
		float64(processCount),
		maxCPU,
		maxMem,
		float64(len(commands)),
		float64(sudoCount),
		float64(len(logs)),
		float64(errorCount),
	}
	return v, nil
}

func isWeekend(d time.Weekday) float64 {
	if d == time.Saturday || d == time.Sunday {
		return 1
	}
	return 0
}

// maxSnapshotProcessCount returns the max distinct-PID count observed in
// any single collection snapshot in the window.
func maxSnapshotProcessCount(records []store.ProcessRecord) int {
	byTime := map[time.Time]map[int32]struct{}{}
	for _, p := range records {
		seen, ok := byTime[p.CollectedAt]
		if !ok {
			seen = map[int32]struct{}{}
			byTime[p.CollectedAt] = seen
		}
		seen[p.PID] = struct{}{}
	}
	max := 0
	for _, seen := range byTime {
		if len(seen) > max {
			max = len(seen)
		}
	}
	return max
}
