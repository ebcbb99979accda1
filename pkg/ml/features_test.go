package ml

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/store"
)

type fakeFeatureStore struct {
	logs      []store.LogRecord
	metrics   []store.MetricSample
	processes []store.ProcessRecord
	commands  []store.CommandRecord
}

func (f *fakeFeatureStore) RecentLogs(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]store.LogRecord, error) {
	return f.logs, nil
}
func (f *fakeFeatureStore) RecentMetrics(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]store.MetricSample, error) {
	return f.metrics, nil
}
func (f *fakeFeatureStore) RecentProcessRecords(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]store.ProcessRecord, error) {
	return f.processes, nil
}
func (f *fakeFeatureStore) RecentCommands(ctx context.Context, since, until time.Time, deviceID uuid.UUID, filter store.CommandFilter) ([]store.CommandRecord, error) {
	return f.commands, nil
}

func TestExtractFeatures_MissingMetrics(t *testing.T) {
	fs := &fakeFeatureStore{}
	_, err := ExtractFeatures(context.Background(), fs, uuid.New(), time.Now())
	if err == nil {
		t.Fatal("expected ErrMissingFeature for a device with no metrics in window")
	}
	if _, ok := err.(*ErrMissingFeature); !ok {
		t.Fatalf("expected *ErrMissingFeature, got %T", err)
	}
}

func TestExtractFeatures_LogFloodScenario(t *testing.T) {
	now := time.Now()
	fs := &fakeFeatureStore{
		metrics: []store.MetricSample{{Timestamp: now, CPUPercent: 10, MemPercent: 20, DiskPercent: 30}},
	}
	baseline := 240
	flood := 3658
	for i := 0; i < flood; i++ {
		fs.logs = append(fs.logs, store.LogRecord{Timestamp: now, Severity: 6, Message: "burst"})
	}

	v, err := ExtractFeatures(context.Background(), fs, uuid.New(), now)
	if err != nil {
		t.Fatalf("ExtractFeatures error: %v", err)
	}

	idx := indexOf("log_count")
	if int(v[idx]) != flood {
		t.Errorf("log_count = %v, want %d", v[idx], flood)
	}
	if int(v[idx]) <= baseline*10 {
		t.Errorf("flood log_count (%v) should be far above baseline (%d)", v[idx], baseline)
	}
}

func indexOf(name string) int {
	for i, n := range FeatureNames {
		if n == name {
			return i
		}
	}
	return -1
}
