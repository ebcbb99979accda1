package correlate

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/bus"
	"github.com/fenwicksec/siem/internal/store"
)

type fakeStore struct {
	alerts       []store.Alert
	nextAlertID  int64
	incidents    []store.Incident
	nextIncident int64
}

func (f *fakeStore) FindAlertByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*store.Alert, error) {
	for i := len(f.alerts) - 1; i >= 0; i-- {
		a := f.alerts[i]
		if a.Fingerprint == fingerprint && !a.CreatedAt.Before(since) {
			return &a, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateAlert(ctx context.Context, a store.Alert) (int64, error) {
	f.nextAlertID++
	a.ID = f.nextAlertID
	a.CreatedAt = time.Now()
	f.alerts = append(f.alerts, a)
	return a.ID, nil
}

func (f *fakeStore) FindIncidentByCorrelationKey(ctx context.Context, key string) (*store.Incident, error) {
	for i := range f.incidents {
		if f.incidents[i].CorrelationKey == key && f.incidents[i].Status != store.IncidentResolved {
			return &f.incidents[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CreateIncident(ctx context.Context, title, severity, key string, deviceIDs []uuid.UUID) (int64, error) {
	f.nextIncident++
	f.incidents = append(f.incidents, store.Incident{
		ID: f.nextIncident, Title: title, Severity: severity, Status: store.IncidentOpen,
		CorrelationKey: key, AffectedDeviceIDs: deviceIDs,
	})
	return f.nextIncident, nil
}

func (f *fakeStore) AddDeviceToIncident(ctx context.Context, incidentID int64, deviceID uuid.UUID) error {
	return nil
}

func (f *fakeStore) BumpSeverity(ctx context.Context, incidentID int64, severity string) error {
	for i := range f.incidents {
		if f.incidents[i].ID == incidentID {
			f.incidents[i].Severity = severity
		}
	}
	return nil
}

func (f *fakeStore) AssignIncident(ctx context.Context, alertID, incidentID int64) error {
	for i := range f.alerts {
		if f.alerts[i].ID == alertID {
			id := incidentID
			f.alerts[i].IncidentID = &id
		}
	}
	return nil
}

func newAggregator(fs *fakeStore, dedupWindow time.Duration) *Aggregator {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(fs, bus.New(logger, nil, 0), dedupWindow, nil, nil, logger)
}

func TestFingerprint_DeterministicAndSensitiveToStableFields(t *testing.T) {
	deviceID := uuid.New()
	details := map[string]any{"user": "admin"}

	fp1 := Fingerprint("brute_force", deviceID, details, []string{"user"})
	fp2 := Fingerprint("brute_force", deviceID, details, []string{"user"})
	if fp1 != fp2 {
		t.Error("fingerprint should be deterministic for identical inputs")
	}

	other := map[string]any{"user": "root"}
	if fp1 == Fingerprint("brute_force", deviceID, other, []string{"user"}) {
		t.Error("different stable field values should produce different fingerprints")
	}

	otherDevice := uuid.New()
	if fp1 == Fingerprint("brute_force", otherDevice, details, []string{"user"}) {
		t.Error("different device should produce different fingerprint")
	}
}

func TestTryEmit_DedupSuppressesWithinWindow(t *testing.T) {
	fs := &fakeStore{}
	agg := newAggregator(fs, 5*time.Minute)
	ctx := context.Background()
	deviceID := uuid.New()

	cand := Candidate{
		RuleName: "brute_force", Severity: "medium", DeviceID: deviceID,
		Details: map[string]any{"user": "admin"}, StableFields: []string{"user"}, At: time.Now(),
	}

	e1, err := agg.TryEmit(ctx, cand)
	if err != nil {
		t.Fatalf("first TryEmit error: %v", err)
	}
	if e1 == nil {
		t.Fatal("expected first candidate to be emitted")
	}

	e2, err := agg.TryEmit(ctx, cand)
	if err != nil {
		t.Fatalf("second TryEmit error: %v", err)
	}
	if e2 != nil {
		t.Error("expected duplicate candidate to be suppressed")
	}
	if len(fs.alerts) != 1 {
		t.Errorf("expected exactly 1 persisted alert, got %d", len(fs.alerts))
	}
}

func TestTryEmit_DifferentDetailsNotDeduped(t *testing.T) {
	fs := &fakeStore{}
	agg := newAggregator(fs, 5*time.Minute)
	ctx := context.Background()
	deviceID := uuid.New()

	admin := Candidate{
		RuleName: "brute_force", Severity: "medium", DeviceID: deviceID,
		Details: map[string]any{"user": "admin"}, StableFields: []string{"user"}, At: time.Now(),
	}
	root := admin
	root.Details = map[string]any{"user": "root"}

	if _, err := agg.TryEmit(ctx, admin); err != nil {
		t.Fatalf("admin TryEmit error: %v", err)
	}
	if _, err := agg.TryEmit(ctx, root); err != nil {
		t.Fatalf("root TryEmit error: %v", err)
	}
	if len(fs.alerts) != 2 {
		t.Errorf("expected 2 distinct alerts for distinct users, got %d", len(fs.alerts))
	}
}

func TestAggregate_GroupsSameDeviceAndBucketIntoOneIncident(t *testing.T) {
	fs := &fakeStore{}
	agg := newAggregator(fs, 5*time.Minute)
	ctx := context.Background()
	deviceID := uuid.New()
	now := time.Now()

	emitted := []Emitted{
		{DeviceID: deviceID, AlertID: 1, RuleName: "fork_bomb", Severity: "high", At: now},
		{DeviceID: deviceID, AlertID: 2, RuleName: "process_explosion", Severity: "critical", At: now.Add(30 * time.Second)},
	}
	// seed alerts so Assign calls find something to update.
	fs.alerts = []store.Alert{{ID: 1}, {ID: 2}}

	if err := agg.Aggregate(ctx, emitted); err != nil {
		t.Fatalf("Aggregate error: %v", err)
	}
	if len(fs.incidents) != 1 {
		t.Fatalf("expected 1 incident grouping both alerts, got %d", len(fs.incidents))
	}
	if fs.incidents[0].Severity != "critical" {
		t.Errorf("incident severity = %q, want critical (max of members)", fs.incidents[0].Severity)
	}
	if fs.incidents[0].Title != "fork_bomb" {
		t.Errorf("incident title = %q, want fork_bomb (first member)", fs.incidents[0].Title)
	}
}

func TestAggregate_BumpsSeverityOnExistingIncident(t *testing.T) {
	fs := &fakeStore{
		incidents: []store.Incident{{ID: 1, Title: "x", Severity: "low", Status: store.IncidentOpen, CorrelationKey: "k"}},
	}
	agg := newAggregator(fs, 5*time.Minute)
	ctx := context.Background()
	deviceID := uuid.New()
	now := time.Now()
	bucket := now.Unix() / int64(incidentBucketWidth.Seconds())
	fs.incidents[0].CorrelationKey = deviceID.String() + ":" + strconv.FormatInt(bucket, 10)
	fs.alerts = []store.Alert{{ID: 1}}

	emitted := []Emitted{{DeviceID: deviceID, AlertID: 1, RuleName: "high_cpu", Severity: "high", At: now}}
	if err := agg.Aggregate(ctx, emitted); err != nil {
		t.Fatalf("Aggregate error: %v", err)
	}
	if len(fs.incidents) != 1 {
		t.Fatalf("expected the existing incident to be reused, got %d incidents", len(fs.incidents))
	}
	if fs.incidents[0].Severity != "high" {
		t.Errorf("incident severity = %q, want bumped to high", fs.incidents[0].Severity)
	}
}
