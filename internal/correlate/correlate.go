// Package correlate implements the fingerprint-dedup and incident-
// aggregation logic shared by §4.E's rule engine and §4.F's ML detector
// ("dedup and aggregation per §4.E apply uniformly" for ML alerts) so
// both producers go through one code path instead of two copies of the
// same bucket-grouping logic.
package correlate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fenwicksec/siem/internal/bus"
	"github.com/fenwicksec/siem/internal/store"
)

const incidentBucketWidth = 5 * time.Minute

var severityOrder = map[string]int{"low": 1, "medium": 2, "high": 3, "critical": 4}

// Store is the store surface the aggregator needs for dedup and incident
// bookkeeping.
type Store interface {
	FindAlertByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*store.Alert, error)
	CreateAlert(ctx context.Context, a store.Alert) (int64, error)
	FindIncidentByCorrelationKey(ctx context.Context, correlationKey string) (*store.Incident, error)
	CreateIncident(ctx context.Context, title, severity, correlationKey string, deviceIDs []uuid.UUID) (int64, error)
	AddDeviceToIncident(ctx context.Context, incidentID int64, deviceID uuid.UUID) error
	BumpSeverity(ctx context.Context, incidentID int64, severity string) error
	AssignIncident(ctx context.Context, alertID, incidentID int64) error
}

// Candidate is a would-be alert, pre-dedup, from either producer.
type Candidate struct {
	RuleName     string
	Severity     string
	DeviceID     uuid.UUID
	Details      map[string]any
	StableFields []string
	At           time.Time
}

// Emitted is a candidate that survived dedup and was persisted.
type Emitted struct {
	DeviceID uuid.UUID
	AlertID  int64
	RuleName string
	Severity string
	At       time.Time
}

// Aggregator computes fingerprints, deduplicates against an LRU front
// cache backed by the store, persists surviving alerts, and groups a
// tick's emitted alerts into incidents by correlation key.
type Aggregator struct {
	store         Store
	bus           *bus.Bus
	dedupWindow   time.Duration
	cache         *lru.Cache[string, time.Time]
	alertsRaised  *prometheus.CounterVec
	alertsDeduped prometheus.Counter
	logger        *slog.Logger
}

// New builds an Aggregator. alertsRaised/alertsDeduped may be nil in
// tests.
func New(st Store, b *bus.Bus, dedupWindow time.Duration, alertsRaised *prometheus.CounterVec, alertsDeduped prometheus.Counter, logger *slog.Logger) *Aggregator {
	cache, _ := lru.New[string, time.Time](4096)
	return &Aggregator{
		store:         st,
		bus:           b,
		dedupWindow:   dedupWindow,
		cache:         cache,
		alertsRaised:  alertsRaised,
		alertsDeduped: alertsDeduped,
		logger:        logger,
	}
}

// Fingerprint computes sha256(rule || device || stable_details), per the
// glossary definition.
func Fingerprint(ruleName string, deviceID uuid.UUID, details map[string]any, stableFields []string) string {
	h := sha256.New()
	h.Write([]byte(ruleName))
	h.Write([]byte(deviceID.String()))
	for _, key := range stableFields {
		fmt.Fprintf(h, "|%s=%v", key, details[key])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TryEmit deduplicates and persists a candidate. It returns nil, nil if
// the candidate was suppressed as a duplicate.
func (a *Aggregator) TryEmit(ctx context.Context, cand Candidate) (*Emitted, error) {
	fp := Fingerprint(cand.RuleName, cand.DeviceID, cand.Details, cand.StableFields)

	if a.isDuplicate(ctx, fp) {
		if a.alertsDeduped != nil {
			a.alertsDeduped.Inc()
		}
		return nil, nil
	}

	details, err := json.Marshal(cand.Details)
	if err != nil {
		return nil, fmt.Errorf("marshaling alert details: %w", err)
	}

	deviceID := cand.DeviceID
	id, err := a.store.CreateAlert(ctx, store.Alert{
		RuleName:    cand.RuleName,
		Severity:    cand.Severity,
		DeviceID:    &deviceID,
		Details:     details,
		Fingerprint: fp,
	})
	if err != nil {
		return nil, fmt.Errorf("creating alert: %w", err)
	}
	a.recordFingerprint(fp, cand.At)
	if a.alertsRaised != nil {
		a.alertsRaised.WithLabelValues(cand.RuleName).Inc()
	}

	return &Emitted{DeviceID: cand.DeviceID, AlertID: id, RuleName: cand.RuleName, Severity: cand.Severity, At: cand.At}, nil
}

func (a *Aggregator) isDuplicate(ctx context.Context, fp string) bool {
	since := time.Now().Add(-a.dedupWindow)

	if a.cache != nil {
		if last, ok := a.cache.Get(fp); ok && last.After(since) {
			return true
		}
	}

	existing, err := a.store.FindAlertByFingerprint(ctx, fp, since)
	if err != nil {
		a.logger.Error("fingerprint lookup failed", "error", err)
		return false
	}
	if existing == nil {
		return false
	}
	a.recordFingerprint(fp, existing.CreatedAt)
	return true
}

func (a *Aggregator) recordFingerprint(fp string, at time.Time) {
	if a.cache != nil {
		a.cache.Add(fp, at)
	}
}

// Aggregate groups a tick's emitted alerts into incidents by correlation
// key (device_id, floor(timestamp / 5min)), per §4.E step 4, and
// publishes bus events for each alert and incident touched.
func (a *Aggregator) Aggregate(ctx context.Context, emitted []Emitted) error {
	if len(emitted) == 0 {
		return nil
	}

	type bucketKey struct {
		deviceID uuid.UUID
		bucket   int64
	}
	groups := map[bucketKey][]Emitted{}
	for _, e := range emitted {
		b := bucketKey{deviceID: e.DeviceID, bucket: e.At.Unix() / int64(incidentBucketWidth.Seconds())}
		groups[b] = append(groups[b], e)
	}

	for key, members := range groups {
		sort.Slice(members, func(i, j int) bool { return members[i].At.Before(members[j].At) })

		correlationKey := fmt.Sprintf("%s:%d", key.deviceID, key.bucket)
		maxSeverity := members[0].Severity
		for _, m := range members {
			if severityOrder[m.Severity] > severityOrder[maxSeverity] {
				maxSeverity = m.Severity
			}
		}

		existing, err := a.store.FindIncidentByCorrelationKey(ctx, correlationKey)
		if err != nil {
			a.logger.Error("finding incident", "correlation_key", correlationKey, "error", err)
			continue
		}

		var incidentID int64
		if existing != nil {
			incidentID = existing.ID
			if severityOrder[maxSeverity] > severityOrder[existing.Severity] {
				if err := a.store.BumpSeverity(ctx, incidentID, maxSeverity); err != nil {
					a.logger.Error("bumping incident severity", "incident_id", incidentID, "error", err)
				}
			}
			if err := a.store.AddDeviceToIncident(ctx, incidentID, key.deviceID); err != nil {
				a.logger.Error("adding device to incident", "incident_id", incidentID, "error", err)
			}
		} else {
			title := members[0].RuleName
			id, err := a.store.CreateIncident(ctx, title, maxSeverity, correlationKey, []uuid.UUID{key.deviceID})
			if err != nil {
				a.logger.Error("creating incident", "correlation_key", correlationKey, "error", err)
				continue
			}
			incidentID = id
		}

		for _, m := range members {
			if err := a.store.AssignIncident(ctx, m.AlertID, incidentID); err != nil {
				a.logger.Error("assigning alert to incident", "alert_id", m.AlertID, "error", err)
			}
			a.bus.Publish(bus.Event{
				Type: bus.EventNewAlert,
				Payload: map[string]any{
					"alert_id":    m.AlertID,
					"rule_name":   m.RuleName,
					"severity":    m.Severity,
					"device_id":   m.DeviceID,
					"incident_id": incidentID,
				},
			})
		}
		a.bus.Publish(bus.Event{
			Type: bus.EventNewIncident,
			Payload: map[string]any{
				"incident_id":     incidentID,
				"correlation_key": correlationKey,
				"severity":        maxSeverity,
			},
		})
	}
	return nil
}
