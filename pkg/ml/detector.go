// Package ml implements the periodic ML anomaly detector of §4.F: a
// fixed-order 15-feature extractor, a pure-Go isolation-forest scorer,
// severity banding, and top-5 feature explainability, sharing the rule
// engine's dedup/aggregation path via internal/correlate.
package ml

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fenwicksec/siem/internal/bus"
	"github.com/fenwicksec/siem/internal/correlate"
	"github.com/fenwicksec/siem/internal/store"
)

// Store is the store surface the detector needs.
type Store interface {
	FeatureStore
	ActiveDevices(ctx context.Context, livenessWindow time.Duration) ([]store.Device, error)
}

// Thresholds selects the severity bands of §4.F step 2. Defaults: high <
// -0.6, medium in [-0.6, -0.5), low in [-0.5, -0.4), no alert >= -0.4.
type Thresholds struct {
	High   float64
	Medium float64
	Low    float64
}

// Contribution is one entry of an ml_anomaly alert's explainability
// breakdown.
type Contribution struct {
	Feature       string  `json:"feature"`
	Contribution  float64 `json:"contribution"`
	RawValue      float64 `json:"raw_value"`
	BaselineValue float64 `json:"baseline_value"`
}

// Status is the /api/ml/status response shape.
type Status struct {
	Enabled   bool      `json:"enabled"`
	ModelHash string    `json:"model_hash,omitempty"`
	TrainedAt time.Time `json:"trained_at,omitempty"`
	Features  []string  `json:"features,omitempty"`
}

// Detector runs the periodic ML anomaly loop. The model pointer is
// swapped atomically on reload so no tick observes a mix of old and new
// artifacts (Testable Property 6); an in-flight tick finishes scoring
// against whichever *Model it already loaded.
type Detector struct {
	model atomic.Pointer[Model]

	modelPath      string
	store          Store
	agg            *correlate.Aggregator
	period         time.Duration
	livenessWindow time.Duration
	thresholds     Thresholds
	scores         *prometheus.CounterVec
	logger         *slog.Logger
}

// NewDetector builds the detector and attempts an initial model load. A
// missing or invalid model at startup disables the detector (it stays
// disabled until a successful Reload) without failing startup, per
// §4.F's "Failure" clause.
func NewDetector(modelPath string, st Store, b *bus.Bus, dedupWindow time.Duration, alertsRaised *prometheus.CounterVec, alertsDeduped prometheus.Counter, period, livenessWindow time.Duration, thresholds Thresholds, scores *prometheus.CounterVec, logger *slog.Logger) *Detector {
	d := &Detector{
		modelPath:      modelPath,
		store:          st,
		agg:            correlate.New(st, b, dedupWindow, alertsRaised, alertsDeduped, logger),
		period:         period,
		livenessWindow: livenessWindow,
		thresholds:     thresholds,
		scores:         scores,
		logger:         logger,
	}
	if err := d.Reload(); err != nil {
		logger.Warn("ml model not loaded at startup, detector disabled", "error", err)
	}
	return d
}

// Reload loads fresh artifacts from modelPath into a scratch Model and
// atomically swaps it in.
func (d *Detector) Reload() error {
	m, err := LoadModel(d.modelPath)
	if err != nil {
		return err
	}
	d.model.Store(m)
	d.logger.Info("ml model (re)loaded", "hash", m.Hash, "trained_at", m.Config.TrainedAt)
	return nil
}

// Status reports the detector's current state for /api/ml/status.
func (d *Detector) Status() Status {
	m := d.model.Load()
	if m == nil {
		return Status{Enabled: false}
	}
	return Status{Enabled: true, ModelHash: m.Hash, TrainedAt: m.Config.TrainedAt, Features: FeatureNames}
}

// Run starts the periodic loop. It blocks until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	d.logger.Info("ml detector started", "period", d.period)

	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("ml detector stopped")
			return nil
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.logger.Error("ml detector tick failed", "error", err)
			}
		}
	}
}

// Tick runs one scoring pass over all active devices, returning the
// number of ml_anomaly alerts raised (used by POST /api/ml/detect to
// report alerts_generated).
func (d *Detector) Tick(ctx context.Context) (int, error) {
	m := d.model.Load()
	if m == nil {
		return 0, nil
	}

	devices, err := d.store.ActiveDevices(ctx, d.livenessWindow)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var emitted []correlate.Emitted

	for _, dev := range devices {
		e, err := d.scoreDevice(ctx, m, dev.ID, now)
		if err != nil {
			d.logger.Error("scoring device", "device_id", dev.ID, "error", err)
			continue
		}
		if e != nil {
			emitted = append(emitted, *e)
		}
	}

	if err := d.agg.Aggregate(ctx, emitted); err != nil {
		return len(emitted), err
	}
	return len(emitted), nil
}

func (d *Detector) scoreDevice(ctx context.Context, m *Model, deviceID uuid.UUID, now time.Time) (*correlate.Emitted, error) {
	v, err := ExtractFeatures(ctx, d.store, deviceID, now)
	if err != nil {
		if _, ok := err.(*ErrMissingFeature); ok {
			d.observeScore("skipped")
			return nil, nil
		}
		return nil, err
	}

	scaled := m.Scaler.Transform(v)
	score := m.Forest.Score(scaled)

	severity := d.band(score)
	d.observeScore(severityOrNone(severity))
	if severity == "" {
		return nil, nil
	}

	contributions := explain(v, scaled, m)

	details := map[string]any{
		"score":          score,
		"contributions":  contributions,
		"feature_vector": v,
	}

	cand := correlate.Candidate{
		RuleName:     "ml_anomaly",
		Severity:     severity,
		DeviceID:     deviceID,
		Details:      details,
		StableFields: []string{"score"},
		At:           now,
	}
	return d.agg.TryEmit(ctx, cand)
}

// band applies §4.F step 2's severity thresholds. The boundaries are
// half-open on the high side: score < High is high, High <= score < Medium
// is medium, Medium <= score < Low is low, score >= Low is no alert. A
// score exactly at Low emits nothing (§8).
func (d *Detector) band(score float64) string {
	switch {
	case score < d.thresholds.High:
		return "high"
	case score < d.thresholds.Medium:
		return "medium"
	case score < d.thresholds.Low:
		return "low"
	default:
		return ""
	}
}

func severityOrNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func (d *Detector) observeScore(band string) {
	if d.scores != nil {
		d.scores.WithLabelValues(band).Inc()
	}
}

// explain computes the top-5 feature contributions per §4.F step 3:
// contribution_i = w_i * |v'_i - mu_i'|, where mu_i' is zero in scaled
// space for a StandardScaler, normalized to sum to 1.
func explain(raw, scaled []float64, m *Model) []Contribution {
	n := len(FeatureNames)
	weights := normalizedImportances(m.Config.FeatureImportances, n)

	contribs := make([]Contribution, n)
	var total float64
	for i := 0; i < n; i++ {
		c := weights[i] * abs(scaled[i])
		contribs[i] = Contribution{Feature: FeatureNames[i], Contribution: c, RawValue: raw[i]}
		if i < len(m.Scaler.Mean) {
			contribs[i].BaselineValue = m.Scaler.Mean[i]
		}
		total += c
	}
	if total > 0 {
		for i := range contribs {
			contribs[i].Contribution /= total
		}
	}

	sort.Slice(contribs, func(i, j int) bool { return contribs[i].Contribution > contribs[j].Contribution })
	if len(contribs) > 5 {
		contribs = contribs[:5]
	}
	return contribs
}

func normalizedImportances(importances []float64, n int) []float64 {
	out := make([]float64, n)
	if len(importances) != n {
		for i := range out {
			out[i] = 1.0 / float64(n)
		}
		return out
	}
	var sum float64
	for _, w := range importances {
		sum += w
	}
	if sum == 0 {
		for i := range out {
			out[i] = 1.0 / float64(n)
		}
		return out
	}
	for i, w := range importances {
		out[i] = w / sum
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
