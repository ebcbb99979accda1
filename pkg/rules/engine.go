package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fenwicksec/siem/internal/bus"
	"github.com/fenwicksec/siem/internal/correlate"
	"github.com/fenwicksec/siem/internal/store"
)

// Store is the store surface the engine needs to build rule windows,
// narrowed to an interface so tests can substitute a fake.
type Store interface {
	correlate.Store
	ActiveDevices(ctx context.Context, livenessWindow time.Duration) ([]store.Device, error)
	RecentLogs(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]store.LogRecord, error)
	RecentMetrics(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]store.MetricSample, error)
	RecentProcessRecords(ctx context.Context, since, until time.Time, deviceID uuid.UUID) ([]store.ProcessRecord, error)
	RecentCommands(ctx context.Context, since, until time.Time, deviceID uuid.UUID, filter store.CommandFilter) ([]store.CommandRecord, error)
}

const processWindow = 5 * time.Minute

// Engine runs the periodic rule correlation loop described in §4.E.
type Engine struct {
	store          Store
	agg            *correlate.Aggregator
	rules          []Rule
	period         time.Duration
	livenessWindow time.Duration
	logger         *slog.Logger
}

// NewEngine builds the rule correlation engine. cfg selects rule
// thresholds; period/dedupWindow/livenessWindow come from the analysis.*
// config keys.
func NewEngine(st Store, b *bus.Bus, cfg Config, period, dedupWindow, livenessWindow time.Duration, alertsRaised *prometheus.CounterVec, alertsDeduped prometheus.Counter, logger *slog.Logger) *Engine {
	return &Engine{
		store:          st,
		agg:            correlate.New(st, b, dedupWindow, alertsRaised, alertsDeduped, logger),
		rules:          Catalog(cfg),
		period:         period,
		livenessWindow: livenessWindow,
		logger:         logger,
	}
}

// Run starts the periodic loop. It blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("rule correlation engine started", "period", e.period, "rules", len(e.rules))

	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("rule correlation engine stopped")
			return nil
		case <-ticker.C:
			if err := e.tick(ctx); err != nil {
				e.logger.Error("rule engine tick failed", "error", err)
			}
		}
	}
}

func (e *Engine) tick(ctx context.Context) error {
	devices, err := e.store.ActiveDevices(ctx, e.livenessWindow)
	if err != nil {
		return fmt.Errorf("listing active devices: %w", err)
	}

	now := time.Now().UTC()
	var emitted []correlate.Emitted

	for _, d := range devices {
		win, err := e.buildWindow(ctx, d.ID, now)
		if err != nil {
			e.logger.Error("building rule window", "device_id", d.ID, "error", err)
			continue
		}
		emitted = append(emitted, e.evaluateDevice(ctx, win)...)
	}

	return e.agg.Aggregate(ctx, emitted)
}

func (e *Engine) buildWindow(ctx context.Context, deviceID uuid.UUID, now time.Time) (Window, error) {
	logSince := now.Add(-e.period)
	procSince := now.Add(-processWindow)

	logs, err := e.store.RecentLogs(ctx, logSince, now, deviceID)
	if err != nil {
		return Window{}, fmt.Errorf("recent logs: %w", err)
	}
	metrics, err := e.store.RecentMetrics(ctx, procSince, now, deviceID)
	if err != nil {
		return Window{}, fmt.Errorf("recent metrics: %w", err)
	}
	processes, err := e.store.RecentProcessRecords(ctx, procSince, now, deviceID)
	if err != nil {
		return Window{}, fmt.Errorf("recent processes: %w", err)
	}
	commands, err := e.store.RecentCommands(ctx, logSince, now, deviceID, store.CommandFilter{})
	if err != nil {
		return Window{}, fmt.Errorf("recent commands: %w", err)
	}

	return Window{
		DeviceID:  deviceID,
		Now:       now,
		Logs:      logs,
		Metrics:   metrics,
		Processes: processes,
		Commands:  commands,
	}, nil
}

// evaluateDevice runs every rule against the window, isolating exceptions
// per rule (§4.E "Failure"), and hands surviving candidates to the
// aggregator for dedup and persistence.
func (e *Engine) evaluateDevice(ctx context.Context, win Window) []correlate.Emitted {
	var out []correlate.Emitted
	for _, r := range e.rules {
		cand := e.safeEval(r, win)
		if cand == nil {
			continue
		}

		emitted, err := e.agg.TryEmit(ctx, correlate.Candidate{
			RuleName:     cand.RuleName,
			Severity:     cand.Severity,
			DeviceID:     win.DeviceID,
			Details:      cand.Details,
			StableFields: cand.StableFields,
			At:           win.Now,
		})
		if err != nil {
			e.logger.Error("emitting candidate", "rule", r.Name, "error", err)
			continue
		}
		if emitted != nil {
			out = append(out, *emitted)
		}
	}
	return out
}

// safeEval isolates a single rule's panic so one misbehaving rule never
// aborts the tick.
func (e *Engine) safeEval(r Rule, win Window) (cand *Candidate) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("rule panicked", "rule", r.Name, "recover", rec)
			cand = nil
		}
	}()
	return r.Eval(win)
}
