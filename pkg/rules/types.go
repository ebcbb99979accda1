// Package rules implements the periodic rule correlation engine: thirteen
// pure detection rules evaluated per active device against a bounded
// telemetry window, with fingerprint deduplication and incident
// aggregation.
package rules

import (
	"time"

	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/store"
)

// Window is the bounded telemetry slice a rule evaluates. Logs and commands
// use [now-period, now]; metrics and processes use [now-5m, now] to smooth
// sampling, per §4.E.
type Window struct {
	DeviceID  uuid.UUID
	Now       time.Time
	Logs      []store.LogRecord
	Metrics   []store.MetricSample
	Processes []store.ProcessRecord
	Commands  []store.CommandRecord
}

// Candidate is a rule's verdict: a would-be alert before dedup and
// aggregation are applied.
type Candidate struct {
	RuleName string
	Severity string
	Details  map[string]any

	// StableFields selects which Details keys participate in the
	// fingerprint alongside rule name and device. A rule that names a
	// field (e.g. the targeted user) gets one alert per distinct value of
	// it within the dedup window; a rule that leaves it empty (high_cpu,
	// high_memory, process_explosion, fork_bomb, data_exfiltration) gets
	// at most one alert per device within the dedup window.
	StableFields []string
}

// Rule is a pure predicate over a telemetry window. It returns nil when the
// window does not trigger the rule.
type Rule struct {
	Name string
	Eval func(Window) *Candidate
}
