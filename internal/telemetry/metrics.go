package telemetry

import "github.com/prometheus/client_golang/prometheus"

// HTTPRequestDuration tracks HTTP request latency. Shared across every
// HTTP-serving binary mode.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "siem",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// IngestBatchesTotal counts accepted ingestion batches by data type.
var IngestBatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siem",
		Subsystem: "ingest",
		Name:      "batches_total",
		Help:      "Total number of accepted ingestion batches by data type.",
	},
	[]string{"data_type"},
)

// IngestClockSkewTotal counts records accepted with a future timestamp
// beyond the clock-skew tolerance, per §9.
var IngestClockSkewTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "siem",
		Subsystem: "ingest",
		Name:      "clock_skew_total",
		Help:      "Total number of records accepted with a timestamp beyond the clock-skew tolerance.",
	},
)

// BusDroppedTotal counts bus messages dropped because a subscriber's
// queue was full, per §4.G.
var BusDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "siem",
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Total number of bus messages dropped due to a full subscriber queue.",
	},
)

// AlertsRaisedTotal counts alerts raised by the rule engine and the ML
// detector, by rule name.
var AlertsRaisedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siem",
		Subsystem: "rules",
		Name:      "alerts_raised_total",
		Help:      "Total number of alerts raised by the rule engine and ML detector, by rule.",
	},
	[]string{"rule"},
)

// AlertsDeduplicatedTotal counts rule and ML firings suppressed by
// fingerprint deduplication.
var AlertsDeduplicatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "siem",
		Subsystem: "rules",
		Name:      "alerts_deduplicated_total",
		Help:      "Total number of alert firings suppressed by fingerprint deduplication.",
	},
)

// MLScoresTotal counts ML detector scoring passes by outcome severity
// band (or "none" when no alert was raised).
var MLScoresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siem",
		Subsystem: "ml",
		Name:      "scores_total",
		Help:      "Total number of ML detector scoring passes by severity band.",
	},
	[]string{"severity"},
)

// RetentionRowsDeletedTotal counts rows deleted by the retention janitor,
// by table.
var RetentionRowsDeletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "siem",
		Subsystem: "retention",
		Name:      "rows_deleted_total",
		Help:      "Total number of rows deleted by the retention janitor, by table.",
	},
	[]string{"table"},
)

// All returns every SIEM-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		IngestBatchesTotal,
		IngestClockSkewTotal,
		BusDroppedTotal,
		AlertsRaisedTotal,
		AlertsDeduplicatedTotal,
		MLScoresTotal,
		RetentionRowsDeletedTotal,
	}
}
