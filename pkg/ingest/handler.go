// Package ingest implements the server's Ingestion API (§4.C): batch
// intake of logs, metrics, processes and shell commands from registered
// agents, device liveness tracking, and fan-out of ingestion events to
// the real-time bus.
package ingest

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fenwicksec/siem/internal/apierr"
	"github.com/fenwicksec/siem/internal/auth"
	"github.com/fenwicksec/siem/internal/bus"
	"github.com/fenwicksec/siem/internal/httpserver"
	"github.com/fenwicksec/siem/internal/store"
	"github.com/fenwicksec/siem/internal/telemetry"
)

// clockSkewTolerance is the window within which a record's timestamp is
// silently accepted even if it lies in the future relative to the server,
// per §9's agent clock-skew note.
const clockSkewTolerance = 5 * time.Minute

// Store is the subset of internal/store.Store the ingestion API depends
// on, kept narrow so handler tests can fake it.
type Store interface {
	RecordAndPersistBatch(ctx context.Context, deviceID uuid.UUID, dataType, idemKey string, count int, insert func(ctx context.Context, batch store.TxBatch) error) (recorded bool, priorCount int, err error)
	ActiveDevices(ctx context.Context, livenessWindow time.Duration) ([]store.Device, error)
	SweepOfflineDevices(ctx context.Context, livenessWindow time.Duration) (int64, error)
}

// Handler serves the batch-ingest endpoint.
type Handler struct {
	store           Store
	cache           *LastSeenCache
	bus             *bus.Bus
	logger          *slog.Logger
	retention       store.RetentionPolicy
	clockSkewMetric prometheus.Counter
}

// NewHandler creates an ingestion Handler.
func NewHandler(st Store, cache *LastSeenCache, b *bus.Bus, retention store.RetentionPolicy, clockSkewMetric prometheus.Counter, logger *slog.Logger) *Handler {
	return &Handler{store: st, cache: cache, bus: b, retention: retention, clockSkewMetric: clockSkewMetric, logger: logger}
}

// Routes mounts the ingestion endpoints. The caller is expected to apply
// auth.Middleware and RequireRole(auth.RoleDevice) ahead of this router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/batch", h.handleBatch)
	return r
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	body := r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			httpserver.RespondAPIErr(w, apierr.ErrInvalidBatch)
			return
		}
		defer gz.Close()
		body = gz
	}

	raw, err := io.ReadAll(io.LimitReader(body, 64<<20))
	if err != nil {
		httpserver.RespondAPIErr(w, apierr.ErrInvalidBatch)
		return
	}

	var req batchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		httpserver.RespondAPIErr(w, apierr.ErrInvalidBatch)
		return
	}
	if req.DeviceID == uuid.Nil || len(req.Records) == 0 {
		httpserver.RespondAPIErr(w, apierr.ErrInvalidBatch)
		return
	}
	switch req.DataType {
	case DataTypeLogs, DataTypeMetrics, DataTypeProcesses, DataTypeCommands:
	default:
		httpserver.RespondAPIErr(w, apierr.ErrInvalidBatch)
		return
	}

	id := auth.FromContext(r.Context())
	if id == nil || id.DeviceID == nil || *id.DeviceID != req.DeviceID {
		httpserver.RespondAPIErr(w, apierr.ErrDeviceMismatch)
		return
	}

	idemKey := batchIdempotencyKey(req.DeviceID, req.Records)

	count, err := h.persist(r.Context(), req, idemKey)
	if err != nil {
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			httpserver.RespondAPIErr(w, apiErr)
			return
		}
		h.logger.Error("persisting ingest batch", "error", err, "device_id", req.DeviceID, "data_type", req.DataType)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to persist batch")
		return
	}

	telemetry.IngestBatchesTotal.WithLabelValues(req.DataType).Inc()

	now := time.Now().UTC()
	h.cache.Touch(req.DeviceID, now)
	h.bus.Publish(bus.Event{Type: bus.EventIngest, Payload: ingestEvent{
		DeviceID: req.DeviceID,
		DataType: req.DataType,
		Count:    count,
	}})

	httpserver.Respond(w, http.StatusOK, batchResponse{Ingested: count})
}

type ingestEvent struct {
	DeviceID uuid.UUID `json:"device_id"`
	DataType string    `json:"data_type"`
	Count    int       `json:"count"`
}

// persist decodes and validates the batch, then claims the idempotency key
// and inserts the rows in one transaction, returning the persisted row
// count. Decoding happens before any database interaction, so a malformed
// or stale batch is rejected without ever touching ingest_batches; claim and
// insert commit or roll back together, so a batch already recorded under
// idemKey always has its rows inserted, satisfying §8's ingest idempotence
// law and §4.B's "record NOT silently dropped" failure mode.
func (h *Handler) persist(ctx context.Context, req batchRequest, idemKey string) (int, error) {
	now := time.Now().UTC()
	cutoff := h.retentionCutoff(req.DataType, now)

	var insert func(ctx context.Context, batch store.TxBatch) error

	switch req.DataType {
	case DataTypeLogs:
		records, err := decodeRecords(req.Records, func(d logRecordDTO) string { return d.validate() })
		if err != nil {
			return 0, err
		}
		rows := make([]store.LogRecord, len(records))
		for i, d := range records {
			if stale, staleErr := checkTimestamp(d.Timestamp, cutoff, now, i); staleErr != nil {
				return 0, staleErr
			} else if stale {
				h.clockSkew()
			}
			rows[i] = store.LogRecord{
				DeviceID: req.DeviceID, Timestamp: d.Timestamp, Hostname: d.Hostname,
				Severity: d.Severity, Facility: d.Facility, ProcessName: d.ProcessName,
				Message: d.Message, RawSource: d.RawSource,
			}
		}
		insert = func(ctx context.Context, batch store.TxBatch) error { return batch.InsertLogBatch(ctx, rows) }

	case DataTypeMetrics:
		records, err := decodeRecords(req.Records, func(d metricRecordDTO) string { return d.validate() })
		if err != nil {
			return 0, err
		}
		rows := make([]store.MetricSample, len(records))
		for i, d := range records {
			if stale, staleErr := checkTimestamp(d.Timestamp, cutoff, now, i); staleErr != nil {
				return 0, staleErr
			} else if stale {
				h.clockSkew()
			}
			rows[i] = store.MetricSample{
				DeviceID: req.DeviceID, Timestamp: d.Timestamp,
				CPUPercent: d.CPU.Percent, CPUPerCore: d.CPU.PerCore, LoadAvg1: d.CPU.LoadAvg1,
				LoadAvg5: d.CPU.LoadAvg5, LoadAvg15: d.LoadAvg15,
				MemPercent: d.Memory.Percent, MemUsedBytes: d.Memory.UsedBytes, MemTotalBytes: d.Memory.TotalBytes,
				DiskPercent: d.Disk.Percent, DiskFreeBytes: d.Disk.FreeBytes, DiskTotalBytes: d.Disk.TotalBytes,
				NetBytesSent: d.Network.BytesSent, NetBytesRecv: d.Network.BytesRecv,
			}
		}
		insert = func(ctx context.Context, batch store.TxBatch) error { return batch.InsertMetricBatch(ctx, rows) }

	case DataTypeProcesses:
		records, err := decodeRecords(req.Records, func(d processRecordDTO) string { return d.validate() })
		if err != nil {
			return 0, err
		}
		rows := make([]store.ProcessRecord, len(records))
		for i, d := range records {
			if stale, staleErr := checkTimestamp(d.CollectedAt, cutoff, now, i); staleErr != nil {
				return 0, staleErr
			} else if stale {
				h.clockSkew()
			}
			rows[i] = store.ProcessRecord{
				DeviceID: req.DeviceID, CollectedAt: d.CollectedAt, PID: d.PID, PPID: d.PPID,
				Name: d.Name, ExePath: d.ExePath, Cmdline: d.Cmdline, User: d.User, Status: d.Status,
				CreateTime: d.CreateTime, CPUPercent: d.CPUPercent, MemPercent: d.MemPercent,
				RSSBytes: d.RSSBytes, VMSBytes: d.VMSBytes, NumThreads: d.NumThreads,
				NumFDs: d.NumFDs, NumConnection: d.NumConns,
			}
		}
		insert = func(ctx context.Context, batch store.TxBatch) error { return batch.InsertProcessBatch(ctx, rows) }

	case DataTypeCommands:
		records, err := decodeRecords(req.Records, func(d commandRecordDTO) string { return d.validate() })
		if err != nil {
			return 0, err
		}
		rows := make([]store.CommandRecord, len(records))
		for i, d := range records {
			if stale, staleErr := checkTimestamp(d.Timestamp, cutoff, now, i); staleErr != nil {
				return 0, staleErr
			} else if stale {
				h.clockSkew()
			}
			rows[i] = store.CommandRecord{
				DeviceID: req.DeviceID, Timestamp: d.Timestamp, Text: d.Text, User: d.User,
				Shell: d.Shell, Source: d.Source, WorkDir: d.WorkDir, ExitCode: d.ExitCode,
			}
		}
		insert = func(ctx context.Context, batch store.TxBatch) error { return batch.InsertCommandBatch(ctx, rows) }
	}

	recorded, priorCount, err := h.store.RecordAndPersistBatch(ctx, req.DeviceID, req.DataType, idemKey, len(req.Records), insert)
	if err != nil {
		return 0, err
	}
	if !recorded {
		return priorCount, nil
	}
	return len(req.Records), nil
}

func (h *Handler) retentionCutoff(dataType string, now time.Time) time.Time {
	switch dataType {
	case DataTypeLogs:
		return now.Add(-h.retention.Logs)
	case DataTypeMetrics:
		return now.Add(-h.retention.Metrics)
	case DataTypeProcesses:
		return now.Add(-h.retention.Processes)
	case DataTypeCommands:
		return now.Add(-h.retention.Logs)
	default:
		return now
	}
}

func (h *Handler) clockSkew() {
	if h.clockSkewMetric != nil {
		h.clockSkewMetric.Inc()
	}
}

// checkTimestamp rejects records older than the retention cutoff (stale)
// and flags, without rejecting, records whose timestamp is more than
// clockSkewTolerance in the future.
func checkTimestamp(ts, cutoff, now time.Time, index int) (skewed bool, err error) {
	if ts.Before(cutoff) {
		return false, apierr.WithIndex(apierr.ErrStaleBatch, index, "timestamp older than retention window")
	}
	if ts.After(now.Add(clockSkewTolerance)) {
		return true, nil
	}
	return false, nil
}

// decodeRecords unmarshals each raw record as T and validates it,
// returning InvalidBatch with the first offending index on failure so the
// whole batch is rejected atomically, per §4.C.
func decodeRecords[T any](raw []json.RawMessage, validate func(T) string) ([]T, error) {
	out := make([]T, len(raw))
	for i, r := range raw {
		var v T
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, apierr.WithIndex(apierr.ErrInvalidBatch, i, "malformed record")
		}
		if reason := validate(v); reason != "" {
			return nil, apierr.WithIndex(apierr.ErrInvalidBatch, i, reason)
		}
		out[i] = v
	}
	return out, nil
}

// batchIdempotencyKey computes sha256(device_id || canonical(records)),
// per §8's round-trip law. Records are already in their wire byte order
// within the batch; canonicalization relies on the agent forwarder sending
// deterministic JSON (stable field order), which is true of Go's
// encoding/json for a fixed struct shape.
func batchIdempotencyKey(deviceID uuid.UUID, records []json.RawMessage) string {
	h := sha256.New()
	h.Write(deviceID[:])
	for _, r := range records {
		h.Write(r)
	}
	return hex.EncodeToString(h.Sum(nil))
}
