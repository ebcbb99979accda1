package ingest

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/auth"
	"github.com/fenwicksec/siem/internal/bus"
	"github.com/fenwicksec/siem/internal/store"
)

var errInsertBoom = errors.New("insert boom")

type fakeStore struct {
	logs        []store.LogRecord
	recorded    map[string]int
	activeAfter []store.Device
	insertErr   error // when set, InsertLogBatch fails once and clears itself
}

func newFakeStore() *fakeStore {
	return &fakeStore{recorded: make(map[string]int)}
}

// fakeStore doubles as its own store.TxBatch: the insert methods below are
// called either directly by tests or via RecordAndPersistBatch's insert
// callback, exactly as the real txBatch forwards to the real Insert*Batch
// functions inside a transaction.
func (f *fakeStore) InsertLogBatch(ctx context.Context, records []store.LogRecord) error {
	if f.insertErr != nil {
		err := f.insertErr
		f.insertErr = nil
		return err
	}
	f.logs = append(f.logs, records...)
	return nil
}
func (f *fakeStore) InsertMetricBatch(ctx context.Context, records []store.MetricSample) error {
	return nil
}
func (f *fakeStore) InsertProcessBatch(ctx context.Context, records []store.ProcessRecord) error {
	return nil
}
func (f *fakeStore) InsertCommandBatch(ctx context.Context, records []store.CommandRecord) error {
	return nil
}

func (f *fakeStore) RecordAndPersistBatch(ctx context.Context, deviceID uuid.UUID, dataType, idemKey string, count int, insert func(ctx context.Context, batch store.TxBatch) error) (bool, int, error) {
	key := deviceID.String() + "/" + dataType + "/" + idemKey
	if prior, ok := f.recorded[key]; ok {
		return false, prior, nil
	}
	if err := insert(ctx, f); err != nil {
		return false, 0, err
	}
	f.recorded[key] = count
	return true, count, nil
}
func (f *fakeStore) ActiveDevices(ctx context.Context, livenessWindow time.Duration) ([]store.Device, error) {
	return f.activeAfter, nil
}
func (f *fakeStore) SweepOfflineDevices(ctx context.Context, livenessWindow time.Duration) (int64, error) {
	return 0, nil
}

func newTestHandler(fs *fakeStore) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := NewLastSeenCache(fs, logger)
	b := bus.New(logger, nil, 0)
	return NewHandler(fs, cache, b, store.DefaultRetentionPolicy(), nil, logger)
}

func deviceRequest(t *testing.T, body []byte, deviceID uuid.UUID, gzipEncode bool) *http.Request {
	t.Helper()

	var payload io.Reader = bytes.NewReader(body)
	var r *http.Request
	if gzipEncode {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err != nil {
			t.Fatal(err)
		}
		gw.Close()
		payload = &buf
	}

	r = httptest.NewRequest(http.MethodPost, "/batch", payload)
	if gzipEncode {
		r.Header.Set("Content-Encoding", "gzip")
	}

	id := &auth.Identity{Method: auth.MethodDevice, Role: auth.RoleDevice, DeviceID: &deviceID}
	return r.WithContext(auth.NewContext(r.Context(), id))
}

func TestHandleBatch_Logs(t *testing.T) {
	fs := newFakeStore()
	h := newTestHandler(fs)
	deviceID := uuid.New()

	body, _ := json.Marshal(batchRequest{
		DeviceID: deviceID,
		DataType: DataTypeLogs,
		Records: []json.RawMessage{
			mustJSON(t, logRecordDTO{Timestamp: time.Now(), Hostname: "h1", Severity: 3, Facility: "auth", Message: "login failed", RawSource: "raw"}),
		},
	})

	r := deviceRequest(t, body, deviceID, false)
	w := httptest.NewRecorder()
	h.handleBatch(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp batchResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Ingested != 1 {
		t.Errorf("ingested = %d, want 1", resp.Ingested)
	}
	if len(fs.logs) != 1 {
		t.Errorf("len(fs.logs) = %d, want 1", len(fs.logs))
	}
}

func TestHandleBatch_DeviceMismatch(t *testing.T) {
	fs := newFakeStore()
	h := newTestHandler(fs)
	deviceID := uuid.New()
	other := uuid.New()

	body, _ := json.Marshal(batchRequest{
		DeviceID: deviceID,
		DataType: DataTypeLogs,
		Records:  []json.RawMessage{mustJSON(t, logRecordDTO{Timestamp: time.Now(), Message: "x"})},
	})

	r := deviceRequest(t, body, other, false)
	w := httptest.NewRecorder()
	h.handleBatch(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleBatch_IdempotentReplay(t *testing.T) {
	fs := newFakeStore()
	h := newTestHandler(fs)
	deviceID := uuid.New()

	records := []json.RawMessage{mustJSON(t, logRecordDTO{Timestamp: time.Now(), Message: "repeat me"})}
	body, _ := json.Marshal(batchRequest{DeviceID: deviceID, DataType: DataTypeLogs, Records: records})

	for i := 0; i < 2; i++ {
		r := deviceRequest(t, body, deviceID, false)
		w := httptest.NewRecorder()
		h.handleBatch(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d", i, w.Code)
		}
	}

	if len(fs.logs) != 1 {
		t.Errorf("len(fs.logs) = %d, want 1 (replay must not duplicate rows)", len(fs.logs))
	}
}

func TestHandleBatch_InsertFailureDoesNotClaim(t *testing.T) {
	fs := newFakeStore()
	fs.insertErr = errInsertBoom
	h := newTestHandler(fs)
	deviceID := uuid.New()

	records := []json.RawMessage{mustJSON(t, logRecordDTO{Timestamp: time.Now(), Message: "flaky insert"})}
	body, _ := json.Marshal(batchRequest{DeviceID: deviceID, DataType: DataTypeLogs, Records: records})

	r := deviceRequest(t, body, deviceID, false)
	w := httptest.NewRecorder()
	h.handleBatch(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("first attempt: status = %d, want 500", w.Code)
	}
	if len(fs.recorded) != 0 {
		t.Fatalf("a failed insert must not leave a claimed idempotency key, got %v", fs.recorded)
	}

	// Retry the identical batch: since nothing was claimed, it must persist
	// for real this time instead of silently returning a stale success.
	r = deviceRequest(t, body, deviceID, false)
	w = httptest.NewRecorder()
	h.handleBatch(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("retry: status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(fs.logs) != 1 {
		t.Errorf("len(fs.logs) = %d, want 1 after the successful retry", len(fs.logs))
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}
