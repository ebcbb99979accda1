package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/auth"
	"github.com/fenwicksec/siem/internal/store"
)

type fakeStore struct {
	devices     []store.Device
	alerts      []store.Alert
	acknowledge func(id int64, assignee uuid.UUID) error
	resolve     func(id int64, notes string) error
}

func (f *fakeStore) ListDevices(ctx context.Context) ([]store.Device, error) {
	return f.devices, nil
}

func (f *fakeStore) ListAlerts(ctx context.Context, status, severity string, limit, offset int) ([]store.Alert, int, error) {
	var out []store.Alert
	for _, a := range f.alerts {
		if status != "" && a.Status != status {
			continue
		}
		if severity != "" && a.Severity != severity {
			continue
		}
		out = append(out, a)
	}
	total := len(out)
	if offset < len(out) {
		out = out[offset:]
	} else {
		out = nil
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (f *fakeStore) GetAlert(ctx context.Context, id int64) (*store.Alert, error) {
	for i := range f.alerts {
		if f.alerts[i].ID == id {
			a := f.alerts[i]
			return &a, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Acknowledge(ctx context.Context, alertID int64, assignee uuid.UUID) error {
	if f.acknowledge != nil {
		if err := f.acknowledge(alertID, assignee); err != nil {
			return err
		}
	}
	for i := range f.alerts {
		if f.alerts[i].ID == alertID {
			f.alerts[i].Status = store.AlertAssigned
			f.alerts[i].Assignee = &assignee
		}
	}
	return nil
}

func (f *fakeStore) Resolve(ctx context.Context, alertID int64, notes string) error {
	if f.resolve != nil {
		if err := f.resolve(alertID, notes); err != nil {
			return err
		}
	}
	for i := range f.alerts {
		if f.alerts[i].ID == alertID {
			f.alerts[i].Status = store.AlertResolved
			f.alerts[i].ResolutionNotes = &notes
		}
	}
	return nil
}

func newTestHandler(fs *fakeStore) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(fs, logger)
}

func analystRequest(method, target string, body io.Reader) *http.Request {
	r := httptest.NewRequest(method, target, body)
	userID := uuid.New()
	id := &auth.Identity{Method: auth.MethodUser, Role: auth.RoleAnalyst, UserID: &userID}
	return r.WithContext(auth.NewContext(r.Context(), id))
}

func TestHandleListDevices(t *testing.T) {
	fs := &fakeStore{devices: []store.Device{{ID: uuid.New(), Hostname: "h1", Status: store.DeviceOnline}}}
	h := newTestHandler(fs)

	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, analystRequest(http.MethodGet, "/devices", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var got []store.Device
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(got) != 1 || got[0].Hostname != "h1" {
		t.Fatalf("unexpected devices: %+v", got)
	}
}

func TestHandleListAlerts_FilterBySeverity(t *testing.T) {
	fs := &fakeStore{alerts: []store.Alert{
		{ID: 1, Severity: store.SeverityHigh, Status: store.AlertUnassigned},
		{ID: 2, Severity: store.SeverityLow, Status: store.AlertUnassigned},
	}}
	h := newTestHandler(fs)

	rr := httptest.NewRecorder()
	h.Routes().ServeHTTP(rr, analystRequest(http.MethodGet, "/alerts?severity=high", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var page struct {
		Items      []store.Alert `json:"items"`
		TotalItems int           `json:"total_items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if page.TotalItems != 1 || len(page.Items) != 1 || page.Items[0].ID != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
}

func TestHandleAssignAlert(t *testing.T) {
	fs := &fakeStore{alerts: []store.Alert{{ID: 7, Severity: store.SeverityMedium, Status: store.AlertUnassigned}}}
	h := newTestHandler(fs)

	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, analystRequest(http.MethodPost, "/alerts/7/assign", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var got store.Alert
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Status != store.AlertAssigned || got.Assignee == nil {
		t.Fatalf("alert not assigned: %+v", got)
	}
}

func TestHandleAssignAlert_Unauthenticated(t *testing.T) {
	fs := &fakeStore{alerts: []store.Alert{{ID: 7}}}
	h := newTestHandler(fs)

	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	rr := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/alerts/7/assign", nil)
	router.ServeHTTP(rr, r)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401, body = %s", rr.Code, rr.Body.String())
	}
}

func TestHandleResolveAlert(t *testing.T) {
	fs := &fakeStore{alerts: []store.Alert{{ID: 9, Status: store.AlertAssigned}}}
	h := newTestHandler(fs)

	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	rr := httptest.NewRecorder()
	body := strings.NewReader(`{"notes":"false positive, known maintenance window"}`)
	r := analystRequest(http.MethodPost, "/alerts/9/resolve", body)
	r.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(rr, r)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var got store.Alert
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Status != store.AlertResolved || got.ResolutionNotes == nil || *got.ResolutionNotes != "false positive, known maintenance window" {
		t.Fatalf("alert not resolved: %+v", got)
	}
}

func TestHandleResolveAlert_NoBody(t *testing.T) {
	fs := &fakeStore{alerts: []store.Alert{{ID: 3, Status: store.AlertAssigned}}}
	h := newTestHandler(fs)

	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, analystRequest(http.MethodPost, "/alerts/3/resolve", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestHandleAssignAlert_InvalidAlertID(t *testing.T) {
	fs := &fakeStore{}
	h := newTestHandler(fs)

	router := chi.NewRouter()
	router.Mount("/", h.Routes())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, analystRequest(http.MethodPost, "/alerts/not-a-number/assign", nil))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", rr.Code, rr.Body.String())
	}
}
