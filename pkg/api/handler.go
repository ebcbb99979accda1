// Package api serves the dashboard-facing device and alert query/action
// endpoints of §6: GET /api/devices, GET /api/alerts, and the
// assign/resolve alert actions. It holds no correlation or scoring logic
// of its own — that lives in pkg/rules and pkg/ml — this package only
// reads and mutates the rows they produce.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/apierr"
	"github.com/fenwicksec/siem/internal/auth"
	"github.com/fenwicksec/siem/internal/httpserver"
	"github.com/fenwicksec/siem/internal/store"
)

// Store is the subset of internal/store.Store this handler depends on.
type Store interface {
	ListDevices(ctx context.Context) ([]store.Device, error)
	ListAlerts(ctx context.Context, status, severity string, limit, offset int) ([]store.Alert, int, error)
	GetAlert(ctx context.Context, id int64) (*store.Alert, error)
	Acknowledge(ctx context.Context, alertID int64, assignee uuid.UUID) error
	Resolve(ctx context.Context, alertID int64, notes string) error
}

// Handler serves the device and alert read/action endpoints.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(st Store, logger *slog.Logger) *Handler {
	return &Handler{store: st, logger: logger}
}

// Routes returns a chi.Router with the device and alert endpoints
// mounted. The caller is expected to apply auth.Middleware and
// RequireMinRole(auth.RoleAnalyst) ahead of this router, per §6.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/devices", h.handleListDevices)
	r.Get("/alerts", h.handleListAlerts)
	r.Post("/alerts/{id}/assign", h.handleAssignAlert)
	r.Post("/alerts/{id}/resolve", h.handleResolveAlert)
	return r
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices(r.Context())
	if err != nil {
		h.logger.Error("listing devices", "error", err)
		httpserver.RespondAPIErr(w, apierr.ErrUpstreamUnavailable)
		return
	}
	httpserver.Respond(w, http.StatusOK, devices)
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	status := r.URL.Query().Get("status")
	severity := r.URL.Query().Get("severity")

	alerts, total, err := h.store.ListAlerts(r.Context(), status, severity, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing alerts", "error", err)
		httpserver.RespondAPIErr(w, apierr.ErrUpstreamUnavailable)
		return
	}
	httpserver.Respond(w, http.StatusOK, httpserver.NewOffsetPage(alerts, params, total))
}

func (h *Handler) alertIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_request", "alert id must be an integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) handleAssignAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.alertIDFromPath(w, r)
	if !ok {
		return
	}

	identity := auth.FromContext(r.Context())
	if identity == nil || identity.UserID == nil {
		httpserver.RespondAPIErr(w, apierr.ErrUnauthorized)
		return
	}

	if err := h.store.Acknowledge(r.Context(), id, *identity.UserID); err != nil {
		h.logger.Error("assigning alert", "error", err, "alert_id", id)
		httpserver.RespondAPIErr(w, apierr.ErrUpstreamUnavailable)
		return
	}

	h.respondAlert(w, r, id)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.alertIDFromPath(w, r)
	if !ok {
		return
	}

	var req resolveRequest
	if r.ContentLength != 0 {
		if !httpserver.DecodeAndValidate(w, r, &req) {
			return
		}
	}

	if err := h.store.Resolve(r.Context(), id, req.Notes); err != nil {
		h.logger.Error("resolving alert", "error", err, "alert_id", id)
		httpserver.RespondAPIErr(w, apierr.ErrUpstreamUnavailable)
		return
	}

	h.respondAlert(w, r, id)
}

func (h *Handler) respondAlert(w http.ResponseWriter, r *http.Request, id int64) {
	alert, err := h.store.GetAlert(r.Context(), id)
	if err != nil {
		h.logger.Error("reloading alert", "error", err, "alert_id", id)
		httpserver.RespondAPIErr(w, apierr.ErrUpstreamUnavailable)
		return
	}
	if alert == nil {
		httpserver.RespondAPIErr(w, apierr.ErrNotFound)
		return
	}
	httpserver.Respond(w, http.StatusOK, alert)
}
