package ml

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fenwicksec/siem/internal/auth"
	"github.com/fenwicksec/siem/internal/httpserver"
)

// Handler exposes the ML detector's admin-facing HTTP surface.
type Handler struct {
	detector *Detector
}

// NewHandler creates a Handler bound to detector.
func NewHandler(detector *Detector) *Handler {
	return &Handler{detector: detector}
}

// Routes returns a chi.Router with /status and /detect mounted. Both
// require at least an admin role, per §6.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(auth.RequireMinRole(auth.RoleAdmin))
	r.Get("/status", h.handleStatus)
	r.Post("/detect", h.handleDetect)
	return r
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	httpserver.Respond(w, http.StatusOK, h.detector.Status())
}

type detectResponse struct {
	AlertsGenerated int `json:"alerts_generated"`
}

func (h *Handler) handleDetect(w http.ResponseWriter, r *http.Request) {
	n, err := h.detector.Tick(r.Context())
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "detection pass failed")
		return
	}
	httpserver.Respond(w, http.StatusOK, detectResponse{AlertsGenerated: n})
}
