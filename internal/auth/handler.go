package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/httpserver"
)

// Handler provides HTTP handlers for the credential and identity endpoints.
type Handler struct {
	svc     *Service
	limiter *RateLimiter
	logger  *slog.Logger
	// touch, if set, records a device heartbeat (refreshes last_seen and
	// online status). Wired to the store from internal/app; nil in tests.
	touch func(ctx context.Context, deviceID uuid.UUID) error
}

// NewHandler creates a Handler. limiter may be nil to disable login
// throttling (e.g. in tests). touch may be nil to no-op heartbeats.
func NewHandler(svc *Service, limiter *RateLimiter, touch func(context.Context, uuid.UUID) error, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, limiter: limiter, touch: touch, logger: logger}
}

// Routes returns a chi.Router with the auth routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/signup", h.handleSignup)
	r.Post("/login", h.handleLogin)
	r.With(RequireMinRole(RoleAdmin)).Post("/invitations", h.handleIssueInvitation)
	return r
}

// AgentRoutes returns a chi.Router with the device-agent routes mounted.
// /agent/register is unauthenticated (it trades an invitation for a
// credential); /agent/heartbeat requires a device credential.
func (h *Handler) AgentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.handleAgentRegister)
	r.With(RequireRole(RoleDevice)).Post("/heartbeat", h.handleAgentHeartbeat)
	return r
}

type signupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role"`
}

type signupResponse struct {
	UserID uuid.UUID `json:"user_id"`
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	var creator *uuid.UUID
	if id := FromContext(r.Context()); id != nil {
		creator = id.UserID
	}

	userID, err := h.svc.RegisterUser(r.Context(), req.Email, req.Password, req.Role, creator)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusCreated, signupResponse{UserID: userID})
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	ip := clientIP(r)
	if h.limiter != nil {
		result, err := h.limiter.Check(r.Context(), ip)
		if err != nil {
			h.logger.Error("checking login rate limit", "error", err)
		} else if !result.Allowed {
			httpserver.RespondError(w, http.StatusTooManyRequests, "rate_limited", "too many login attempts, try again later")
			return
		}
	}

	token, err := h.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if h.limiter != nil {
			if rerr := h.limiter.Record(r.Context(), ip); rerr != nil {
				h.logger.Error("recording login rate limit", "error", rerr)
			}
		}
		h.respondServiceError(w, err)
		return
	}

	if h.limiter != nil {
		if rerr := h.limiter.Reset(r.Context(), ip); rerr != nil {
			h.logger.Error("resetting login rate limit", "error", rerr)
		}
	}

	httpserver.Respond(w, http.StatusOK, loginResponse{AccessToken: token, TokenType: "Bearer"})
}

type agentRegisterRequest struct {
	Invitation string `json:"invitation" validate:"required"`
	Hostname   string `json:"hostname" validate:"required"`
	OS         string `json:"os" validate:"required"`
}

type agentRegisterResponse struct {
	DeviceID   uuid.UUID `json:"device_id"`
	AgentToken string    `json:"agent_token"`
}

func (h *Handler) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var req agentRegisterRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	descriptor := req.Hostname + "/" + req.OS
	deviceID, agentToken, err := h.svc.RedeemInvitation(r.Context(), req.Invitation, descriptor)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}

	httpserver.Respond(w, http.StatusCreated, agentRegisterResponse{DeviceID: deviceID, AgentToken: agentToken})
}

type heartbeatResponse struct {
	Status string `json:"status"`
}

func (h *Handler) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil || id.DeviceID == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "device credential required")
		return
	}

	if h.touch != nil {
		if err := h.touch(r.Context(), *id.DeviceID); err != nil {
			h.logger.Error("recording heartbeat", "error", err, "device_id", id.DeviceID)
		}
	}

	httpserver.Respond(w, http.StatusOK, heartbeatResponse{Status: "ok"})
}

// clientIP extracts the caller's IP address, preferring the first hop of
// X-Forwarded-For when present. The header is trusted as sent; no proxy
// allowlist is checked.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i, c := range xff {
			if c == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type issueInvitationResponse struct {
	Token string    `json:"token"`
	ID    uuid.UUID `json:"id"`
}

func (h *Handler) handleIssueInvitation(w http.ResponseWriter, r *http.Request) {
	id := FromContext(r.Context())
	if id == nil || id.UserID == nil {
		httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	token, invID, err := h.svc.IssueInvitation(r.Context(), *id.UserID)
	if err != nil {
		h.logger.Error("issuing invitation", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to issue invitation")
		return
	}

	httpserver.Respond(w, http.StatusCreated, issueInvitationResponse{Token: token, ID: invID})
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrDuplicateEmail):
		httpserver.RespondError(w, http.StatusConflict, "duplicate_email", err.Error())
	case errors.Is(err, ErrWeakPassword):
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "weak_password", err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		httpserver.RespondError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, ErrInvitationNotFound):
		httpserver.RespondError(w, http.StatusNotFound, "invitation_not_found", err.Error())
	case errors.Is(err, ErrInvitationExpired):
		httpserver.RespondError(w, http.StatusGone, "invitation_expired", err.Error())
	case errors.Is(err, ErrInvitationConsumed):
		httpserver.RespondError(w, http.StatusConflict, "invitation_consumed", err.Error())
	default:
		h.logger.Error("auth request failed", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "request failed")
	}
}
