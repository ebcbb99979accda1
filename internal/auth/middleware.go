package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Middleware returns an HTTP middleware that authenticates the caller via
// Authorization: Bearer <token> and stores the resulting Identity in the
// request context.
//
// Authentication precedence:
//  1. Device agent token (opaque, "agt_" prefixed) → device credential lookup
//  2. Session JWT (HS256, issued by authenticate()) → user identity
//
// Requests without a bearer Authorization header proceed unauthenticated;
// handlers that require a caller use RequireAuth/RequireRole/RequireMinRole
// to reject them. A bearer token that fails verification is rejected with 401.
func Middleware(svc *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") && !strings.HasPrefix(authHeader, "bearer ") {
				next.ServeHTTP(w, r)
				return
			}
			rawToken := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(authHeader, "Bearer "), "bearer "))

			var identity *Identity

			if strings.HasPrefix(rawToken, "agt_") {
				deviceID, err := svc.ResolveDeviceToken(r.Context(), rawToken)
				if err != nil {
					logger.Debug("device token authentication failed", "error", err)
					respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid device credential")
					return
				}
				identity = &Identity{
					Subject:  "device:" + deviceID.String(),
					Role:     RoleDevice,
					DeviceID: &deviceID,
					Method:   MethodDevice,
				}
			} else {
				subject, role, rawUserID, err := svc.Verify(rawToken)
				if err != nil {
					logger.Debug("session token authentication failed", "error", err)
					respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
					return
				}
				identity = &Identity{
					Subject: subject,
					Role:    role,
					Method:  MethodUser,
				}
				if uid, err := uuid.Parse(rawUserID); err == nil {
					identity.UserID = &uid
				}
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
