package auth

import (
	"context"

	"github.com/google/uuid"
)

// Roles supported by the RBAC system, in descending privilege order.
const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleDevice  = "device_user"
)

// ValidRoles lists all known roles in descending privilege order.
var ValidRoles = []string{RoleOwner, RoleAdmin, RoleAnalyst, RoleDevice}

// roleLevel maps roles to a numeric privilege level for RequireMinRole checks.
var roleLevel = map[string]int{
	RoleOwner:   40,
	RoleAdmin:   30,
	RoleAnalyst: 20,
	RoleDevice:  10,
}

// Method describes how the caller was authenticated.
const (
	MethodUser   = "user"   // bearer JWT issued by authenticate()
	MethodDevice = "device" // bearer agent credential issued at registration
)

// Identity represents the authenticated caller for the current request.
type Identity struct {
	Subject  string     // user email, or "device:<device_id>"
	Role     string     // one of the Role* constants
	UserID   *uuid.UUID // non-nil for user-authenticated requests
	DeviceID *uuid.UUID // non-nil for device-authenticated requests
	Method   string     // one of the Method* constants
}

// IsValidRole reports whether role is a recognised RBAC role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if absent.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}
