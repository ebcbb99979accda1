package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserRow represents the user fields needed for authentication.
type UserRow struct {
	ID           uuid.UUID
	Email        string
	PasswordHash string
	Role         string
	Active       bool
}

// DeviceCredentialRow represents the agent credential fields needed to
// resolve a device bearer token.
type DeviceCredentialRow struct {
	DeviceID uuid.UUID
}

// InvitationRow represents a stored invitation token.
type InvitationRow struct {
	ID        uuid.UUID
	TokenHash string
	CreatedBy uuid.UUID
	ExpiresAt time.Time
	ConsumedAt *time.Time
}

// Storage abstracts the database operations required by the auth package,
// decoupling token issuance/verification logic from the storage engine.
type Storage interface {
	// Users.
	GetUserByEmail(ctx context.Context, email string) (*UserRow, error)
	CreateUser(ctx context.Context, email, passwordHash, role string, creator *uuid.UUID) (uuid.UUID, error)
	CountEnabledOwners(ctx context.Context) (int, error)

	// Invitations.
	CreateInvitation(ctx context.Context, tokenHash string, creator uuid.UUID, expiresAt time.Time) (uuid.UUID, error)
	GetInvitationByHash(ctx context.Context, tokenHash string) (*InvitationRow, error)
	ConsumeInvitation(ctx context.Context, id uuid.UUID, consumedAt time.Time) error

	// RedeemInvitation atomically consumes an invitation (failing with
	// ErrInvitationConsumed if a racing redemption already consumed it)
	// and provisions the device and credential the consumption grants,
	// so two concurrent redemptions of one token can never both succeed.
	RedeemInvitation(ctx context.Context, invitationID uuid.UUID, consumedAt time.Time, deviceDescriptor, credentialHash string) (deviceID uuid.UUID, err error)

	// Devices and credentials.
	GetDeviceIDByTokenHash(ctx context.Context, tokenHash string) (uuid.UUID, error)
	CreateDevice(ctx context.Context, descriptor string) (uuid.UUID, error)
	CreateDeviceCredential(ctx context.Context, deviceID uuid.UUID, tokenHash string) error
}
