package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sync"
	"time"

	"github.com/google/uuid"
)

// invitationTTL is how long an issued invitation remains redeemable.
const invitationTTL = 24 * time.Hour

// redeemIdempotencyWindow bounds how long a repeated redemption of an
// already-consumed invitation is tolerated as a retry of the first redemption
// rather than rejected outright.
const redeemIdempotencyWindow = 10 * time.Second

// Service implements the credential and identity operations of the
// authentication component: registration, login, invitation issuance and
// redemption, and token verification.
type Service struct {
	store   Storage
	session *SessionManager
	logger  *slog.Logger

	redeemMu    sync.Mutex
	redeemCache map[uuid.UUID]redeemResult
}

type redeemResult struct {
	deviceID   uuid.UUID
	agentToken string
	at         time.Time
}

// NewService creates a Service backed by the given storage and session manager.
func NewService(store Storage, session *SessionManager, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		session:     session,
		logger:      logger,
		redeemCache: make(map[uuid.UUID]redeemResult),
	}
}

// RegisterUser creates a new user account. The first ever registered user is
// implicitly granted the owner role regardless of the requested role.
func (s *Service) RegisterUser(ctx context.Context, email, password, role string, creator *uuid.UUID) (uuid.UUID, error) {
	if _, err := mail.ParseAddress(email); err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid email syntax", ErrInvalidCredentials)
	}
	if IsWeakPassword(password) {
		return uuid.Nil, ErrWeakPassword
	}
	if !IsValidRole(role) || role == RoleDevice {
		role = RoleAnalyst
	}

	if existing, err := s.store.GetUserByEmail(ctx, email); err != nil {
		return uuid.Nil, fmt.Errorf("checking existing user: %w", err)
	} else if existing != nil {
		return uuid.Nil, ErrDuplicateEmail
	}

	owners, err := s.store.CountEnabledOwners(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("counting owners: %w", err)
	}
	if owners == 0 {
		role = RoleOwner
	}

	hash, err := HashPassword(password)
	if err != nil {
		return uuid.Nil, fmt.Errorf("hashing password: %w", err)
	}

	id, err := s.store.CreateUser(ctx, email, hash, role, creator)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating user: %w", err)
	}

	s.logger.Info("user registered", "user_id", id, "role", role)
	return id, nil
}

// Authenticate verifies credentials and issues a bearer token valid for
// the session manager's TTL. Password comparison is constant-time via VerifyPassword.
func (s *Service) Authenticate(ctx context.Context, email, password string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("looking up user: %w", err)
	}
	if user == nil || !user.Active {
		// Run the hash comparison anyway against a fixed dummy hash so that
		// account-not-found and wrong-password take the same amount of time.
		VerifyPassword(dummyHash, password)
		return "", ErrInvalidCredentials
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return "", ErrInvalidCredentials
	}

	token, err := s.session.IssueToken(SessionClaims{
		Subject: user.Email,
		Role:    user.Role,
		UserID:  user.ID.String(),
	})
	if err != nil {
		return "", fmt.Errorf("issuing token: %w", err)
	}
	return token, nil
}

// dummyHash is a well-formed Argon2id hash used to equalize authenticate()
// timing between "no such user" and "wrong password".
const dummyHash = "$argon2id$v=19$m=65536,t=3,p=4$AAAAAAAAAAAAAAAAAAAAAA$AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

// IssueInvitation creates a single-use invitation token, returning the raw
// token (shown once to the caller) and its identifier.
func (s *Service) IssueInvitation(ctx context.Context, creator uuid.UUID) (rawToken string, id uuid.UUID, err error) {
	raw, hash, _ := generateOpaqueToken("inv")

	id, err = s.store.CreateInvitation(ctx, hash, creator, time.Now().Add(invitationTTL))
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("creating invitation: %w", err)
	}
	return raw, id, nil
}

// RedeemInvitation consumes an invitation token and provisions a new device
// with a bearer credential. A repeated redemption of the same token within
// redeemIdempotencyWindow of the first successful redemption returns the
// same (device_id, agent_token) pair rather than failing; outside that
// window it fails with ErrInvitationConsumed.
func (s *Service) RedeemInvitation(ctx context.Context, token, deviceDescriptor string) (deviceID uuid.UUID, agentToken string, err error) {
	hash := hashToken(token)

	inv, err := s.store.GetInvitationByHash(ctx, hash)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("looking up invitation: %w", err)
	}
	if inv == nil {
		return uuid.Nil, "", ErrInvitationNotFound
	}
	if time.Now().After(inv.ExpiresAt) {
		return uuid.Nil, "", ErrInvitationExpired
	}

	if inv.ConsumedAt != nil {
		s.redeemMu.Lock()
		cached, ok := s.redeemCache[inv.ID]
		s.redeemMu.Unlock()
		if ok && time.Since(cached.at) <= redeemIdempotencyWindow {
			return cached.deviceID, cached.agentToken, nil
		}
		return uuid.Nil, "", ErrInvitationConsumed
	}

	rawAgentToken, agentHash, _ := generateOpaqueToken("agt")

	now := time.Now()
	deviceID, err = s.store.RedeemInvitation(ctx, inv.ID, now, deviceDescriptor, agentHash)
	if err != nil {
		if errors.Is(err, ErrInvitationConsumed) {
			// Lost the race to a concurrent redemption of the same token.
			return uuid.Nil, "", ErrInvitationConsumed
		}
		return uuid.Nil, "", fmt.Errorf("redeeming invitation: %w", err)
	}

	s.redeemMu.Lock()
	s.redeemCache[inv.ID] = redeemResult{deviceID: deviceID, agentToken: rawAgentToken, at: now}
	s.redeemMu.Unlock()

	s.logger.Info("invitation redeemed", "invitation_id", inv.ID, "device_id", deviceID)
	return deviceID, rawAgentToken, nil
}

// Verify validates a bearer session token and returns the embedded subject,
// role, and user identifier.
func (s *Service) Verify(token string) (subject, role, userID string, err error) {
	claims, err := s.session.ValidateToken(token)
	if err != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	return claims.Subject, claims.Role, claims.UserID, nil
}

// ResolveDeviceToken looks up the device identifier for a raw agent bearer
// token, used by the HTTP auth middleware for device-authenticated requests.
func (s *Service) ResolveDeviceToken(ctx context.Context, rawToken string) (uuid.UUID, error) {
	id, err := s.store.GetDeviceIDByTokenHash(ctx, hashToken(rawToken))
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
