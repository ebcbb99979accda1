package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeStorage is an in-memory Storage implementation for service tests.
type fakeStorage struct {
	usersByEmail map[string]*UserRow
	invitations  map[uuid.UUID]*InvitationRow
	devices      map[uuid.UUID]string
	credentials  map[string]uuid.UUID // token hash -> device id
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		usersByEmail: make(map[string]*UserRow),
		invitations:  make(map[uuid.UUID]*InvitationRow),
		devices:      make(map[uuid.UUID]string),
		credentials:  make(map[string]uuid.UUID),
	}
}

func (f *fakeStorage) GetUserByEmail(_ context.Context, email string) (*UserRow, error) {
	return f.usersByEmail[email], nil
}

func (f *fakeStorage) CreateUser(_ context.Context, email, passwordHash, role string, _ *uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	f.usersByEmail[email] = &UserRow{ID: id, Email: email, PasswordHash: passwordHash, Role: role, Active: true}
	return id, nil
}

func (f *fakeStorage) CountEnabledOwners(_ context.Context) (int, error) {
	n := 0
	for _, u := range f.usersByEmail {
		if u.Active && u.Role == RoleOwner {
			n++
		}
	}
	return n, nil
}

func (f *fakeStorage) CreateInvitation(_ context.Context, tokenHash string, creator uuid.UUID, expiresAt time.Time) (uuid.UUID, error) {
	id := uuid.New()
	f.invitations[id] = &InvitationRow{ID: id, TokenHash: tokenHash, CreatedBy: creator, ExpiresAt: expiresAt}
	return id, nil
}

func (f *fakeStorage) GetInvitationByHash(_ context.Context, tokenHash string) (*InvitationRow, error) {
	for _, inv := range f.invitations {
		if inv.TokenHash == tokenHash {
			return inv, nil
		}
	}
	return nil, nil
}

func (f *fakeStorage) ConsumeInvitation(_ context.Context, id uuid.UUID, consumedAt time.Time) error {
	inv, ok := f.invitations[id]
	if !ok {
		return errors.New("invitation not found")
	}
	if inv.ConsumedAt != nil {
		return ErrInvitationConsumed
	}
	inv.ConsumedAt = &consumedAt
	return nil
}

// RedeemInvitation mirrors the real store's guard-then-provision
// transaction: a racing caller that finds the invitation already consumed
// gets ErrInvitationConsumed and no device is created.
func (f *fakeStorage) RedeemInvitation(ctx context.Context, invitationID uuid.UUID, consumedAt time.Time, deviceDescriptor, credentialHash string) (uuid.UUID, error) {
	if err := f.ConsumeInvitation(ctx, invitationID, consumedAt); err != nil {
		return uuid.Nil, err
	}
	deviceID, err := f.CreateDevice(ctx, deviceDescriptor)
	if err != nil {
		return uuid.Nil, err
	}
	if err := f.CreateDeviceCredential(ctx, deviceID, credentialHash); err != nil {
		return uuid.Nil, err
	}
	return deviceID, nil
}

func (f *fakeStorage) GetDeviceIDByTokenHash(_ context.Context, tokenHash string) (uuid.UUID, error) {
	id, ok := f.credentials[tokenHash]
	if !ok {
		return uuid.Nil, errors.New("credential not found")
	}
	return id, nil
}

func (f *fakeStorage) CreateDevice(_ context.Context, descriptor string) (uuid.UUID, error) {
	id := uuid.New()
	f.devices[id] = descriptor
	return id, nil
}

func (f *fakeStorage) CreateDeviceCredential(_ context.Context, deviceID uuid.UUID, tokenHash string) error {
	f.credentials[tokenHash] = deviceID
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeStorage) {
	t.Helper()
	store := newFakeStorage()
	sm, err := NewSessionManager(GenerateDevSecret(), SessionTTL)
	if err != nil {
		t.Fatalf("NewSessionManager() error = %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, sm, logger), store
}

func TestRegisterUserFirstBecomesOwner(t *testing.T) {
	svc, store := newTestService(t)

	id, err := svc.RegisterUser(context.Background(), "first@example.com", "reasonable-pw-123", RoleAnalyst, nil)
	if err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	u := store.usersByEmail["first@example.com"]
	if u.ID != id || u.Role != RoleOwner {
		t.Errorf("first registered user role = %q, want %q", u.Role, RoleOwner)
	}
}

func TestRegisterUserDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "dup@example.com", "reasonable-pw-123", RoleAnalyst, nil); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	_, err := svc.RegisterUser(ctx, "dup@example.com", "another-pw-456", RoleAnalyst, nil)
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("RegisterUser() error = %v, want ErrDuplicateEmail", err)
	}
}

func TestRegisterUserWeakPassword(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RegisterUser(context.Background(), "weak@example.com", "short", RoleAnalyst, nil)
	if !errors.Is(err, ErrWeakPassword) {
		t.Errorf("RegisterUser() error = %v, want ErrWeakPassword", err)
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "login@example.com", "reasonable-pw-123", RoleAnalyst, nil); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	token, err := svc.Authenticate(ctx, "login@example.com", "reasonable-pw-123")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}

	subject, role, _, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if subject != "login@example.com" || role != RoleOwner {
		t.Errorf("Verify() = (%q, %q), want (%q, %q)", subject, role, "login@example.com", RoleOwner)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "wrongpw@example.com", "reasonable-pw-123", RoleAnalyst, nil); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}

	if _, err := svc.Authenticate(ctx, "wrongpw@example.com", "incorrect"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Authenticate() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)
	if _, err := svc.Authenticate(context.Background(), "nobody@example.com", "whatever123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Authenticate() error = %v, want ErrInvalidCredentials", err)
	}
}

func TestIssueAndRedeemInvitation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	creator := uuid.New()

	rawToken, _, err := svc.IssueInvitation(ctx, creator)
	if err != nil {
		t.Fatalf("IssueInvitation() error = %v", err)
	}

	deviceID, agentToken, err := svc.RedeemInvitation(ctx, rawToken, "host-01")
	if err != nil {
		t.Fatalf("RedeemInvitation() error = %v", err)
	}
	if deviceID == uuid.Nil || agentToken == "" {
		t.Error("RedeemInvitation() returned zero values")
	}

	resolved, err := svc.ResolveDeviceToken(ctx, agentToken)
	if err != nil {
		t.Fatalf("ResolveDeviceToken() error = %v", err)
	}
	if resolved != deviceID {
		t.Errorf("ResolveDeviceToken() = %v, want %v", resolved, deviceID)
	}
}

func TestRedeemInvitationIdempotentWithinWindow(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	rawToken, _, err := svc.IssueInvitation(ctx, uuid.New())
	if err != nil {
		t.Fatalf("IssueInvitation() error = %v", err)
	}

	deviceID1, agentToken1, err := svc.RedeemInvitation(ctx, rawToken, "host-01")
	if err != nil {
		t.Fatalf("RedeemInvitation() first call error = %v", err)
	}

	deviceID2, agentToken2, err := svc.RedeemInvitation(ctx, rawToken, "host-01")
	if err != nil {
		t.Fatalf("RedeemInvitation() second call error = %v, want idempotent success", err)
	}

	if deviceID1 != deviceID2 || agentToken1 != agentToken2 {
		t.Error("RedeemInvitation() second call within window should return the same result")
	}
}

func TestRedeemInvitationConsumedOutsideWindow(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	rawToken, invID, err := svc.IssueInvitation(ctx, uuid.New())
	if err != nil {
		t.Fatalf("IssueInvitation() error = %v", err)
	}

	if _, _, err := svc.RedeemInvitation(ctx, rawToken, "host-01"); err != nil {
		t.Fatalf("RedeemInvitation() first call error = %v", err)
	}

	// Simulate the idempotency window having elapsed.
	svc.redeemMu.Lock()
	cached := svc.redeemCache[invID]
	cached.at = time.Now().Add(-redeemIdempotencyWindow - time.Second)
	svc.redeemCache[invID] = cached
	svc.redeemMu.Unlock()

	if _, _, err := svc.RedeemInvitation(ctx, rawToken, "host-01"); !errors.Is(err, ErrInvitationConsumed) {
		t.Errorf("RedeemInvitation() error = %v, want ErrInvitationConsumed", err)
	}

	if len(store.invitations) != 1 {
		t.Fatalf("expected exactly one invitation stored")
	}
}

func TestStorageRedeemInvitation_ConcurrentGuard(t *testing.T) {
	_, store := newTestService(t)
	ctx := context.Background()

	invID, err := store.CreateInvitation(ctx, "hash", uuid.New(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CreateInvitation() error = %v", err)
	}

	// Two redemptions racing against the same not-yet-consumed invitation:
	// both pass a pre-consumption nil check, but only one may win the
	// conditional consume.
	if _, err := store.RedeemInvitation(ctx, invID, time.Now(), "host-01", "cred-1"); err != nil {
		t.Fatalf("first redemption error = %v", err)
	}
	if _, err := store.RedeemInvitation(ctx, invID, time.Now(), "host-01", "cred-2"); !errors.Is(err, ErrInvitationConsumed) {
		t.Errorf("second concurrent redemption error = %v, want ErrInvitationConsumed", err)
	}

	if len(store.devices) != 1 {
		t.Errorf("len(store.devices) = %d, want 1 (losing redemption must not provision a device)", len(store.devices))
	}
}

func TestRedeemInvitationUnknownToken(t *testing.T) {
	svc, _ := newTestService(t)
	if _, _, err := svc.RedeemInvitation(context.Background(), "inv_bogus", "host-01"); !errors.Is(err, ErrInvitationNotFound) {
		t.Errorf("RedeemInvitation() error = %v, want ErrInvitationNotFound", err)
	}
}
