package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/auth"
)

// CreateInvitation implements auth.Storage.
func (s *Store) CreateInvitation(ctx context.Context, tokenHash string, creator uuid.UUID, expiresAt time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO invitations (token_hash, created_by, expires_at, created_at)
		VALUES ($1, $2, $3, now())
		RETURNING id
	`, tokenHash, creator, expiresAt).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating invitation: %w", err)
	}
	return id, nil
}

// GetInvitationByHash implements auth.Storage.
func (s *Store) GetInvitationByHash(ctx context.Context, tokenHash string) (*auth.InvitationRow, error) {
	var row auth.InvitationRow
	err := s.pool.QueryRow(ctx, `
		SELECT id, token_hash, created_by, expires_at, consumed_at
		FROM invitations WHERE token_hash = $1
	`, tokenHash).Scan(&row.ID, &row.TokenHash, &row.CreatedBy, &row.ExpiresAt, &row.ConsumedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting invitation: %w", err)
	}
	return &row, nil
}

// ConsumeInvitation implements auth.Storage. The update is conditional on
// consumed_at still being NULL and checks rows affected, so two concurrent
// redemptions of the same token can't both believe they won: the second one
// to reach this statement finds 0 rows affected and gets
// auth.ErrInvitationConsumed, never a device double-provisioned from one
// single-use invitation.
func (s *Store) ConsumeInvitation(ctx context.Context, id uuid.UUID, consumedAt time.Time) error {
	return consumeInvitation(ctx, s.pool, id, consumedAt)
}

func consumeInvitation(ctx context.Context, db DBTX, id uuid.UUID, consumedAt time.Time) error {
	tag, err := db.Exec(ctx, `
		UPDATE invitations SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL
	`, id, consumedAt)
	if err != nil {
		return fmt.Errorf("consuming invitation: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return auth.ErrInvitationConsumed
	}
	return nil
}

// GetDeviceIDByTokenHash implements auth.Storage.
func (s *Store) GetDeviceIDByTokenHash(ctx context.Context, tokenHash string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT device_id FROM device_credentials WHERE token_hash = $1
	`, tokenHash).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving device token: %w", err)
	}
	return id, nil
}

// CreateDeviceCredential implements auth.Storage.
func (s *Store) CreateDeviceCredential(ctx context.Context, deviceID uuid.UUID, tokenHash string) error {
	return createDeviceCredential(ctx, s.pool, deviceID, tokenHash)
}

func createDeviceCredential(ctx context.Context, db DBTX, deviceID uuid.UUID, tokenHash string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO device_credentials (device_id, token_hash, created_at)
		VALUES ($1, $2, now())
	`, deviceID, tokenHash)
	if err != nil {
		return fmt.Errorf("creating device credential: %w", err)
	}
	return nil
}

// RedeemInvitation implements auth.Storage. It runs the consumed_at guard,
// device creation, and credential creation in one transaction: if the guard
// finds the invitation already consumed by a racing redemption, the
// transaction rolls back and no device is left behind.
func (s *Store) RedeemInvitation(ctx context.Context, invitationID uuid.UUID, consumedAt time.Time, deviceDescriptor, credentialHash string) (uuid.UUID, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("beginning invitation redemption: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := consumeInvitation(ctx, tx, invitationID, consumedAt); err != nil {
		return uuid.Nil, err
	}

	deviceID, err := createDevice(ctx, tx, deviceDescriptor)
	if err != nil {
		return uuid.Nil, err
	}

	if err := createDeviceCredential(ctx, tx, deviceID, credentialHash); err != nil {
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("committing invitation redemption: %w", err)
	}
	return deviceID, nil
}
