package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fenwicksec/siem/internal/auth"
)

// GetUserByEmail implements auth.Storage.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*auth.UserRow, error) {
	var row auth.UserRow
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, role, active
		FROM users WHERE email = $1
	`, email).Scan(&row.ID, &row.Email, &row.PasswordHash, &row.Role, &row.Active)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting user by email: %w", err)
	}
	return &row, nil
}

// CreateUser implements auth.Storage.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash, role string, creator *uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, role, active, created_by, created_at)
		VALUES ($1, $2, $3, true, $4, now())
		RETURNING id
	`, email, passwordHash, role, creator).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating user: %w", err)
	}
	return id, nil
}

// CountEnabledOwners implements auth.Storage.
func (s *Store) CountEnabledOwners(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM users WHERE role = $1 AND active
	`, auth.RoleOwner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting owners: %w", err)
	}
	return n, nil
}

// TouchLastLogin updates the user's last-login timestamp to now.
func (s *Store) TouchLastLogin(ctx context.Context, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET last_login = now() WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("touching last_login: %w", err)
	}
	return nil
}
