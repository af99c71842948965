package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tmarks/tmarks/internal/model"
)

// ---------------------------------------------------------------------------
// Refresh tokens (auth_tokens)
// ---------------------------------------------------------------------------

const refreshTokenColumns = "id, user_id, refresh_token_hash, expires_at, revoked_at, created_at"

// CreateRefreshToken persists a refresh token digest. ID and CreatedAt are
// filled in when empty.
func (s *Store) CreateRefreshToken(ctx context.Context, t *model.RefreshToken) error {
	return s.insertRefreshToken(ctx, s.db, t)
}

func (s *Store) insertRefreshToken(ctx context.Context, ext sqlx.ExtContext, t *model.RefreshToken) error {
	if t.ID == "" {
		t.ID = newID()
	}
	t.CreatedAt = nowUTC(t.CreatedAt)
	t.ExpiresAt = t.ExpiresAt.UTC()

	const q = `INSERT INTO auth_tokens
		(id, user_id, refresh_token_hash, expires_at, created_at)
		VALUES
		(:id, :user_id, :refresh_token_hash, :expires_at, :created_at)`

	if _, err := sqlx.NamedExecContext(ctx, ext, q, t); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert refresh token: %w", ErrConflict)
		}
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// GetRefreshTokenByHash looks up a refresh token by the digest of its secret.
func (s *Store) GetRefreshTokenByHash(ctx context.Context, hash string) (*model.RefreshToken, error) {
	var t model.RefreshToken
	q := s.rebind(`SELECT ` + refreshTokenColumns + ` FROM auth_tokens WHERE refresh_token_hash = ?`)
	if err := s.db.GetContext(ctx, &t, q, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get refresh token by hash: %w", err)
	}
	return &t, nil
}

// ListRefreshTokens returns all refresh tokens of a user, newest first.
func (s *Store) ListRefreshTokens(ctx context.Context, userID string) ([]model.RefreshToken, error) {
	var tokens []model.RefreshToken
	q := s.rebind(`SELECT ` + refreshTokenColumns + ` FROM auth_tokens
		WHERE user_id = ? ORDER BY created_at DESC, id DESC`)
	if err := s.db.SelectContext(ctx, &tokens, q, userID); err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	return tokens, nil
}

// RevokeRefreshToken revokes the user's token matching hash. It reports how
// many rows changed; zero is not an error.
func (s *Store) RevokeRefreshToken(ctx context.Context, userID, hash string, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE auth_tokens SET revoked_at = ?
		WHERE user_id = ? AND refresh_token_hash = ? AND revoked_at IS NULL`),
		at.UTC(), userID, hash)
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke refresh token rows affected: %w", err)
	}
	return n, nil
}

// RevokeAllRefreshTokens revokes every live token of a user.
func (s *Store) RevokeAllRefreshTokens(ctx context.Context, userID string, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE auth_tokens SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL`),
		at.UTC(), userID)
	if err != nil {
		return 0, fmt.Errorf("revoke all refresh tokens: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke all refresh tokens rows affected: %w", err)
	}
	return n, nil
}

// RotateRefreshToken revokes oldID and inserts next in one transaction.
// Returns ErrNotFound if oldID was already revoked, so only one of several
// concurrent rotations can win.
func (s *Store) RotateRefreshToken(ctx context.Context, oldID string, at time.Time, next *model.RefreshToken) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE auth_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`),
		at.UTC(), oldID)
	if err != nil {
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke rotated token rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := s.insertRefreshToken(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate: %w", err)
	}
	return nil
}
