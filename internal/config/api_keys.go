package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tmarks/tmarks/internal/model"
)

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

const apiKeyColumns = `id, user_id, key_hash, key_prefix, name, description, permissions,
	status, expires_at, last_used_at, last_used_ip, created_at, updated_at`

// apiKeyRow maps 1:1 to the api_keys table. Permissions are stored as a JSON
// array of capability strings.
type apiKeyRow struct {
	ID              string     `db:"id"`
	UserID          string     `db:"user_id"`
	KeyHash         string     `db:"key_hash"`
	KeyPrefix       string     `db:"key_prefix"`
	Name            string     `db:"name"`
	Description     *string    `db:"description"`
	PermissionsJSON string     `db:"permissions"`
	Status          string     `db:"status"`
	ExpiresAt       *time.Time `db:"expires_at"`
	LastUsedAt      *time.Time `db:"last_used_at"`
	LastUsedIP      *string    `db:"last_used_ip"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	perms := k.Permissions
	if perms == nil {
		perms = []string{}
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("encode permissions: %w", err)
	}
	return apiKeyRow{
		ID:              k.ID,
		UserID:          k.UserID,
		KeyHash:         k.KeyHash,
		KeyPrefix:       k.KeyPrefix,
		Name:            k.Name,
		Description:     k.Description,
		PermissionsJSON: string(b),
		Status:          k.Status,
		ExpiresAt:       utcPtr(k.ExpiresAt),
		LastUsedAt:      utcPtr(k.LastUsedAt),
		LastUsedIP:      k.LastUsedIP,
		CreatedAt:       k.CreatedAt,
		UpdatedAt:       k.UpdatedAt,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	perms := []string{}
	if r.PermissionsJSON != "" {
		if err := json.Unmarshal([]byte(r.PermissionsJSON), &perms); err != nil {
			return model.APIKey{}, fmt.Errorf("decode permissions of api key %s: %w", r.ID, err)
		}
	}
	return model.APIKey{
		ID:          r.ID,
		UserID:      r.UserID,
		KeyHash:     r.KeyHash,
		KeyPrefix:   r.KeyPrefix,
		Name:        r.Name,
		Description: r.Description,
		Permissions: perms,
		Status:      r.Status,
		ExpiresAt:   r.ExpiresAt,
		LastUsedAt:  r.LastUsedAt,
		LastUsedIP:  r.LastUsedIP,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// CreateAPIKey inserts a new API key record. KeyHash must already be set. ID,
// status and timestamps are filled in when empty. Returns ErrConflict on a
// duplicate hash.
func (s *Store) CreateAPIKey(ctx context.Context, k *model.APIKey) error {
	if k.ID == "" {
		k.ID = newID()
	}
	if k.Status == "" {
		k.Status = model.APIKeyActive
	}
	k.CreatedAt = nowUTC(k.CreatedAt)
	k.UpdatedAt = k.CreatedAt

	row, err := apiKeyRowFromModel(k)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(id, user_id, key_hash, key_prefix, name, description, permissions, status, expires_at, created_at, updated_at)
		VALUES
		(:id, :user_id, :key_hash, :key_prefix, :name, :description, :permissions, :status, :expires_at, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert api key: %w", ErrConflict)
		}
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetAPIKeyByHash looks up an API key by its SHA-256 hash.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
}

// GetAPIKey returns the key id owned by userID. Keys owned by someone else
// are reported as ErrNotFound.
func (s *Store) GetAPIKey(ctx context.Context, userID, id string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ? AND user_id = ?`, id, userID)
}

func (s *Store) getAPIKey(ctx context.Context, q string, args ...any) (*model.APIKey, error) {
	var row apiKeyRow
	if err := s.db.GetContext(ctx, &row, s.rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	k, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ListAPIKeys returns the keys owned by userID, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]model.APIKey, error) {
	var rows []apiKeyRow
	q := s.rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys
		WHERE user_id = ? ORDER BY created_at DESC, id DESC`)
	if err := s.db.SelectContext(ctx, &rows, q, userID); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// UpdateAPIKey writes the editable fields of k (name, description,
// permissions, expiry). Status and usage columns are left alone.
func (s *Store) UpdateAPIKey(ctx context.Context, k *model.APIKey) error {
	k.UpdatedAt = nowUTC(k.UpdatedAt)
	row, err := apiKeyRowFromModel(k)
	if err != nil {
		return err
	}

	const q = `UPDATE api_keys SET
		name = :name, description = :description, permissions = :permissions,
		expires_at = :expires_at, updated_at = :updated_at
		WHERE id = :id AND user_id = :user_id`

	result, err := s.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return fmt.Errorf("update api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAPIKeyExpired moves an active key to expired. Keys that already left
// the active state are untouched, so concurrent callers all succeed.
func (s *Store) MarkAPIKeyExpired(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE api_keys SET status = 'expired', updated_at = ? WHERE id = ? AND status = 'active'`),
		at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark api key expired: %w", err)
	}
	return nil
}

// RevokeAPIKey moves the user's active key to revoked and reports whether it
// changed. A key that is already revoked or expired is left as is. Returns
// ErrNotFound if the user owns no such key.
func (s *Store) RevokeAPIKey(ctx context.Context, userID, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE api_keys SET status = 'revoked', updated_at = ?
		WHERE id = ? AND user_id = ? AND status = 'active'`),
		at.UTC(), id, userID)
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var count int
	if err := s.db.GetContext(ctx, &count, s.rebind(
		`SELECT COUNT(*) FROM api_keys WHERE id = ? AND user_id = ?`), id, userID); err != nil {
		return false, fmt.Errorf("check api key: %w", err)
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// DeleteAPIKey permanently removes the user's key together with its usage
// logs.
func (s *Store) DeleteAPIKey(ctx context.Context, userID, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete api key: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, tx.Rebind(
		`SELECT COUNT(*) FROM api_keys WHERE id = ? AND user_id = ?`), id, userID); err != nil {
		return fmt.Errorf("check api key: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM api_key_logs WHERE api_key_id = ?`), id); err != nil {
		return fmt.Errorf("delete api key logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM api_keys WHERE id = ? AND user_id = ?`), id, userID); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete api key: %w", err)
	}
	return nil
}

// TouchAPIKey records the time and client address of the key's latest use.
func (s *Store) TouchAPIKey(ctx context.Context, id, ip string, at time.Time) error {
	var ipArg *string
	if ip != "" {
		ipArg = &ip
	}
	result, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE api_keys SET last_used_at = ?, last_used_ip = ? WHERE id = ?`),
		at.UTC(), ipArg, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update api key last used rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
