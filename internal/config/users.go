package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tmarks/tmarks/internal/model"
)

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// Deployments created before the role column existed are still supported, so
// every user query comes in two explicit variants selected by probing the
// schema.
const (
	userColumnsWithRole = "id, username, email, password_hash, role, created_at, updated_at"
	userColumnsNoRole   = "id, username, email, password_hash, created_at, updated_at"
)

// HasUserRoleColumn reports whether the users table carries a role column.
func (s *Store) HasUserRoleColumn(ctx context.Context) (bool, error) {
	var q string
	switch s.dialect {
	case DialectPostgres:
		q = `SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = 'users' AND column_name = 'role'`
	default:
		q = `SELECT COUNT(*) FROM pragma_table_info('users') WHERE name = 'role'`
	}
	var n int
	if err := s.db.GetContext(ctx, &n, q); err != nil {
		return false, fmt.Errorf("probe users.role column: %w", err)
	}
	return n > 0, nil
}

func (s *Store) userColumns(ctx context.Context) (string, bool, error) {
	hasRole, err := s.HasUserRoleColumn(ctx)
	if err != nil {
		return "", false, err
	}
	if hasRole {
		return userColumnsWithRole, true, nil
	}
	return userColumnsNoRole, false, nil
}

// FindUserByLogin returns the user whose username or email matches login,
// case-insensitively. Role is left empty when the schema has no role column.
func (s *Store) FindUserByLogin(ctx context.Context, login string) (*model.User, error) {
	cols, _, err := s.userColumns(ctx)
	if err != nil {
		return nil, err
	}
	q := s.rebind(`SELECT ` + cols + ` FROM users
		WHERE LOWER(username) = LOWER(?) OR LOWER(email) = LOWER(?)
		ORDER BY created_at ASC, id ASC LIMIT 1`)

	var u model.User
	if err := s.db.GetContext(ctx, &u, q, login, login); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find user by login: %w", err)
	}
	return &u, nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	cols, _, err := s.userColumns(ctx)
	if err != nil {
		return nil, err
	}
	var u model.User
	if err := s.db.GetContext(ctx, &u, s.rebind(`SELECT `+cols+` FROM users WHERE id = ?`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// ListUsers returns all users ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	cols, _, err := s.userColumns(ctx)
	if err != nil {
		return nil, err
	}
	var users []model.User
	if err := s.db.SelectContext(ctx, &users, `SELECT `+cols+` FROM users ORDER BY username`); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// CreateUser inserts a user. ID and timestamps are filled in when empty.
// Returns ErrConflict when the username or email is taken.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = newID()
	}
	u.CreatedAt = nowUTC(u.CreatedAt)
	u.UpdatedAt = u.CreatedAt
	if u.Role == "" {
		u.Role = model.DefaultRole
	}

	_, hasRole, err := s.userColumns(ctx)
	if err != nil {
		return err
	}
	q := `INSERT INTO users (id, username, email, password_hash, created_at, updated_at)
		VALUES (:id, :username, :email, :password_hash, :created_at, :updated_at)`
	if hasRole {
		q = `INSERT INTO users (id, username, email, password_hash, role, created_at, updated_at)
		VALUES (:id, :username, :email, :password_hash, :role, :created_at, :updated_at)`
	}

	if _, err := s.db.NamedExecContext(ctx, q, u); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert user %q: %w", strings.ToLower(u.Username), ErrConflict)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}
