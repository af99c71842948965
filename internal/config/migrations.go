package config

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	ts := "DATETIME"
	addColumn := "ADD COLUMN"
	if s.dialect == DialectPostgres {
		ts = "TIMESTAMPTZ"
		addColumn = "ADD COLUMN IF NOT EXISTS"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT UNIQUE NOT NULL,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			created_at ` + ts + ` NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at ` + ts + ` NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS auth_tokens (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			refresh_token_hash TEXT UNIQUE NOT NULL,
			expires_at ` + ts + ` NOT NULL,
			revoked_at ` + ts + `,
			created_at ` + ts + ` NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			key_hash TEXT UNIQUE NOT NULL,
			key_prefix TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			permissions TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'active'
				CHECK (status IN ('active', 'revoked', 'expired')),
			expires_at ` + ts + `,
			last_used_at ` + ts + `,
			last_used_ip TEXT,
			created_at ` + ts + ` NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at ` + ts + ` NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS api_key_logs (
			id TEXT PRIMARY KEY,
			api_key_id TEXT NOT NULL REFERENCES api_keys(id),
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			status INTEGER NOT NULL,
			ip TEXT,
			created_at ` + ts + ` NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS audit_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			ip TEXT,
			user_agent TEXT,
			created_at ` + ts + ` NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_auth_tokens_user_id ON auth_tokens(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_api_key_logs_key_created ON api_key_logs(api_key_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_user_id ON audit_logs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type)`,

		// v2: Per-user role. Older deployments run without it.
		`ALTER TABLE users ` + addColumn + ` role TEXT NOT NULL DEFAULT 'user'`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// SQLite ALTER TABLE ADD COLUMN fails if column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
