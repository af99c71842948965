package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tmarks/tmarks/internal/model"
)

// ---------------------------------------------------------------------------
// API key usage logs
// ---------------------------------------------------------------------------

const apiKeyLogColumns = "id, api_key_id, user_id, endpoint, method, status, ip, created_at"

// CreateAPIKeyLog appends one usage row. ID and CreatedAt are filled in when
// empty.
func (s *Store) CreateAPIKeyLog(ctx context.Context, l *model.APIKeyLog) error {
	if l.ID == "" {
		l.ID = newID()
	}
	l.CreatedAt = nowUTC(l.CreatedAt)

	const q = `INSERT INTO api_key_logs
		(id, api_key_id, user_id, endpoint, method, status, ip, created_at)
		VALUES
		(:id, :api_key_id, :user_id, :endpoint, :method, :status, :ip, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, l); err != nil {
		return fmt.Errorf("insert api key log: %w", err)
	}
	return nil
}

// PruneAPIKeyLogs deletes every log row of keyID outside the newest keep
// rows and returns how many were removed.
func (s *Store) PruneAPIKeyLogs(ctx context.Context, keyID string, keep int) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM api_key_logs
		WHERE api_key_id = ? AND id NOT IN (
			SELECT id FROM api_key_logs
			WHERE api_key_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`), keyID, keyID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune api key logs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune api key logs rows affected: %w", err)
	}
	return n, nil
}

// ListAPIKeyLogs returns the newest limit usage rows of keyID.
func (s *Store) ListAPIKeyLogs(ctx context.Context, keyID string, limit int) ([]model.APIKeyLog, error) {
	var logs []model.APIKeyLog
	q := s.rebind(`SELECT ` + apiKeyLogColumns + ` FROM api_key_logs
		WHERE api_key_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &logs, q, keyID, limit); err != nil {
		return nil, fmt.Errorf("list api key logs: %w", err)
	}
	return logs, nil
}

// GetAPIKeyStats aggregates the usage log of keyID.
func (s *Store) GetAPIKeyStats(ctx context.Context, keyID string) (*model.APIKeyStats, error) {
	stats := &model.APIKeyStats{}
	if err := s.db.GetContext(ctx, &stats.TotalRequests, s.rebind(
		`SELECT COUNT(*) FROM api_key_logs WHERE api_key_id = ?`), keyID); err != nil {
		return nil, fmt.Errorf("count api key logs: %w", err)
	}
	if stats.TotalRequests == 0 {
		return stats, nil
	}

	var last struct {
		CreatedAt time.Time `db:"created_at"`
		IP        *string   `db:"ip"`
	}
	err := s.db.GetContext(ctx, &last, s.rebind(
		`SELECT created_at, ip FROM api_key_logs
		WHERE api_key_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`), keyID)
	if err != nil {
		// A concurrent prune or hard delete can empty the log between queries.
		if errors.Is(err, sql.ErrNoRows) {
			return stats, nil
		}
		return nil, fmt.Errorf("get last api key log: %w", err)
	}
	stats.LastUsedAt = &last.CreatedAt
	stats.LastUsedIP = last.IP
	return stats, nil
}
