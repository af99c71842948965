package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tmarks/tmarks/internal/model"
)

// ---------------------------------------------------------------------------
// Audit logs
// ---------------------------------------------------------------------------

type auditLogRow struct {
	ID          string    `db:"id"`
	UserID      *string   `db:"user_id"`
	EventType   string    `db:"event_type"`
	PayloadJSON string    `db:"payload"`
	IP          *string   `db:"ip"`
	UserAgent   *string   `db:"user_agent"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r auditLogRow) toModel() (model.AuditLog, error) {
	payload := map[string]any{}
	if r.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(r.PayloadJSON), &payload); err != nil {
			return model.AuditLog{}, fmt.Errorf("decode audit payload %s: %w", r.ID, err)
		}
	}
	return model.AuditLog{
		ID:        r.ID,
		UserID:    r.UserID,
		EventType: r.EventType,
		Payload:   payload,
		IP:        r.IP,
		UserAgent: r.UserAgent,
		CreatedAt: r.CreatedAt,
	}, nil
}

// CreateAuditLog appends a security event. Audit rows are never updated or
// deleted.
func (s *Store) CreateAuditLog(ctx context.Context, e *model.AuditLog) error {
	if e.ID == "" {
		e.ID = newID()
	}
	e.CreatedAt = nowUTC(e.CreatedAt)

	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}

	row := auditLogRow{
		ID:          e.ID,
		UserID:      e.UserID,
		EventType:   e.EventType,
		PayloadJSON: string(b),
		IP:          e.IP,
		UserAgent:   e.UserAgent,
		CreatedAt:   e.CreatedAt,
	}

	const q = `INSERT INTO audit_logs
		(id, user_id, event_type, payload, ip, user_agent, created_at)
		VALUES
		(:id, :user_id, :event_type, :payload, :ip, :user_agent, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// AuditFilter narrows ListAuditLogs. Zero values match everything.
type AuditFilter struct {
	UserID    string
	EventType string
	Limit     int
}

// ListAuditLogs returns audit events matching f, newest first.
func (s *Store) ListAuditLogs(ctx context.Context, f AuditFilter) ([]model.AuditLog, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}

	q := `SELECT id, user_id, event_type, payload, ip, user_agent, created_at FROM audit_logs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var rows []auditLogRow
	if err := s.db.SelectContext(ctx, &rows, s.rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	out := make([]model.AuditLog, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
