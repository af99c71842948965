package model

import "time"

// Audit event types.
const (
	EventLoginSuccess     = "auth.login_success"
	EventLoginFailed      = "auth.login_failed"
	EventLogout           = "auth.logout"
	EventLogoutAllDevices = "auth.logout_all_devices"
	EventTokenRefreshed   = "auth.token_refreshed"
)

// AuditLog is an append-only security event. UserID is nil for failed
// logins against unknown accounts.
type AuditLog struct {
	ID        string         `json:"id"`
	UserID    *string        `json:"user_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	IP        *string        `json:"ip"`
	UserAgent *string        `json:"user_agent"`
	CreatedAt time.Time      `json:"created_at"`
}
