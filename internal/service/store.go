package service

import (
	"context"
	"time"

	"github.com/tmarks/tmarks/internal/model"
)

// AuthStore is the persistence the session lifecycle needs. *config.Store
// implements it.
type AuthStore interface {
	FindUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)

	CreateRefreshToken(ctx context.Context, t *model.RefreshToken) error
	GetRefreshTokenByHash(ctx context.Context, hash string) (*model.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, userID, hash string, at time.Time) (int64, error)
	RevokeAllRefreshTokens(ctx context.Context, userID string, at time.Time) (int64, error)
	RotateRefreshToken(ctx context.Context, oldID string, at time.Time, next *model.RefreshToken) error

	CreateAuditLog(ctx context.Context, e *model.AuditLog) error
}

// APIKeyStore is the persistence behind API key management and validation.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, k *model.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	GetAPIKey(ctx context.Context, userID, id string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context, userID string) ([]model.APIKey, error)
	UpdateAPIKey(ctx context.Context, k *model.APIKey) error
	MarkAPIKeyExpired(ctx context.Context, id string, at time.Time) error
	RevokeAPIKey(ctx context.Context, userID, id string, at time.Time) (bool, error)
	DeleteAPIKey(ctx context.Context, userID, id string) error
	TouchAPIKey(ctx context.Context, id, ip string, at time.Time) error
}

// UsageStore is the persistence behind the API key usage log.
type UsageStore interface {
	CreateAPIKeyLog(ctx context.Context, l *model.APIKeyLog) error
	PruneAPIKeyLogs(ctx context.Context, keyID string, keep int) (int64, error)
	ListAPIKeyLogs(ctx context.Context, keyID string, limit int) ([]model.APIKeyLog, error)
	GetAPIKeyStats(ctx context.Context, keyID string) (*model.APIKeyStats, error)
}
