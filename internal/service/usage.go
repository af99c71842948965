package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tmarks/tmarks/internal/metrics"
	"github.com/tmarks/tmarks/internal/model"
)

// DefaultUsageLogRetention is how many usage rows are kept per API key.
const DefaultUsageLogRetention = 100

// UsageEntry describes one request made with an API key.
type UsageEntry struct {
	APIKeyID string
	UserID   string
	Endpoint string
	Method   string
	Status   int
	IP       string
}

// UsageLogger appends to the per-key usage log and trims it to a fixed
// number of rows. Recording never fails the request it describes.
type UsageLogger struct {
	store   UsageStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	keep    int
	now     func() time.Time

	wg sync.WaitGroup
}

// NewUsageLogger returns a logger keeping DefaultUsageLogRetention rows per
// key. logger and m may be nil.
func NewUsageLogger(store UsageStore, logger *slog.Logger, m *metrics.Metrics) *UsageLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageLogger{
		store:   store,
		logger:  logger,
		metrics: m,
		keep:    DefaultUsageLogRetention,
		now:     time.Now,
	}
}

// Log inserts the entry and schedules a prune of older rows. Failures are
// logged and counted, never returned.
func (u *UsageLogger) Log(ctx context.Context, e UsageEntry) {
	ctx = context.WithoutCancel(ctx)

	row := &model.APIKeyLog{
		APIKeyID:  e.APIKeyID,
		UserID:    e.UserID,
		Endpoint:  e.Endpoint,
		Method:    e.Method,
		Status:    e.Status,
		IP:        optional(e.IP),
		CreatedAt: u.now(),
	}
	if err := u.store.CreateAPIKeyLog(ctx, row); err != nil {
		u.metrics.UsageLogFailure("insert")
		u.logger.Warn("api key usage insert failed", "api_key_id", e.APIKeyID, "error", err)
		return
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		if _, err := u.store.PruneAPIKeyLogs(ctx, e.APIKeyID, u.keep); err != nil {
			u.metrics.UsageLogFailure("prune")
			u.logger.Warn("api key usage prune failed", "api_key_id", e.APIKeyID, "error", err)
		}
	}()
}

// Wait blocks until scheduled prunes have finished.
func (u *UsageLogger) Wait() {
	u.wg.Wait()
}

// Recent returns up to limit usage rows for keyID, newest first.
func (u *UsageLogger) Recent(ctx context.Context, keyID string, limit int) ([]model.APIKeyLog, error) {
	return u.store.ListAPIKeyLogs(ctx, keyID, limit)
}

// Stats summarizes the usage log of keyID.
func (u *UsageLogger) Stats(ctx context.Context, keyID string) (*model.APIKeyStats, error) {
	return u.store.GetAPIKeyStats(ctx, keyID)
}
