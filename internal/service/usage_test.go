package service

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tmarks/tmarks/internal/apikey"
	"github.com/tmarks/tmarks/internal/metrics"
	"github.com/tmarks/tmarks/internal/model"
)

func TestUsageLoggerKeepsMostRecent(t *testing.T) {
	store := newTestStore(t)
	u := seedUser(t, store, "alice", "correct")
	keys, err := NewAPIKeyService(store, nil, APIKeyConfig{Env: apikey.EnvTest})
	if err != nil {
		t.Fatal(err)
	}
	created, err := keys.Create(context.Background(), u.ID, CreateKeyInput{Name: "k"})
	if err != nil {
		t.Fatal(err)
	}

	usage := NewUsageLogger(store, nil, nil)
	base := time.Now().Add(-time.Hour)
	i := 0
	usage.now = func() time.Time {
		i++
		return base.Add(time.Duration(i) * time.Second)
	}

	ctx := context.Background()
	for n := 0; n < 150; n++ {
		usage.Log(ctx, UsageEntry{APIKeyID: created.ID, UserID: u.ID, Endpoint: "/v1/me", Method: "GET", Status: 200})
	}
	usage.Wait()

	logs, err := usage.Recent(ctx, created.ID, 1000)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(logs) != DefaultUsageLogRetention {
		t.Fatalf("kept %d rows, want %d", len(logs), DefaultUsageLogRetention)
	}
	oldestKept := base.Add(51 * time.Second)
	for _, l := range logs {
		if l.CreatedAt.Before(oldestKept.Add(-time.Millisecond)) {
			t.Fatalf("row from %v survived pruning", l.CreatedAt)
		}
	}

	stats, err := usage.Stats(ctx, created.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalRequests != 100 {
		t.Errorf("total = %d", stats.TotalRequests)
	}
}

type failingUsageStore struct {
	UsageStore
	insertErr error
	pruneErr  error
}

func (s *failingUsageStore) CreateAPIKeyLog(ctx context.Context, l *model.APIKeyLog) error {
	return s.insertErr
}

func (s *failingUsageStore) PruneAPIKeyLogs(ctx context.Context, keyID string, keep int) (int64, error) {
	return 0, s.pruneErr
}

func TestUsageLoggerSwallowsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	insertFails := NewUsageLogger(&failingUsageStore{insertErr: errors.New("disk full")}, logger, m)
	insertFails.Log(context.Background(), UsageEntry{APIKeyID: "k1"})
	insertFails.Wait()

	pruneFails := NewUsageLogger(&failingUsageStore{pruneErr: errors.New("locked")}, logger, m)
	pruneFails.Log(context.Background(), UsageEntry{APIKeyID: "k1"})
	pruneFails.Wait()

	if got := testutil.ToFloat64(m.UsageLogFailuresTotal.WithLabelValues("insert")); got != 1 {
		t.Errorf("insert failures = %v", got)
	}
	if got := testutil.ToFloat64(m.UsageLogFailuresTotal.WithLabelValues("prune")); got != 1 {
		t.Errorf("prune failures = %v", got)
	}
	if !strings.Contains(buf.String(), "disk full") || !strings.Contains(buf.String(), "locked") {
		t.Errorf("failures not logged:\n%s", buf.String())
	}
}

func TestUsageLoggerSurvivesCanceledContext(t *testing.T) {
	store := newTestStore(t)
	u := seedUser(t, store, "alice", "correct")
	keys, _ := NewAPIKeyService(store, nil, APIKeyConfig{Env: apikey.EnvTest})
	created, _ := keys.Create(context.Background(), u.ID, CreateKeyInput{Name: "k"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	usage := NewUsageLogger(store, nil, nil)
	usage.Log(ctx, UsageEntry{APIKeyID: created.ID, UserID: u.ID, Endpoint: "/v1/me", Method: "GET", Status: 200})
	usage.Wait()

	logs, err := usage.Recent(context.Background(), created.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Errorf("rows = %d, want 1", len(logs))
	}
}
