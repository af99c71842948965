package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/tmarks/tmarks/internal/apikey"
	"github.com/tmarks/tmarks/internal/config"
	"github.com/tmarks/tmarks/internal/handler"
	"github.com/tmarks/tmarks/internal/metrics"
	"github.com/tmarks/tmarks/internal/model"
	"github.com/tmarks/tmarks/internal/ratelimit"
	"github.com/tmarks/tmarks/internal/service"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

const loginBucketPrefix = "tmarks:login:"

// setDefaults registers every config key with viper so that Unmarshal sees
// values supplied only through TMARKS_* environment variables.
func setDefaults(v *viper.Viper) {
	d := config.DefaultYAMLConfig()
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.behind_proxy", d.Server.BehindProxy)
	v.SetDefault("server.cors.origins", d.Server.CORS.Origins)
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.data_dir", d.Database.DataDir)
	v.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)
	v.SetDefault("auth.access_token_ttl", d.Auth.AccessTokenTTL)
	v.SetDefault("auth.refresh_token_ttl", d.Auth.RefreshTokenTTL)
	v.SetDefault("auth.api_key_header", d.Auth.APIKeyHeader)
	v.SetDefault("auth.api_key_env", d.Auth.APIKeyEnv)
	v.SetDefault("rate_limit.login_per_minute", d.RateLimit.LoginPerMinute)
	v.SetDefault("rate_limit.backend", d.RateLimit.Backend)
	v.SetDefault("rate_limit.redis_addr", d.RateLimit.RedisAddr)
	v.SetDefault("mcp.transport", d.MCP.Transport)
	v.SetDefault("mcp.port", d.MCP.Port)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// loadConfig returns the effective configuration: defaults, then the config
// file, then TMARKS_* environment variables.
func loadConfig(v *viper.Viper) (*config.YAMLConfig, error) {
	cfg := config.DefaultYAMLConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// resolveDataDir returns the data directory from --data-dir flag,
// database.data_dir, or ~/.tmarks as fallback.
func resolveDataDir(cfg *config.YAMLConfig) string {
	if dataDir != "" {
		return dataDir
	}
	if cfg.Database.DataDir != "" {
		return cfg.Database.DataDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tmarks")
}

// openStore opens the credential store selected by database.driver.
func openStore(cfg *config.YAMLConfig) (*config.Store, error) {
	if config.Dialect(cfg.Database.Driver) == config.DialectPostgres {
		return config.Open(cfg.Database.Driver, cfg.Database.DSN)
	}
	return config.NewStore(resolveDataDir(cfg))
}

// newLogger builds the process logger from the logging section. dev forces
// debug level.
func newLogger(cfg config.LoggingConfig, dev bool, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if dev {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app bundles the store and services shared by the commands.
type app struct {
	cfg      *config.YAMLConfig
	logger   *slog.Logger
	store    *config.Store
	usage    *service.UsageLogger
	keys     *service.APIKeyService
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	redis    *redis.Client
}

// newApp opens the store and wires the key services. withMetrics creates a
// Prometheus registry that the services report into.
func newApp(cfg *config.YAMLConfig, logger *slog.Logger, withMetrics bool) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store}
	if withMetrics {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.New(a.registry)
	}

	a.usage = service.NewUsageLogger(store, logger, a.metrics)
	a.keys, err = service.NewAPIKeyService(store, a.usage, service.APIKeyConfig{
		Env:     apikey.Env(cfg.Auth.APIKeyEnv),
		Metrics: a.metrics,
		Logger:  logger,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// authService builds the session service. It needs auth.jwt_secret.
func (a *app) authService() (*service.AuthService, error) {
	return service.NewAuthService(a.store, service.NewBcryptHasher(), service.AuthConfig{
		Secret:          []byte(a.cfg.Auth.JWTSecret),
		AccessTokenTTL:  a.cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: a.cfg.Auth.RefreshTokenTTL,
		Metrics:         a.metrics,
	})
}

// loginLimiter returns the shared Redis gate and a cache pinger when
// rate_limit.backend is redis. Both are nil for the in-process backend.
func (a *app) loginLimiter(ctx context.Context) (ratelimit.Limiter, handler.Pinger) {
	if a.cfg.RateLimit.Backend != "redis" {
		return nil, nil
	}
	a.redis = redis.NewClient(&redis.Options{Addr: a.cfg.RateLimit.RedisAddr})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.logger.Warn("redis not reachable at startup", "addr", a.cfg.RateLimit.RedisAddr, "error", err)
	}
	limiter := ratelimit.NewRedisBucket(a.redis, loginBucketPrefix, a.cfg.RateLimit.LoginPerMinute, time.Minute)
	ping := handler.PingFunc(func(ctx context.Context) error {
		return a.redis.Ping(ctx).Err()
	})
	return limiter, ping
}

// Close drains pending usage writes and releases connections.
func (a *app) Close() {
	a.usage.Wait()
	if a.redis != nil {
		a.redis.Close()
	}
	a.store.Close()
}

// findUser resolves a username or email to a user.
func findUser(ctx context.Context, store *config.Store, login string) (*model.User, error) {
	u, err := store.FindUserByLogin(ctx, login)
	if errors.Is(err, config.ErrNotFound) {
		return nil, fmt.Errorf("user %q not found", login)
	}
	if err != nil {
		return nil, fmt.Errorf("find user %q: %w", login, err)
	}
	return u, nil
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
