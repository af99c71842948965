package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tmarks/tmarks/internal/apperr"
	"github.com/tmarks/tmarks/internal/config"
	"github.com/tmarks/tmarks/internal/handler"
	"github.com/tmarks/tmarks/internal/metrics"
	"github.com/tmarks/tmarks/internal/openapi"
	"github.com/tmarks/tmarks/internal/permission"
	"github.com/tmarks/tmarks/internal/ratelimit"
	"github.com/tmarks/tmarks/internal/server/middleware"
	"github.com/tmarks/tmarks/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	MaxBodySize     int64 // bytes
	APIKeyHeader    string
	LoginPerMinute  int
	Version         string
	BaseURL         string
	// BehindProxy takes the client address from forwarding headers.
	// Without it the TCP peer address is used for rate limits and audit.
	BehindProxy bool
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		MaxBodySize:     1 << 20, // 1MB
		APIKeyHeader:    "X-API-Key",
		LoginPerMinute:  5,
		Version:         "dev",
	}
}

// Deps are the collaborators the server routes into. LoginLimiter, Cache
// and Registry are optional: without a limiter the login gate counts in
// process, and without a registry /metrics is not mounted.
type Deps struct {
	Store        *config.Store
	Auth         *service.AuthService
	Keys         *service.APIKeyService
	Usage        *service.UsageLogger
	LoginLimiter ratelimit.Limiter
	Cache        handler.Pinger
	Metrics      *metrics.Metrics
	Registry     *prometheus.Registry
}

var errRouteNotFound = apperr.NotFound("Route not found")

// Server is the top-level HTTP server for tmarks. It owns the Chi router and
// the services behind it.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	if s.cfg.BehindProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.Logger(s.logger, s.deps.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", s.cfg.APIKeyHeader, "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))
	if s.cfg.MaxBodySize > 0 {
		r.Use(chimw.RequestSize(s.cfg.MaxBodySize))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, r, s.logger, errRouteNotFound)
	})

	// --- Operational endpoints (no auth required) ---
	var db handler.Pinger
	if s.deps.Store != nil {
		db = s.deps.Store
	}
	sys := handler.NewSystemHandler(s.cfg.Version, db, s.deps.Cache, s.openAPIDoc, s.logger)
	r.Get("/healthz", sys.Health)
	r.Get("/readyz", sys.Ready)
	r.Get("/openapi.json", sys.OpenAPI)
	if s.deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(s.deps.Registry))
	}

	// --- API routes ---
	authn := middleware.NewAuthenticator(s.deps.Auth, s.deps.Keys, s.cfg.APIKeyHeader, s.logger)
	authH := handler.NewAuthHandler(s.deps.Auth, s.logger)
	keyH := handler.NewAPIKeyHandler(s.deps.Keys, s.logger)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.With(s.loginGate()).Post("/login", authH.Login)
			r.Post("/refresh", authH.Refresh)
			r.With(authn.RequireSession).Post("/logout", authH.Logout)
		})

		r.With(authn.SessionOrAPIKey(permission.UserRead)).Get("/me", authH.Me)

		// Key management is a settings action and never accepts an API key.
		r.Route("/settings/api-keys", func(r chi.Router) {
			r.Use(authn.RequireSession)
			r.Get("/", keyH.List)
			r.Post("/", keyH.Create)
			r.Get("/{id}", keyH.Get)
			r.Patch("/{id}", keyH.Update)
			r.Delete("/{id}", keyH.Delete)
			r.Get("/{id}/logs", keyH.Logs)
		})
	})

	s.router = r
}

// loginGate picks the shared Redis bucket when one is configured and the
// in-process limiter otherwise.
func (s *Server) loginGate() func(http.Handler) http.Handler {
	if s.deps.LoginLimiter != nil {
		return middleware.SharedRateLimit(s.deps.LoginLimiter, s.logger)
	}
	perMinute := s.cfg.LoginPerMinute
	if perMinute <= 0 {
		perMinute = DefaultConfig().LoginPerMinute
	}
	return middleware.RateLimit(perMinute)
}

func (s *Server) openAPIDoc() *openapi3.T {
	return openapi.Generate(openapi.Options{
		BaseURL:      s.cfg.BaseURL,
		Version:      s.cfg.Version,
		APIKeyHeader: s.cfg.APIKeyHeader,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests and pending usage-log writes.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr, "version", s.cfg.Version)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	if s.deps.Usage != nil {
		s.deps.Usage.Wait()
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
