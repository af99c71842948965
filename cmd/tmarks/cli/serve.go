package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tmarks/tmarks/internal/server"
)

const banner = `
 _                        _
| |_ _ __ ___   __ _ _ __| | _____
| __| '_ ` + "`" + ` _ \ / _` + "`" + ` | '__| |/ / __|
| |_| | | | | | (_| | |  |   <\__ \
 \__|_| |_| |_|\__,_|_|  |_|\_\___/
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tmarks auth server",
		Long:  "Start the HTTP server exposing login, refresh, logout and API key management.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	shutdownTimeout, _ := time.ParseDuration(cfg.Server.ShutdownTimeout)

	fmt.Print(banner)
	fmt.Println()

	logger := newLogger(cfg.Logging, dev, os.Stderr)

	a, err := newApp(cfg, logger, cfg.Metrics.Enabled)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info("store initialized", "driver", cfg.Database.Driver)

	authSvc, err := a.authService()
	if err != nil {
		return err
	}

	ctx := context.Background()
	limiter, cache := a.loginLimiter(ctx)

	users, err := a.store.ListUsers(ctx)
	if err != nil {
		logger.Warn("failed to count users", "error", err)
	}
	if err == nil && len(users) == 0 {
		logger.Warn("no users found - run: tmarks user create")
	}

	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: shutdownTimeout,
		CORSOrigins:     cfg.Server.CORS.Origins,
		MaxBodySize:     1 << 20,
		APIKeyHeader:    cfg.Auth.APIKeyHeader,
		LoginPerMinute:  cfg.RateLimit.LoginPerMinute,
		Version:         versionString(),
		BehindProxy:     cfg.Server.BehindProxy,
	}
	srv := server.New(srvCfg, server.Deps{
		Store:        a.store,
		Auth:         authSvc,
		Keys:         a.keys,
		Usage:        a.usage,
		LoginLimiter: limiter,
		Cache:        cache,
		Metrics:      a.metrics,
		Registry:     a.registry,
	}, logger)

	fmt.Printf("→ tmarks %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	if a.registry != nil {
		fmt.Printf("→ Metrics:    http://%s:%d/metrics\n", cfg.Server.Host, cfg.Server.Port)
	}
	fmt.Printf("→ Login rate limit: %d/min (%s)\n", cfg.RateLimit.LoginPerMinute, cfg.RateLimit.Backend)
	fmt.Println()

	return srv.ListenAndServe()
}
