package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultYAMLConfigNeedsSecret(t *testing.T) {
	cfg := DefaultYAMLConfig()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected jwt_secret error, got %v", err)
	}

	cfg.Auth.JWTSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with secret should validate: %v", err)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*YAMLConfig)
		want   string
	}{
		{"access ttl", func(c *YAMLConfig) { c.Auth.AccessTokenTTL = "15 minutes" }, "access_token_ttl"},
		{"refresh ttl", func(c *YAMLConfig) { c.Auth.RefreshTokenTTL = "1w" }, "refresh_token_ttl"},
		{"zero access ttl", func(c *YAMLConfig) { c.Auth.AccessTokenTTL = "0m" }, "access_token_ttl"},
		{"zero refresh ttl", func(c *YAMLConfig) { c.Auth.RefreshTokenTTL = "0s" }, "refresh_token_ttl"},
		{"zero login rate", func(c *YAMLConfig) { c.RateLimit.LoginPerMinute = 0 }, "login_per_minute"},
		{"negative login rate", func(c *YAMLConfig) { c.RateLimit.LoginPerMinute = -1 }, "login_per_minute"},
		{"key env", func(c *YAMLConfig) { c.Auth.APIKeyEnv = "prod" }, "api_key_env"},
		{"driver", func(c *YAMLConfig) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres dsn", func(c *YAMLConfig) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"redis addr", func(c *YAMLConfig) { c.RateLimit.Backend = "redis" }, "redis_addr"},
		{"shutdown", func(c *YAMLConfig) { c.Server.ShutdownTimeout = "soon" }, "shutdown_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultYAMLConfig()
			cfg.Auth.JWTSecret = "s3cret"
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}

func TestLoadYAMLConfigExpandsEnv(t *testing.T) {
	t.Setenv("TMARKS_TEST_SECRET", "from-env")
	path := filepath.Join(t.TempDir(), "tmarks.yaml")
	content := `
auth:
  jwt_secret: ${TMARKS_TEST_SECRET}
  access_token_ttl: 5m
server:
  port: 9090
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("LoadYAMLConfig: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("jwt_secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.AccessTokenTTL != "5m" || cfg.Server.Port != 9090 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	// Unset fields keep defaults.
	if cfg.Auth.RefreshTokenTTL != "30d" || cfg.RateLimit.LoginPerMinute != 5 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestWriteDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmarks.yaml")
	if err := WriteDefaultConfig(path); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}
	cfg, err := LoadYAMLConfig(path)
	if err != nil {
		t.Fatalf("LoadYAMLConfig: %v", err)
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" || cfg.Database.Driver != "sqlite" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}
