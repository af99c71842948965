package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tmarks/tmarks/internal/token"
)

// YAMLConfig represents the top-level tmarks configuration file.
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Auth      AuthConfig      `yaml:"auth" mapstructure:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	MCP       MCPConfig       `yaml:"mcp" mapstructure:"mcp"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string `yaml:"host" mapstructure:"host"`
	Port            int    `yaml:"port" mapstructure:"port"`
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	// BehindProxy trusts X-Forwarded-For, X-Real-IP and True-Client-IP
	// for the client address. Leave it off unless a proxy overwrites them.
	BehindProxy bool       `yaml:"behind_proxy" mapstructure:"behind_proxy"`
	CORS        CORSConfig `yaml:"cors" mapstructure:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins" mapstructure:"origins"`
}

// DatabaseConfig selects the credential store backend.
type DatabaseConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"` // sqlite or postgres
	DSN     string `yaml:"dsn" mapstructure:"dsn"`       // postgres only
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`
}

// AuthConfig controls session tokens and API keys.
type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	AccessTokenTTL  string `yaml:"access_token_ttl" mapstructure:"access_token_ttl"`
	RefreshTokenTTL string `yaml:"refresh_token_ttl" mapstructure:"refresh_token_ttl"`
	APIKeyHeader    string `yaml:"api_key_header" mapstructure:"api_key_header"`
	APIKeyEnv       string `yaml:"api_key_env" mapstructure:"api_key_env"`
}

// RateLimitConfig controls the gate in front of the login endpoint.
type RateLimitConfig struct {
	LoginPerMinute int    `yaml:"login_per_minute" mapstructure:"login_per_minute"`
	Backend        string `yaml:"backend" mapstructure:"backend"` // memory or redis
	RedisAddr      string `yaml:"redis_addr" mapstructure:"redis_addr"`
}

// MCPConfig controls the MCP (Model Context Protocol) server.
type MCPConfig struct {
	Transport string `yaml:"transport" mapstructure:"transport"`
	Port      int    `yaml:"port" mapstructure:"port"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
// Missing fields keep their defaults.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
		},
		Database: DatabaseConfig{
			Driver: string(DialectSQLite),
		},
		Auth: AuthConfig{
			AccessTokenTTL:  "15m",
			RefreshTokenTTL: "30d",
			APIKeyHeader:    "X-API-Key",
			APIKeyEnv:       "live",
		},
		RateLimit: RateLimitConfig{
			LoginPerMinute: 5,
			Backend:        "memory",
		},
		MCP: MCPConfig{
			Transport: "stdio",
			Port:      3001,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the settings the server cannot start without.
func (c *YAMLConfig) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if err := positiveTTL(c.Auth.AccessTokenTTL); err != nil {
		errs = append(errs, fmt.Errorf("auth.access_token_ttl: %w", err))
	}
	if err := positiveTTL(c.Auth.RefreshTokenTTL); err != nil {
		errs = append(errs, fmt.Errorf("auth.refresh_token_ttl: %w", err))
	}
	if c.Auth.APIKeyEnv != "live" && c.Auth.APIKeyEnv != "test" {
		errs = append(errs, fmt.Errorf("auth.api_key_env must be live or test, got %q", c.Auth.APIKeyEnv))
	}
	switch Dialect(c.Database.Driver) {
	case DialectSQLite:
	case DialectPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			errs = append(errs, errors.New("rate_limit.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend))
	}
	if c.RateLimit.LoginPerMinute < 1 {
		errs = append(errs, fmt.Errorf("rate_limit.login_per_minute must be at least 1, got %d", c.RateLimit.LoginPerMinute))
	}
	if _, err := time.ParseDuration(c.Server.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout: %w", err))
	}
	return errors.Join(errs...)
}

func positiveTTL(s string) error {
	d, err := token.ParseTTL(s)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("ttl %q must be positive", s)
	}
	return nil
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
