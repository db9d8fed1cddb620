package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Config holds the configuration for the sync service.
// Environment variables are parsed from the CALSYNC_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string      `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Storage
	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"calsync.db"`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// Credential vault
	VaultPath string `envconfig:"VAULT_PATH" default:"credentials.db"`
	// 32-byte AEAD key, hex encoded. Required outside testing.
	VaultKey string `envconfig:"VAULT_KEY" default:""`

	// Engine
	SyncParallelism  int `envconfig:"SYNC_PARALLELISM" default:"4"`
	AdapterTimeoutMS int `envconfig:"ADAPTER_TIMEOUT_MS" default:"30000"`

	// Rate limiter scheduler
	SchedulerTickSeconds int `envconfig:"SCHEDULER_TICK_SECONDS" default:"5"`

	// Google Calendar OAuth client registration. The google provider is
	// registered only when both are set.
	GoogleClientID     string `envconfig:"GOOGLE_CLIENT_ID" default:""`
	GoogleClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET" default:""`

	// Periodic sync
	CronEnabled bool   `envconfig:"CRON_ENABLED" default:"true"`
	CronSpec    string `envconfig:"CRON_SPEC" default:"@every 1m"`

	// Health
	HealthProbeTimeoutSeconds int `envconfig:"HEALTH_PROBE_TIMEOUT_SECONDS" default:"2"`
	HealthIntervalSeconds     int `envconfig:"HEALTH_INTERVAL_SECONDS" default:"15"`
}

// ResolveDefaults validates driver selection and cross-field requirements.
func (c *Config) ResolveDefaults() error {
	switch c.DBDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("CALSYNC_SQLITE_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("CALSYNC_POSTGRES_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}

	if c.SyncParallelism <= 0 {
		c.SyncParallelism = 4
	}
	if c.SchedulerTickSeconds <= 0 {
		c.SchedulerTickSeconds = 5
	}
	if c.Environment == EnvProduction && c.VaultKey == "" {
		return fmt.Errorf("CALSYNC_VAULT_KEY is required in production")
	}
	return nil
}

// New creates a new Config by parsing environment variables.
// Example: CALSYNC_HTTP_PORT, CALSYNC_DB_DRIVER.
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("CALSYNC", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewForTesting creates a config specifically for testing.
func NewForTesting() *Config {
	return &Config{
		Environment:               EnvTesting,
		LogLevel:                  "debug",
		HTTPPort:                  8080,
		DBDriver:                  "sqlite",
		SQLitePath:                ":memory:",
		VaultPath:                 "test-credentials.db",
		SyncParallelism:           2,
		AdapterTimeoutMS:          1000,
		SchedulerTickSeconds:      1,
		HealthProbeTimeoutSeconds: 1,
		HealthIntervalSeconds:     1,
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
