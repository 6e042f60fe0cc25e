// Package config loads workexec configuration from YAML, with environment
// variable overrides applied after the file is read.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/txn2/workexec/pkg/database"
)

// Identity modes.
const (
	IdentityModeStatic  = "static"
	IdentityModeKeyring = "keyring"
	IdentityModeToken   = "token"
)

// Config holds the complete workexec configuration.
type Config struct {
	Database database.Config `yaml:"database"`
	Identity IdentityConfig  `yaml:"identity"`
	WorkLog  WorkLogConfig   `yaml:"work_log"`
	Affinity AffinityConfig  `yaml:"affinity"`
}

// IdentityConfig configures the identity provider.
type IdentityConfig struct {
	// Mode selects the provider: "static", "keyring" or "token".
	Mode string `yaml:"mode" env:"WORKEXEC_IDENTITY_MODE"`

	// Allowed lists principal names accepted in static mode. Empty accepts
	// every principal.
	Allowed []string `yaml:"allowed" env:"WORKEXEC_IDENTITY_ALLOWED"`

	// Issuer is the expected token issuer in token mode.
	Issuer string `yaml:"issuer" env:"WORKEXEC_IDENTITY_ISSUER"`

	// SigningKey verifies token signatures in token mode.
	SigningKey string `yaml:"signing_key" env:"WORKEXEC_IDENTITY_SIGNING_KEY"`
}

// WorkLogConfig configures the execution work log.
type WorkLogConfig struct {
	// Enabled turns work logging on. Requires the postgres driver.
	Enabled bool `yaml:"enabled" env:"WORKEXEC_WORKLOG_ENABLED"`

	// RetentionDays bounds how long events are kept.
	RetentionDays int `yaml:"retention_days" env:"WORKEXEC_WORKLOG_RETENTION_DAYS"`

	// CleanupInterval is the period of the retention sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"WORKEXEC_WORKLOG_CLEANUP_INTERVAL"`
}

// AffinityConfig configures the session affinity manager.
type AffinityConfig struct {
	// SweepInterval is the period of registry reclamation for collected
	// stateful instances. Zero disables the background sweep.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"WORKEXEC_AFFINITY_SWEEP_INTERVAL"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Database: database.Config{
			Driver:       database.DriverPostgres,
			MaxIdleConns: 2,
		},
		Identity: IdentityConfig{
			Mode: IdentityModeStatic,
		},
		WorkLog: WorkLogConfig{
			RetentionDays:   90,
			CleanupInterval: time.Hour,
		},
		Affinity: AffinityConfig{
			SweepInterval: time.Minute,
		},
	}
}

// Load reads configuration from a YAML file, applies environment overrides,
// and validates the result. An empty path skips the file and uses defaults
// plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case database.DriverPostgres, database.DriverSQLite:
	default:
		return fmt.Errorf("invalid database driver %q", c.Database.Driver)
	}

	switch c.Identity.Mode {
	case IdentityModeStatic, IdentityModeKeyring:
	case IdentityModeToken:
		if c.Identity.Issuer == "" {
			return fmt.Errorf("identity mode %q requires an issuer", IdentityModeToken)
		}
		if c.Identity.SigningKey == "" {
			return fmt.Errorf("identity mode %q requires a signing key", IdentityModeToken)
		}
	default:
		return fmt.Errorf("invalid identity mode %q", c.Identity.Mode)
	}

	if c.WorkLog.Enabled && c.Database.Driver != database.DriverPostgres {
		return fmt.Errorf("work log requires the %s driver", database.DriverPostgres)
	}
	if c.WorkLog.RetentionDays < 0 {
		return fmt.Errorf("work log retention days must not be negative")
	}
	return nil
}
