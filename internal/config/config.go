// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads daemon configuration from a YAML file with environment
// variable overrides for the secrets that should never live on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Remote    RemoteConfig    `yaml:"remote"`
	Sync      SyncConfig      `yaml:"sync"`
	Reverse   ReverseConfig   `yaml:"reverse"`
	State     StateConfig     `yaml:"state"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// DatabaseConfig points at the Local Store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RemoteConfig points at the Remote Source channel API.
type RemoteConfig struct {
	BaseURL     string `yaml:"base_url"`
	AccessToken string `yaml:"access_token"`
}

// SyncConfig tunes the forward reconciliation engine.
type SyncConfig struct {
	PageSize        int           `yaml:"page_size"`
	MaxPages        int           `yaml:"max_pages"`
	Workers         int           `yaml:"workers"`
	WindowMinutes   int           `yaml:"window_minutes"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	ShippingSKU     string        `yaml:"shipping_sku"`
	ShippingTaxRate string        `yaml:"shipping_tax_rate"`
}

// ReverseConfig tunes the reverse synchronizer.
type ReverseConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	RemoveZeroStock         bool          `yaml:"remove_zero_stock"`
	AllowLastVariantRemoval bool          `yaml:"allow_last_variant_removal"`
	ActivityHorizon         time.Duration `yaml:"activity_horizon"`
}

// StateConfig locates the embedded state database holding checkpoints and
// entity locks when Postgres-backed state is not configured.
type StateConfig struct {
	// Backend is "postgres" or "bolt".
	Backend string `yaml:"backend"`
	// BoltPath is the embedded database file, used when Backend is "bolt".
	BoltPath string `yaml:"bolt_path"`
}

// SchedulerConfig controls the periodic trigger.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Jitter   time.Duration `yaml:"jitter"`
}

// Defaults returns a configuration with every tunable at its default.
func Defaults() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Sync: SyncConfig{
			PageSize:        50,
			MaxPages:        20,
			Workers:         4,
			WindowMinutes:   60,
			LockTTL:         2 * time.Minute,
			ShippingSKU:     "SHIPPING",
			ShippingTaxRate: "0.13",
		},
		Reverse: ReverseConfig{
			ActivityHorizon: 72 * time.Hour,
		},
		State: StateConfig{
			Backend:  "bolt",
			BoltPath: "channelsync-state.db",
		},
		Scheduler: SchedulerConfig{
			Interval: 15 * time.Minute,
			Jitter:   time.Minute,
		},
	}
}

// Load reads the YAML file at path (optional; empty path means defaults only)
// and applies environment overrides, then validates.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHANNELSYNC_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("CHANNELSYNC_REMOTE_BASE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv("CHANNELSYNC_REMOTE_ACCESS_TOKEN"); v != "" {
		cfg.Remote.AccessToken = v
	}
	if v := os.Getenv("CHANNELSYNC_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("CHANNELSYNC_LISTEN_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or CHANNELSYNC_DATABASE_URL)")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.Sync.PageSize <= 0 || c.Sync.PageSize > 250 {
		return fmt.Errorf("sync.page_size must be in 1..250, got %d", c.Sync.PageSize)
	}
	if c.Sync.Workers <= 0 {
		return fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers)
	}
	if _, err := decimal.NewFromString(c.Sync.ShippingTaxRate); err != nil {
		return fmt.Errorf("sync.shipping_tax_rate is not a valid decimal: %w", err)
	}
	switch c.State.Backend {
	case "postgres", "bolt":
	default:
		return fmt.Errorf("state.backend must be postgres or bolt, got %q", c.State.Backend)
	}
	if c.State.Backend == "bolt" && c.State.BoltPath == "" {
		return fmt.Errorf("state.bolt_path is required for the bolt backend")
	}
	return nil
}

// ShippingTaxRateDecimal parses the configured tax rate. Call after Validate.
func (c *SyncConfig) ShippingTaxRateDecimal() decimal.Decimal {
	d, _ := decimal.NewFromString(c.ShippingTaxRate)
	return d
}
