// Package config loads the offgrid daemon configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full daemon configuration.
type Config struct {
	Store   StoreConfig   `toml:"store"`
	Backoff BackoffConfig `toml:"backoff"`
	Engine  EngineConfig  `toml:"engine"`
	Logging LoggingConfig `toml:"logging"`
	Events  EventsConfig  `toml:"events"`
}

// StoreConfig selects and tunes the durable action store.
type StoreConfig struct {
	// Backend is one of sqlite, postgres, memory.
	Backend string `toml:"backend"`

	// DataDir holds the sqlite database file.
	DataDir string `toml:"data_dir"`

	// PostgresDSN is required when Backend is postgres.
	PostgresDSN string `toml:"postgres_dsn"`

	// QuotaBytes budgets on-device durable storage.
	QuotaBytes int64 `toml:"quota_bytes"`

	// RetentionAge bounds how long synced actions are kept. Zero keeps them
	// until ClearSyncedActions.
	RetentionAge time.Duration `toml:"retention_age"`

	// PurgeInterval is how often the retention loop runs.
	PurgeInterval time.Duration `toml:"purge_interval"`
}

// BackoffConfig tunes the retry policy.
type BackoffConfig struct {
	Base       time.Duration `toml:"base"`
	Max        time.Duration `toml:"max"`
	JitterFrac float64       `toml:"jitter_frac"`
}

// EngineConfig tunes the sync session loop.
type EngineConfig struct {
	BatchSize           int           `toml:"batch_size"`
	Concurrency         int           `toml:"concurrency"`
	ConnectPollInterval time.Duration `toml:"connect_poll_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// EventsConfig configures the websocket event feed.
type EventsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// DefaultConfig returns a Config with usable defaults for a single-device
// deployment.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend:       "sqlite",
			DataDir:       "data",
			QuotaBytes:    50 * 1024 * 1024,
			RetentionAge:  30 * 24 * time.Hour,
			PurgeInterval: time.Hour,
		},
		Backoff: BackoffConfig{
			Base:       time.Minute,
			Max:        time.Hour,
			JitterFrac: 0.1,
		},
		Engine: EngineConfig{
			BatchSize:           25,
			Concurrency:         1,
			ConnectPollInterval: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Events: EventsConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8791",
		},
	}
}

// Load returns the defaults overlaid with the TOML file at path. An empty
// path returns pure defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.DataDir == "" {
			return fmt.Errorf("store data_dir must be set for the sqlite backend")
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store postgres_dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store backend: %s (must be sqlite, postgres, or memory)", c.Store.Backend)
	}

	if c.Store.QuotaBytes < 0 {
		return fmt.Errorf("store quota_bytes must not be negative")
	}
	if c.Store.RetentionAge < 0 {
		return fmt.Errorf("store retention_age must not be negative")
	}
	if c.Store.RetentionAge > 0 && c.Store.PurgeInterval <= 0 {
		return fmt.Errorf("store purge_interval must be positive when retention_age is set")
	}

	if c.Backoff.Base <= 0 {
		return fmt.Errorf("backoff base must be positive")
	}
	if c.Backoff.Max < c.Backoff.Base {
		return fmt.Errorf("backoff max (%v) must not be below base (%v)", c.Backoff.Max, c.Backoff.Base)
	}
	if c.Backoff.JitterFrac < 0 || c.Backoff.JitterFrac >= 1 {
		return fmt.Errorf("backoff jitter_frac must be in [0, 1)")
	}

	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine batch_size must be positive")
	}
	if c.Engine.Concurrency <= 0 {
		return fmt.Errorf("engine concurrency must be positive")
	}
	if c.Engine.ConnectPollInterval <= 0 {
		return fmt.Errorf("engine connect_poll_interval must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	if c.Events.Enabled && c.Events.ListenAddr == "" {
		return fmt.Errorf("events listen_addr must be set when the event feed is enabled")
	}
	return nil
}
