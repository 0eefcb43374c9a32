// Package config loads process configuration from the environment and
// optional .env files.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/eutimioliusbel/pfasync/backend/internal/archive"
	"github.com/eutimioliusbel/pfasync/backend/internal/models"
)

// Config holds every setting the service reads at startup.
type Config struct {
	AppName     string `env:"APP_NAME" envDefault:"pfa-vanguard"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"sqlite://data/pfasync.db"`

	Log     LogConfig      `envPrefix:"LOG_"`
	Sync    SyncConfig     `envPrefix:"SYNC_"`
	Archive archive.Config `envPrefix:"ARCHIVE_"`
	Secrets SecretsConfig  `envPrefix:"SECRETS_"`
	Notify  NotifyConfig   `envPrefix:"NOTIFY_"`

	// Sources maps an API configuration id to the base URL of that
	// external endpoint, e.g. "pems-primary=https://pems.example.com/api".
	Sources map[string]string `env:"SOURCES" envSeparator:"," envKeyValSeparator:"="`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level      string `env:"LEVEL" envDefault:"info"`
	File       string `env:"FILE"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS" envDefault:"28"`
}

// SyncConfig configures the sync worker and its scheduler.
type SyncConfig struct {
	Interval              time.Duration `env:"INTERVAL" envDefault:"15m"`
	TickTimeout           time.Duration `env:"TICK_TIMEOUT" envDefault:"10m"`
	StaleAfter            time.Duration `env:"STALE_AFTER" envDefault:"10m"`
	QueueSize             int           `env:"QUEUE_SIZE" envDefault:"10000"`
	ExternalTimeout       time.Duration `env:"EXTERNAL_TIMEOUT" envDefault:"30s"`
	MaxRetries            int           `env:"MAX_RETRIES" envDefault:"5"`
	BaseBackoff           time.Duration `env:"BASE_BACKOFF" envDefault:"1m"`
	MaxBackoff            time.Duration `env:"MAX_BACKOFF" envDefault:"1h"`
	MaxConcurrentPairings int           `env:"MAX_CONCURRENT_PAIRINGS" envDefault:"4"`
	// Pairings are "org:entity" entries. Empty means every pairing found in
	// the database.
	Pairings []string `env:"PAIRINGS" envSeparator:","`
	// IDField is the payload field holding a record's external id.
	IDField string `env:"ID_FIELD" envDefault:"id"`
}

// SecretsConfig configures the secrets provider.
type SecretsConfig struct {
	Region    string        `env:"AWS_REGION" envDefault:"us-east-1"`
	Endpoint  string        `env:"ENDPOINT"`
	CacheTTL  time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	CacheSize int           `env:"CACHE_SIZE" envDefault:"512"`
}

// NotifyConfig configures the real-time notifier.
type NotifyConfig struct {
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	SendBuffer     int      `env:"SEND_BUFFER" envDefault:"256"`
}

// Load reads the given .env files, if any, then parses the environment.
// Values already set in the environment win over file values.
func Load(files ...string) (*Config, error) {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse builds a Config from an explicit environment map. Tests use it to
// avoid touching the process environment.
func Parse(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AppName) == "" {
		return fmt.Errorf("APP_NAME must not be empty")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}
	if c.Sync.ExternalTimeout <= 0 {
		return fmt.Errorf("SYNC_EXTERNAL_TIMEOUT must be positive")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must not be negative")
	}
	if c.Sync.BaseBackoff <= 0 || c.Sync.MaxBackoff < c.Sync.BaseBackoff {
		return fmt.Errorf("SYNC_BASE_BACKOFF must be positive and not exceed SYNC_MAX_BACKOFF")
	}
	if c.Sync.TickTimeout <= 0 || c.Sync.StaleAfter <= 0 {
		return fmt.Errorf("SYNC_TICK_TIMEOUT and SYNC_STALE_AFTER must be positive")
	}
	if c.Sync.QueueSize < 1 {
		return fmt.Errorf("SYNC_QUEUE_SIZE must be at least 1")
	}
	if c.Sync.MaxConcurrentPairings < 1 {
		return fmt.Errorf("SYNC_MAX_CONCURRENT_PAIRINGS must be at least 1")
	}
	if _, err := c.Pairings(); err != nil {
		return err
	}
	if c.Secrets.CacheTTL <= 0 {
		return fmt.Errorf("SECRETS_CACHE_TTL must be positive")
	}
	if err := c.Archive.Validate(); err != nil {
		return err
	}
	for id, url := range c.Sources {
		if id == "" || url == "" {
			return fmt.Errorf("SOURCES entry %q=%q is incomplete", id, url)
		}
	}
	return nil
}

// Pairings parses the configured static pairings.
func (c *Config) Pairings() ([]models.Pairing, error) {
	out := make([]models.Pairing, 0, len(c.Sync.Pairings))
	for _, raw := range c.Sync.Pairings {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		p, err := models.ParsePairing(raw)
		if err != nil {
			return nil, fmt.Errorf("SYNC_PAIRINGS: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}
