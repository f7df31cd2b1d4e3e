package config

import (
	"time"

	"github.com/stxstream/ingest/internal/infra/chainstate"
	redisclient "github.com/stxstream/ingest/internal/infra/redis"
	"github.com/stxstream/ingest/internal/infra/storage/postgres"
	"github.com/stxstream/ingest/internal/notify"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Chain    ChainConfig        `yaml:"chain"`
	Database postgres.Config    `yaml:"database"`
	Redis    redisclient.Config `yaml:"redis"`
	Notifier notify.Config      `yaml:"notifier"`
	Logging  LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds webhook gateway settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	RateLimit       RateLimit     `yaml:"rate_limit"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// RateLimit bounds per-client webhook deliveries.
type RateLimit struct {
	MaxRequests   int `yaml:"max_requests"`
	WindowSeconds int `yaml:"window_seconds"`
}

// ChainConfig holds the read-only chain API and its cache settings.
type ChainConfig struct {
	API   chainstate.ClientConfig `yaml:"api"`
	Cache chainstate.CacheConfig  `yaml:"cache"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
