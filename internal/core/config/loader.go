package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimit.MaxRequests == 0 {
		cfg.Server.RateLimit.MaxRequests = 100
	}
	if cfg.Server.RateLimit.WindowSeconds == 0 {
		cfg.Server.RateLimit.WindowSeconds = 60
	}
	if cfg.Server.DeliveryTimeout == 0 {
		cfg.Server.DeliveryTimeout = 30 * time.Second
	}
	if cfg.Chain.Cache.TTL == 0 {
		cfg.Chain.Cache.TTL = time.Minute
	}

	if cfg.Server.WebhookSecret == "" {
		return nil, fmt.Errorf("server.webhook_secret is required")
	}

	return &cfg, nil
}
