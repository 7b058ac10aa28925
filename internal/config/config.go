// Package config provides configuration loading for the stream-watch tool.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the stream-watch configuration.
type Config struct {
	// Assets to subscribe by clob token id.
	Assets []string `yaml:"assets"`

	// Markets to subscribe by Gamma market slug; each slug resolves to its
	// outcome token ids at startup.
	Markets []string `yaml:"markets"`

	// Subscription settings
	Subscriptions SubscriptionConfig `yaml:"subscriptions"`

	// Connect rate limiting
	Limiter LimiterConfig `yaml:"limiter"`

	// WebSocket settings
	WebSocket WebSocketConfig `yaml:"websocket"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging"`

	// Metrics settings
	Metrics MetricsConfig `yaml:"metrics"`
}

// SubscriptionConfig contains subscription manager settings.
type SubscriptionConfig struct {
	// Maximum assets multiplexed onto one connection
	MaxMarketsPerWS int `yaml:"max_markets_per_ws"`

	// Period of the reconnect/cleanup tick
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// LimiterConfig tunes the connect-burst token bucket.
type LimiterConfig struct {
	// Connect tokens replenished per second
	ConnectsPerSecond float64 `yaml:"connects_per_second"`

	// Bucket size
	Burst int `yaml:"burst"`
}

// WebSocketConfig contains WebSocket settings.
type WebSocketConfig struct {
	// Custom market channel URL (optional)
	MarketURL string `yaml:"market_url"`

	// Custom user channel URL (optional)
	UserURL string `yaml:"user_url"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Log level: debug, info, warn, error
	Level string `yaml:"level"`

	// Log format: console or json
	Format string `yaml:"format"`
}

// MetricsConfig contains Prometheus settings.
type MetricsConfig struct {
	// Whether to serve /metrics
	Enabled bool `yaml:"enabled"`

	// Listen address for the metrics endpoint
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Subscriptions: SubscriptionConfig{
			MaxMarketsPerWS:   100,
			ReconnectInterval: 10 * time.Second,
		},
		Limiter: LimiterConfig{
			ConnectsPerSecond: 5,
			Burst:             5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: ":9172",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return config, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if c.Subscriptions.MaxMarketsPerWS < 0 {
		return fmt.Errorf("max_markets_per_ws must not be negative")
	}
	if c.Limiter.ConnectsPerSecond < 0 {
		return fmt.Errorf("connects_per_second must not be negative")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("listen_addr required when metrics are enabled")
	}
	return nil
}
