package notify

import (
	"errors"
	"publishsync/internal/config"
	"publishsync/pkg/backoff"
	"publishsync/pkg/circuitbreaker"
	"time"
)

// DefaultSource is the CloudEvents source used when none is configured.
const DefaultSource = "publishsync"

// Config holds configuration for the notification dispatcher.
type Config struct {
	URLs        []string      // webhook endpoints; none disables notifications
	SigningKey  string        // HMAC key, empty = unsigned
	RequireSign bool          // refuse to run without a signing key
	Source      string        // CloudEvents source (default: publishsync)
	BufferSize  int           // pending deliveries (default: 1000)
	Workers     int           // concurrent delivery goroutines (default: 4)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	Attempts    int           // sends per delivery before giving up (default: 4)
	MaxRequeues int           // requeues behind an open circuit before dropping (default: 10)
	Backoff     backoff.Config
	Breaker     circuitbreaker.Config // per destination host
}

// LoadConfigFromEnv loads notification configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		URLs:        config.GetListEnv("NOTIFY_URLS", nil),
		SigningKey:  config.GetSecretFile(config.GetEnv("NOTIFY_SIGNING_KEY_FILE", "")),
		RequireSign: config.GetBoolEnv("NOTIFY_REQUIRE_SIGNING", false),
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		Attempts:    config.GetIntEnv("NOTIFY_ATTEMPTS", 4),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("NOTIFY_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
	return cfg.withDefaults()
}

// Enabled reports whether any destination is configured.
func (c Config) Enabled() bool {
	return len(c.URLs) > 0
}

// Validate reports settings the dispatcher cannot run with.
func (c Config) Validate() error {
	if c.Enabled() && c.RequireSign && c.SigningKey == "" {
		return errors.New("NOTIFY_REQUIRE_SIGNING is set but no NOTIFY_SIGNING_KEY_FILE is configured")
	}
	return nil
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = DefaultSource
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 4
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = 10
	}
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}
	return c
}
