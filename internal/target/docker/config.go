package docker

import (
	"log/slog"
	"publishsync/internal/config"
	"publishsync/internal/observability"
	"publishsync/pkg/backoff"
	"publishsync/pkg/circuitbreaker"
	"time"
)

// Config holds configuration for the Docker registry.
type Config struct {
	LabelPrefix string                 // Label namespace (default "publishsync")
	CacheTTL    time.Duration          // How long a container listing is reused (default 2s, negative disables)
	Attempts    int                    // Tries per daemon call (default 3)
	Backoff     backoff.Config         // Delay between tries
	Breaker     circuitbreaker.Config  // Per-operation breaker
	Metrics     *observability.Metrics // Metrics recorder (optional)
	Logger      *slog.Logger
}

// LoadConfigFromEnv loads registry configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		LabelPrefix: config.GetEnv("DOCKER_LABEL_PREFIX", DefaultLabelPrefix),
		CacheTTL:    config.GetDurationEnv("DOCKER_CACHE_TTL", 2*time.Second),
		Attempts:    config.GetIntEnv("DOCKER_ATTEMPTS", 3),
		Backoff: backoff.Config{
			Initial: config.GetDurationEnv("DOCKER_BACKOFF_INITIAL", 100*time.Millisecond),
			Max:     config.GetDurationEnv("DOCKER_BACKOFF_MAX", 2*time.Second),
		},
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("DOCKER_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("DOCKER_BREAKER_COOLDOWN", 30*time.Second),
		},
	}
}

func (c Config) withDefaults() Config {
	if c.LabelPrefix == "" {
		c.LabelPrefix = DefaultLabelPrefix
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 2 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
