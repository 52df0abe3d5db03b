// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"time"
)

// Tracked registry backends.
const (
	RegistryStore  = "store"  // tracking state file
	RegistryDocker = "docker" // labels on target containers
)

// ServiceConfig holds configuration for the publish decision service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	WorkspaceFile     string        // Module tree descriptor
	StateFile         string        // Tracking store state file
	TrackedRegistry   string        // Source of previously published paths: store or docker
	DockerLabelPrefix string        // Label namespace on target containers
	FullOnlyTypes     []string      // Artifact types that are never published incrementally
	HashConcurrency   int           // Files fingerprinted in parallel (0 for GOMAXPROCS)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		WorkspaceFile:     GetEnv("WORKSPACE_FILE", "publishsync.yaml"),
		StateFile:         GetEnv("STATE_FILE", ".publishsync/state.cbor"),
		TrackedRegistry:   GetEnv("TRACKED_REGISTRY", RegistryStore),
		DockerLabelPrefix: GetEnv("DOCKER_LABEL_PREFIX", "publishsync"),
		FullOnlyTypes:     GetListEnv("FULL_ONLY_TYPES", nil),
		HashConcurrency:   GetIntEnv("HASH_CONCURRENCY", 0),
	}
}

// Validate reports the first invalid setting.
func (c *ServiceConfig) Validate() error {
	if c.WorkspaceFile == "" {
		return fmt.Errorf("WORKSPACE_FILE is required")
	}
	if c.StateFile == "" {
		return fmt.Errorf("STATE_FILE is required")
	}
	switch c.TrackedRegistry {
	case RegistryStore:
	case RegistryDocker:
		if c.DockerLabelPrefix == "" {
			return fmt.Errorf("DOCKER_LABEL_PREFIX is required with TRACKED_REGISTRY=docker")
		}
	default:
		return fmt.Errorf("TRACKED_REGISTRY must be %q or %q, got %q", RegistryStore, RegistryDocker, c.TrackedRegistry)
	}
	return nil
}
