package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetIntEnv returns an integer environment variable or a default.
func GetIntEnv(key string, defaultValue int) int {
	return getParsed(key, defaultValue, strconv.Atoi)
}

// GetDurationEnv returns a duration environment variable or a default.
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	return getParsed(key, defaultValue, time.ParseDuration)
}

// GetBoolEnv returns a boolean environment variable or a default.
func GetBoolEnv(key string, defaultValue bool) bool {
	return getParsed(key, defaultValue, strconv.ParseBool)
}

// GetListEnv returns a comma-separated environment variable as a list, with
// blank entries dropped, or a default.
func GetListEnv(key string, defaultValue []string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// GetSecretFile reads a secret from a file path.
// Works with Docker secrets (/run/secrets/) and K8s secrets (mounted volumes).
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Cannot read secret file", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// getParsed falls back to defaultValue when key is unset or does not parse.
// A value that does not parse is logged so a typo in a deployment does not
// go unnoticed.
func getParsed[T any](key string, defaultValue T, parse func(string) (T, error)) T {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := parse(value)
	if err != nil {
		slog.Warn("Ignoring invalid environment value", "key", key, "value", value, "default", defaultValue)
		return defaultValue
	}
	return parsed
}
