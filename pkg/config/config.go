// Package config provides environment-based configuration for the coordinator
// and file-based configuration for ship agents.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the coordinator.
type Config struct {
	// Database configuration. An empty DSN selects the in-memory store.
	DatabaseDSN string
	Migrate     bool

	// Server configuration
	APIPort  int
	GRPCPort int
	APIHost  string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	LogLevel  string
	LogFormat string

	Rollout   RolloutConfig
	Retention RetentionConfig
}

// RolloutConfig holds rollout service and monitor configuration.
type RolloutConfig struct {
	OnlineThreshold   time.Duration
	OutdatedThreshold time.Duration
	MonitorInterval   time.Duration
}

// RetentionConfig holds the cleanup sweeps' configuration.
type RetentionConfig struct {
	MetricsDays          int
	ReleaseSweepInterval time.Duration
	ReleaseTTL           time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", ""),
		Migrate:         getBoolEnv("DATABASE_MIGRATE", true),
		APIPort:         getIntEnv("API_PORT", 8080),
		GRPCPort:        getIntEnv("GRPC_PORT", 9090),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		Rollout: RolloutConfig{
			OnlineThreshold:   getDurationEnv("ROLLOUT_ONLINE_THRESHOLD", 10*time.Minute),
			OutdatedThreshold: getDurationEnv("ROLLOUT_OUTDATED_THRESHOLD", 15*time.Minute),
			MonitorInterval:   getDurationEnv("ROLLOUT_MONITOR_INTERVAL", 30*time.Second),
		},
		Retention: RetentionConfig{
			MetricsDays:          getIntEnv("RETENTION_METRICS_DAYS", 30),
			ReleaseSweepInterval: getDurationEnv("RETENTION_RELEASE_SWEEP_INTERVAL", time.Hour),
			ReleaseTTL:           getDurationEnv("REGISTRY_RELEASE_TTL", 30*24*time.Hour),
		},
	}
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT must be between 1 and 65535, got %d", c.APIPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("GRPC_PORT must be between 0 and 65535, got %d", c.GRPCPort)
	}
	if c.GRPCPort != 0 && c.GRPCPort == c.APIPort {
		return fmt.Errorf("GRPC_PORT and API_PORT must differ")
	}
	if c.Rollout.OnlineThreshold <= 0 {
		return fmt.Errorf("ROLLOUT_ONLINE_THRESHOLD must be positive")
	}
	if c.Rollout.OutdatedThreshold <= 0 {
		return fmt.Errorf("ROLLOUT_OUTDATED_THRESHOLD must be positive")
	}
	if c.Rollout.MonitorInterval <= 0 {
		return fmt.Errorf("ROLLOUT_MONITOR_INTERVAL must be positive")
	}
	if c.Retention.MetricsDays <= 0 {
		return fmt.Errorf("RETENTION_METRICS_DAYS must be positive, got %d", c.Retention.MetricsDays)
	}
	if c.Retention.ReleaseSweepInterval <= 0 {
		return fmt.Errorf("RETENTION_RELEASE_SWEEP_INTERVAL must be positive")
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

// Addr returns the API listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
