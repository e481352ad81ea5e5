// Package config loads the runtime configuration from the environment.
// Secrets (provider API keys) are not held here; they are resolved at the
// point of use from the env var a policy or tool config names.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the maruntime server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Retention RetentionConfig
}

type DatabaseConfig struct {
	// URL empty means the in-memory store: zero-config runs and tests.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type RetentionConfig struct {
	// Schedule is a cron expression; empty disables the purge.
	Schedule string
	// MaxSessionAge is how long terminal sessions are kept.
	MaxSessionAge time.Duration
	// HeartbeatGrace is the heartbeat sweep period; instances are marked
	// OFFLINE after twice this much heartbeat silence.
	HeartbeatGrace time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("MARUNTIME_PORT", 8080),
		Version: envStr("MARUNTIME_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "maruntime"),
		},
		Retention: RetentionConfig{
			Schedule:       envStr("RETENTION_SCHEDULE", "13 3 * * *"),
			MaxSessionAge:  envDuration("RETENTION_MAX_SESSION_AGE", 30*24*time.Hour),
			HeartbeatGrace: envDuration("RETENTION_HEARTBEAT_GRACE", 30*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
