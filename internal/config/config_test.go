package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"MARUNTIME_PORT", "MARUNTIME_VERSION", "DATABASE_URL", "DATABASE_MAX_CONNECTIONS",
		"OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
		"RETENTION_SCHEDULE", "RETENTION_MAX_SESSION_AGE", "RETENTION_HEARTBEAT_GRACE",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.Database.URL != "" {
		t.Errorf("database url = %q, want empty for in-memory", cfg.Database.URL)
	}
	if cfg.Database.MaxConnections != 25 {
		t.Errorf("max connections = %d, want 25", cfg.Database.MaxConnections)
	}
	if cfg.Telemetry.Enabled {
		t.Error("telemetry enabled by default")
	}
	if cfg.Telemetry.ServiceName != "maruntime" {
		t.Errorf("service name = %q", cfg.Telemetry.ServiceName)
	}
	if cfg.Retention.Schedule != "13 3 * * *" {
		t.Errorf("schedule = %q", cfg.Retention.Schedule)
	}
	if cfg.Retention.MaxSessionAge != 30*24*time.Hour {
		t.Errorf("max session age = %v", cfg.Retention.MaxSessionAge)
	}
	if cfg.Retention.HeartbeatGrace != 30*time.Second {
		t.Errorf("heartbeat grace = %v", cfg.Retention.HeartbeatGrace)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MARUNTIME_PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/maruntime")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("RETENTION_MAX_SESSION_AGE", "72h")
	t.Setenv("RETENTION_HEARTBEAT_GRACE", "10s")

	cfg := Load()
	if cfg.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Port)
	}
	if cfg.Database.URL != "postgres://localhost/maruntime" {
		t.Errorf("database url = %q", cfg.Database.URL)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("telemetry override ignored")
	}
	if cfg.Retention.MaxSessionAge != 72*time.Hour {
		t.Errorf("max session age = %v", cfg.Retention.MaxSessionAge)
	}
	if cfg.Retention.HeartbeatGrace != 10*time.Second {
		t.Errorf("heartbeat grace = %v", cfg.Retention.HeartbeatGrace)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MARUNTIME_PORT", "not-a-number")
	t.Setenv("OTEL_ENABLED", "definitely")
	t.Setenv("RETENTION_MAX_SESSION_AGE", "a fortnight")

	cfg := Load()
	if cfg.Port != 8080 {
		t.Errorf("malformed port fell through: %d", cfg.Port)
	}
	if cfg.Telemetry.Enabled {
		t.Error("malformed bool fell through")
	}
	if cfg.Retention.MaxSessionAge != 30*24*time.Hour {
		t.Errorf("malformed duration fell through: %v", cfg.Retention.MaxSessionAge)
	}
}
