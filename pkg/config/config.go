// Package config loads runtime configuration from environment variables.
// Every knob has a default; the zero-configuration runtime is fully
// functional with in-memory stores.
package config

import (
	"os"
	"strconv"
	"time"
)

// AuditMode selects how audit writes are performed on the hot path.
type AuditMode string

const (
	AuditSync  AuditMode = "sync"
	AuditBatch AuditMode = "batch"
)

// Config holds all recognized environment knobs.
type Config struct {
	// MaxGlobalParallel caps in-flight attempts across all jobs.
	MaxGlobalParallel int
	// DefaultTimeout applies when a resolved budget carries no timeout.
	DefaultTimeout time.Duration
	// DefaultGracePeriod bounds cleanup after a timeout cancellation.
	DefaultGracePeriod time.Duration
	// ShadowMinDuration is how long a manifest must shadow before activation.
	ShadowMinDuration time.Duration
	// ActivationGateDivergenceMax is the tolerated shadow/active decision
	// divergence ratio (0..1).
	ActivationGateDivergenceMax float64
	// SSEBufferSize is the per-channel replay buffer and subscriber queue size.
	SSEBufferSize int
	// AuditMode selects sync or batched audit writes.
	AuditMode AuditMode

	// LogLevel for slog ("DEBUG", "INFO", "WARN", "ERROR").
	LogLevel string
	// DatabaseURL enables the Postgres decision store when set.
	DatabaseURL string
	// SQLitePath enables SQLite-backed audit and manifest stores when set.
	SQLitePath string
	// RedisAddr enables Redis-backed circuit breaker state when set.
	RedisAddr string
}

// Load reads configuration from the environment, applying defaults.
func Load() *Config {
	return &Config{
		MaxGlobalParallel:           envInt("MAX_GLOBAL_PARALLEL", 100),
		DefaultTimeout:              envDurationMs("DEFAULT_TIMEOUT_MS", 30_000),
		DefaultGracePeriod:          envDurationMs("DEFAULT_GRACE_PERIOD_MS", 5_000),
		ShadowMinDuration:           envDurationMs("SHADOW_MIN_DURATION_MS", int64((24 * time.Hour).Milliseconds())),
		ActivationGateDivergenceMax: envFloat("ACTIVATION_GATE_DIVERGENCE_MAX", 0.05),
		SSEBufferSize:               envInt("SSE_BUFFER_SIZE", 100),
		AuditMode:                   auditMode(os.Getenv("AUDIT_SYNC")),
		LogLevel:                    envString("LOG_LEVEL", "INFO"),
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		SQLitePath:                  os.Getenv("SQLITE_PATH"),
		RedisAddr:                   os.Getenv("REDIS_ADDR"),
	}
}

func auditMode(v string) AuditMode {
	if v == string(AuditBatch) {
		return AuditBatch
	}
	return AuditSync
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return def
}

func envDurationMs(key string, defMs int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return time.Duration(defMs) * time.Millisecond
}
