package config_test

import (
	"testing"
	"time"

	"github.com/praetor-ai/praetor/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()

	assert.Equal(t, 100, cfg.MaxGlobalParallel)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
	assert.Equal(t, 5*time.Second, cfg.DefaultGracePeriod)
	assert.Equal(t, 24*time.Hour, cfg.ShadowMinDuration)
	assert.InDelta(t, 0.05, cfg.ActivationGateDivergenceMax, 1e-9)
	assert.Equal(t, 100, cfg.SSEBufferSize)
	assert.Equal(t, config.AuditSync, cfg.AuditMode)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_GLOBAL_PARALLEL", "7")
	t.Setenv("DEFAULT_TIMEOUT_MS", "1500")
	t.Setenv("ACTIVATION_GATE_DIVERGENCE_MAX", "0.2")
	t.Setenv("AUDIT_SYNC", "batch")
	t.Setenv("SSE_BUFFER_SIZE", "16")

	cfg := config.Load()

	assert.Equal(t, 7, cfg.MaxGlobalParallel)
	assert.Equal(t, 1500*time.Millisecond, cfg.DefaultTimeout)
	assert.InDelta(t, 0.2, cfg.ActivationGateDivergenceMax, 1e-9)
	assert.Equal(t, config.AuditBatch, cfg.AuditMode)
	assert.Equal(t, 16, cfg.SSEBufferSize)
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Setenv("MAX_GLOBAL_PARALLEL", "not-a-number")
	t.Setenv("DEFAULT_TIMEOUT_MS", "-5")

	cfg := config.Load()

	assert.Equal(t, 100, cfg.MaxGlobalParallel)
	assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
}
