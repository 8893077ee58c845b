package fault_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/praetor-ai/praetor/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxonomyProfiles(t *testing.T) {
	tests := []struct {
		code      fault.Code
		category  fault.Category
		retriable bool
	}{
		{fault.CodeExecTimeout, fault.CategoryMechanical, false},
		{fault.CodeCostExceeded, fault.CategoryMechanical, false},
		{fault.CodeParallelismExceeded, fault.CategoryMechanical, true},
		{fault.CodeUpstreamUnavailable, fault.CategoryMechanical, true},
		{fault.CodeCircuitBreakerOpen, fault.CategorySystem, true},
		{fault.CodeLifecycleInvalid, fault.CategorySystem, false},
		{fault.CodeAuditLogFailure, fault.CategorySystem, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := fault.New(tt.code, "boom")
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.retriable, err.Retriable)
		})
	}
}

func TestAuditFailureIsCritical(t *testing.T) {
	err := fault.New(fault.CodeAuditLogFailure, "disk full")
	assert.Equal(t, fault.SeverityCritical, err.Severity)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := fault.Wrap(fault.CodeUpstreamUnavailable, cause, "calling tool %q", "search")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, fault.CodeUpstreamUnavailable, fault.CodeOf(err))
	assert.Contains(t, err.Error(), "search")
}

func TestRetriableClassification(t *testing.T) {
	// Mechanical + retriable.
	assert.True(t, fault.Retriable(fault.New(fault.CodeUpstreamUnavailable, "down")))

	// Budget faults are capped, never retried at this layer.
	assert.False(t, fault.Retriable(fault.New(fault.CodeCostExceeded, "tokens")))

	// Ethical denials are never retried even on a retriable code.
	assert.False(t, fault.Retriable(fault.Ethical(fault.CodeUpstreamUnavailable, "policy denied")))

	// A cooldown outlasts any backoff; the attempt loop must yield.
	assert.False(t, fault.Retriable(fault.New(fault.CodeReflexCooldown, "suspended")))

	// System faults are not mechanical, so not candidates for the retry handler.
	assert.False(t, fault.Retriable(fault.New(fault.CodeCircuitBreakerOpen, "open")))

	// Unclassified errors default to retriable.
	assert.True(t, fault.Retriable(errors.New("flaky")))
	assert.False(t, fault.Retriable(nil))
}

func TestIsMatchesOnCode(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", fault.New(fault.CodeExecTimeout, "deadline"))
	assert.ErrorIs(t, wrapped, fault.New(fault.CodeExecTimeout, "any message"))
	assert.NotErrorIs(t, wrapped, fault.New(fault.CodeRetryExhausted, "x"))
}
