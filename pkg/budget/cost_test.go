package budget_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetor-ai/praetor/pkg/budget"
	"github.com/praetor-ai/praetor/pkg/fault"
)

func TestCostTrackerEnforcesTokenCap(t *testing.T) {
	tr := budget.NewCostTracker()
	tr.Begin("at_1", budget.Budget{MaxLLMTokens: 1000})

	require.NoError(t, tr.Record("at_1", budget.Usage{LLMPromptTokens: 400, LLMCompletionTokens: 200}))

	err := tr.Record("at_1", budget.Usage{LLMCompletionTokens: 500})
	assert.Equal(t, fault.CodeCostExceeded, fault.CodeOf(err))

	// The breaching delta is still recorded.
	usage, ok := tr.Peek("at_1")
	require.True(t, ok)
	assert.Equal(t, int64(1100), usage.TotalTokens())
}

func TestCostTrackerEnforcesCreditCap(t *testing.T) {
	tr := budget.NewCostTracker()
	tr.Begin("at_1", budget.Budget{MaxCostCredits: 1.0})

	require.NoError(t, tr.Record("at_1", budget.Usage{CostCredits: 0.9, APICalls: 3}))
	err := tr.Record("at_1", budget.Usage{CostCredits: 0.2})
	assert.Equal(t, fault.CodeCostExceeded, fault.CodeOf(err))
}

func TestCostTrackerUncappedBudgetNeverFails(t *testing.T) {
	tr := budget.NewCostTracker()
	tr.Begin("at_1", budget.Budget{})

	assert.NoError(t, tr.Record("at_1", budget.Usage{LLMPromptTokens: 1 << 40, CostCredits: 1e9}))
}

func TestCostTrackerBeginDoesNotReinitialize(t *testing.T) {
	tr := budget.NewCostTracker()
	tr.Begin("at_1", budget.Budget{MaxLLMTokens: 100})
	require.NoError(t, tr.Record("at_1", budget.Usage{LLMPromptTokens: 50}))

	// A second Begin must not reset the accumulator or swap the budget.
	tr.Begin("at_1", budget.Budget{MaxLLMTokens: 1_000_000})
	err := tr.Record("at_1", budget.Usage{LLMPromptTokens: 60})
	assert.Equal(t, fault.CodeCostExceeded, fault.CodeOf(err))
}

func TestCostTrackerFinalizeDetaches(t *testing.T) {
	tr := budget.NewCostTracker()
	tr.Begin("at_1", budget.Budget{})
	require.NoError(t, tr.Record("at_1", budget.Usage{APICalls: 2}))

	usage := tr.Finalize("at_1")
	assert.Equal(t, int64(2), usage.APICalls)
	assert.Zero(t, tr.Open())

	err := tr.Record("at_1", budget.Usage{APICalls: 1})
	assert.Error(t, err)
}

func TestCostTrackerRecordWithoutBegin(t *testing.T) {
	tr := budget.NewCostTracker()
	err := tr.Record("at_ghost", budget.Usage{APICalls: 1})
	assert.Equal(t, fault.CodeMissingTraceContext, fault.CodeOf(err))
}
