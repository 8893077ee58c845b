package budget

import (
	"sync"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// CostTracker maintains one consumption accumulator per in-flight attempt.
// Callers report usage as it happens; every report checks max_llm_tokens and
// max_cost_credits and fails the moment either cap is crossed. Finalize
// detaches the accumulator and returns the final usage.
type CostTracker struct {
	mu       sync.Mutex
	accounts map[string]*costAccount
}

type costAccount struct {
	budget Budget
	usage  Usage
}

// NewCostTracker creates an empty tracker.
func NewCostTracker() *CostTracker {
	return &CostTracker{accounts: make(map[string]*costAccount)}
}

// Begin opens an accumulator for attemptID under budget b. An accumulator
// that already exists is left untouched, including its budget.
func (t *CostTracker) Begin(attemptID string, b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.accounts[attemptID]; ok {
		return
	}
	t.accounts[attemptID] = &costAccount{budget: b}
}

// Record accumulates delta into the attempt's usage and enforces the caps.
// The delta is recorded even when it crosses a cap, so the final usage
// reflects what was actually consumed.
func (t *CostTracker) Record(attemptID string, delta Usage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	acct, ok := t.accounts[attemptID]
	if !ok {
		return fault.New(fault.CodeMissingTraceContext, "no cost accumulator for attempt %q", attemptID)
	}
	acct.usage.Add(delta)

	if max := acct.budget.MaxLLMTokens; max > 0 && acct.usage.TotalTokens() > max {
		return fault.New(fault.CodeCostExceeded,
			"attempt %q consumed %d LLM tokens, budget allows %d", attemptID, acct.usage.TotalTokens(), max)
	}
	if max := acct.budget.MaxCostCredits; max > 0 && acct.usage.CostCredits > max {
		return fault.New(fault.CodeCostExceeded,
			"attempt %q consumed %.4f credits, budget allows %.4f", attemptID, acct.usage.CostCredits, max)
	}
	return nil
}

// Peek returns the current usage without detaching the accumulator.
func (t *CostTracker) Peek(attemptID string) (Usage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	acct, ok := t.accounts[attemptID]
	if !ok {
		return Usage{}, false
	}
	return acct.usage, true
}

// Finalize detaches the attempt's accumulator and returns the final usage.
// Finalizing an unknown attempt returns a zero usage.
func (t *CostTracker) Finalize(attemptID string) Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	acct, ok := t.accounts[attemptID]
	if !ok {
		return Usage{}
	}
	delete(t.accounts, attemptID)
	return acct.usage
}

// Open returns the number of attached accumulators.
func (t *CostTracker) Open() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.accounts)
}
