// Package budget defines resource budgets and the four guards that enforce
// them around every job attempt: timeout, parallelism, cost, and retry.
// Guards compose; all are entered before the payload runs and all record
// counters on exit. Violations surface as distinct fault codes.
package budget

// Budget is the tuple of resource limits resolved for a job. All fields are
// optional; zero means "not set" and the enforcer-level default applies.
type Budget struct {
	TimeoutMS           int64   `json:"timeout_ms,omitempty"`
	MaxRetries          int     `json:"max_retries,omitempty"`
	MaxParallelAttempts int     `json:"max_parallel_attempts,omitempty"`
	MaxGlobalParallel   int     `json:"max_global_parallel,omitempty"`
	MaxLLMTokens        int64   `json:"max_llm_tokens,omitempty"`
	MaxCostCredits      float64 `json:"max_cost_credits,omitempty"`
	GracePeriodMS       int64   `json:"grace_period_ms,omitempty"`
}

// IsZero reports whether no field is set.
func (b Budget) IsZero() bool {
	return b == Budget{}
}

// Multiply scales the numeric resource fields by factor and returns the
// result. MaxRetries and GracePeriodMS are deliberately not scaled: retry
// count and cleanup grace are operational knobs, not resource grants.
func (b Budget) Multiply(factor float64) Budget {
	if factor == 1.0 {
		return b
	}
	out := b
	if b.TimeoutMS > 0 {
		out.TimeoutMS = int64(float64(b.TimeoutMS) * factor)
	}
	if b.MaxParallelAttempts > 0 {
		out.MaxParallelAttempts = int(float64(b.MaxParallelAttempts) * factor)
	}
	if b.MaxGlobalParallel > 0 {
		out.MaxGlobalParallel = int(float64(b.MaxGlobalParallel) * factor)
	}
	if b.MaxLLMTokens > 0 {
		out.MaxLLMTokens = int64(float64(b.MaxLLMTokens) * factor)
	}
	if b.MaxCostCredits > 0 {
		out.MaxCostCredits = b.MaxCostCredits * factor
	}
	return out
}

// Usage is the per-attempt consumption accumulator maintained by the
// CostTracker.
type Usage struct {
	LLMPromptTokens     int64   `json:"llm_prompt_tokens"`
	LLMCompletionTokens int64   `json:"llm_completion_tokens"`
	APICalls            int64   `json:"api_calls"`
	CostCredits         float64 `json:"cost_credits"`
}

// TotalTokens returns prompt plus completion tokens.
func (u Usage) TotalTokens() int64 {
	return u.LLMPromptTokens + u.LLMCompletionTokens
}

// Add accumulates delta into u.
func (u *Usage) Add(delta Usage) {
	u.LLMPromptTokens += delta.LLMPromptTokens
	u.LLMCompletionTokens += delta.LLMCompletionTokens
	u.APICalls += delta.APICalls
	u.CostCredits += delta.CostCredits
}
