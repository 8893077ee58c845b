package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/praetor-ai/praetor/pkg/manifest"
)

// DecisionPair couples the applied decision with its shadow recomputation
// for one job. Shadow decisions are never applied; pairs exist only for the
// activation gate to analyze.
type DecisionPair struct {
	Active *GovernorDecision `json:"active"`
	Shadow *GovernorDecision `json:"shadow"`
	At     time.Time         `json:"at"`
}

// ShadowRecorder accumulates decision pairs while a manifest shadows the
// active one, and renders the activation gate's report.
type ShadowRecorder struct {
	mu    sync.Mutex
	pairs []DecisionPair
	clock Clock
	start time.Time
}

// NewShadowRecorder starts an empty observation window.
func NewShadowRecorder(clock Clock) *ShadowRecorder {
	if clock == nil {
		clock = wallClock{}
	}
	return &ShadowRecorder{clock: clock, start: clock.Now()}
}

// Record stores one active/shadow decision pair.
func (r *ShadowRecorder) Record(active, shadow *GovernorDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = append(r.pairs, DecisionPair{Active: active, Shadow: shadow, At: r.clock.Now()})
}

// Observed returns the number of recorded pairs.
func (r *ShadowRecorder) Observed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

// Reset clears the window, e.g. after an activation.
func (r *ShadowRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pairs = nil
	r.start = r.clock.Now()
}

// BuildReport summarizes the window for the activation gate. A pair is
// divergent when mode, recovery strategy, or any numeric budget field
// differs. A divergence is critical when the mode flips, or a budget field
// changed by more than 2x, on a production job.
func (r *ShadowRecorder) BuildReport(shadowVersion, activeVersion string, gate manifest.GateConfig) *manifest.ShadowReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &manifest.ShadowReport{
		ShadowVersion: shadowVersion,
		ActiveVersion: activeVersion,
		ObservedJobs:  len(r.pairs),
		WindowStart:   r.start,
		WindowEnd:     r.clock.Now(),
	}

	for _, pair := range r.pairs {
		divergent, critical := comparePair(pair)
		if divergent {
			report.DivergentJobs++
		}
		if critical != "" {
			report.CriticalDivergences = append(report.CriticalDivergences, critical)
		}
	}

	report.SafeToActivate = report.Divergence() <= gate.MaxDivergence &&
		len(report.CriticalDivergences) == 0
	return report
}

func comparePair(pair DecisionPair) (divergent bool, critical string) {
	a, s := pair.Active, pair.Shadow
	production := a.Evidence != nil && a.Evidence["environment"] == string(EnvProduction)
	jobType := ""
	if a.Evidence != nil {
		jobType, _ = a.Evidence["job_type"].(string)
	}

	if a.Mode != s.Mode {
		if production {
			critical = fmt.Sprintf("mode flip %s -> %s on job_type=%s", a.Mode, s.Mode, jobType)
		}
		return true, critical
	}
	if a.RecoveryStrategy != s.RecoveryStrategy {
		return true, ""
	}

	ab, sb := a.BudgetResolution.Budget, s.BudgetResolution.Budget
	fields := []struct {
		name     string
		old, new float64
	}{
		{"timeout_ms", float64(ab.TimeoutMS), float64(sb.TimeoutMS)},
		{"max_parallel_attempts", float64(ab.MaxParallelAttempts), float64(sb.MaxParallelAttempts)},
		{"max_global_parallel", float64(ab.MaxGlobalParallel), float64(sb.MaxGlobalParallel)},
		{"max_llm_tokens", float64(ab.MaxLLMTokens), float64(sb.MaxLLMTokens)},
		{"max_cost_credits", ab.MaxCostCredits, sb.MaxCostCredits},
		{"max_retries", float64(ab.MaxRetries), float64(sb.MaxRetries)},
		{"grace_period_ms", float64(ab.GracePeriodMS), float64(sb.GracePeriodMS)},
	}
	for _, f := range fields {
		if f.old == f.new {
			continue
		}
		divergent = true
		if production && budgetRatioExceeds(f.old, f.new, 2.0) {
			critical = fmt.Sprintf("%s changed %gx on job_type=%s", f.name, ratio(f.old, f.new), jobType)
			break
		}
	}
	return divergent, critical
}

func budgetRatioExceeds(old, new, limit float64) bool {
	if old == 0 || new == 0 {
		return true // appearing or disappearing limits always count
	}
	return ratio(old, new) > limit
}

func ratio(old, new float64) float64 {
	if old == 0 || new == 0 {
		return 0
	}
	r := new / old
	if r < 1 {
		r = 1 / r
	}
	return r
}

// EvaluateWithShadow runs the evaluator against the active manifest and, when
// a shadow manifest exists, recomputes the decision under it and records the
// pair. Only the active decision is returned for application.
func (e *Evaluator) EvaluateWithShadow(ctx context.Context, dc DecisionContext, active, shadow *manifest.Manifest, recorder *ShadowRecorder) (*GovernorDecision, error) {
	decision, err := e.Evaluate(ctx, dc, active, false)
	if err != nil {
		return nil, err
	}
	if shadow != nil && recorder != nil {
		shadowDecision, err := e.Evaluate(ctx, dc, shadow, true)
		if err == nil {
			recorder.Record(decision, shadowDecision)
		}
		// A broken shadow manifest must not block the applied decision.
	}
	return decision, nil
}
