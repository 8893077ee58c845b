package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/praetor-ai/praetor/pkg/budget"
)

// RunOptions tune one plan execution.
type RunOptions struct {
	// DryRun validates every step without executing it.
	DryRun bool
	// AutoRollback unwinds completed steps when a later step fails.
	AutoRollback bool
	// Mode is the governance mode the plan runs under; it is part of each
	// step's idempotency key.
	Mode string
	// Budget applies to every step's guarded execution.
	Budget budget.Budget
	// Context is the run environment handed to executors.
	Context *ExecContext
}

// Orchestrator executes BusinessPlans.
type Orchestrator struct {
	registry  *Registry
	guard     *budget.Guard
	idem      IdempotencyStore
	preflight PreflightConfig
	logger    *slog.Logger

	// OnEvent, when set, records an audit event for each step transition and
	// returns its ID.
	OnEvent func(plan *BusinessPlan, step *ExecutionStep, eventType string, data map[string]any) string
}

// NewOrchestrator wires the executor pipeline.
func NewOrchestrator(registry *Registry, guard *budget.Guard, idem IdempotencyStore, preflight PreflightConfig, logger *slog.Logger) *Orchestrator {
	if idem == nil {
		idem = NewMemoryIdempotencyStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:  registry,
		guard:     guard,
		idem:      idem,
		preflight: preflight,
		logger:    logger.With("component", "executor"),
	}
}

// Run validates, preflights, and executes the plan. The plan and its steps
// are mutated in place; the result summarizes the terminal state.
func (o *Orchestrator) Run(ctx context.Context, plan *BusinessPlan, opts RunOptions) (*PlanResult, error) {
	if opts.Context == nil {
		opts.Context = &ExecContext{}
	}
	result := &PlanResult{PlanID: plan.PlanID, StepErrors: make(map[string]string)}

	plan.Status = PlanPlanning
	if err := Validate(plan, o.registry); err != nil {
		return nil, err
	}
	if !opts.DryRun {
		if err := Preflight(plan, opts.Context, o.preflight); err != nil {
			return nil, err
		}
	}

	order, err := topoOrder(plan)
	if err != nil {
		return nil, err
	}

	plan.Status = PlanExecuting
	plan.Stats = PlanStatistics{Total: len(plan.Steps)}

	failed := false
	for _, step := range order {
		if failed || !o.depsCompleted(plan, step) {
			plan.Stats.Skipped++
			continue
		}

		stepErr := o.runStep(ctx, plan, step, opts, result)
		if stepErr == nil {
			continue
		}

		failed = true
		result.StepErrors[step.StepID] = stepErr.Error()
		if opts.AutoRollback {
			o.rollback(ctx, plan, opts, result)
		}
	}

	switch {
	case !failed:
		plan.Status = PlanCompleted
	case plan.Stats.RolledBack > 0:
		plan.Status = PlanRolledBack
	default:
		plan.Status = PlanFailed
	}
	result.Status = plan.Status
	result.Stats = plan.Stats
	return result, nil
}

func (o *Orchestrator) runStep(ctx context.Context, plan *BusinessPlan, step *ExecutionStep, opts RunOptions, result *PlanResult) error {
	exec, err := o.registry.Get(step.ExecutorType)
	if err != nil {
		return err
	}

	key, err := StepKey(step, opts.Mode)
	if err != nil {
		return err
	}
	if cached, ok := o.idem.Get(key); ok && !opts.DryRun {
		cached.Cached = true
		step.Status = StepCompleted
		step.Result = cached
		plan.Stats.Completed++
		plan.Stats.Cached++
		o.emit(plan, step, result, "step.cached", nil)
		return nil
	}

	// Input validation failures are deterministic; they never enter the
	// guard stack and are never retried.
	if errs := exec.ValidateInput(step, opts.Context); len(errs) > 0 {
		step.Status = StepFailed
		plan.Stats.Failed++
		o.emit(plan, step, result, "step.invalid", map[string]any{"errors": errStrings(errs)})
		return fmt.Errorf("step %q input invalid: %w", step.StepID, errors.Join(errs...))
	}

	if opts.DryRun {
		step.Status = StepCompleted
		step.Result = &StepResult{Success: true, DryRun: true}
		plan.Stats.Completed++
		o.emit(plan, step, result, "step.dry_run", nil)
		return nil
	}

	step.Status = StepRunning
	o.emit(plan, step, result, "step.started", nil)

	var stepResult *StepResult
	start := time.Now()
	runErr := o.guard.Execute(ctx, step.StepID, opts.Budget, func(ctx context.Context, meter *budget.Meter) error {
		r, err := exec.Execute(ctx, step, opts.Context)
		if err != nil {
			return err
		}
		stepResult = r
		return nil
	}, budget.ExecuteOptions{})

	if runErr != nil {
		step.Status = StepFailed
		plan.Stats.Failed++
		o.emit(plan, step, result, "step.failed", map[string]any{"error": runErr.Error()})
		return runErr
	}

	if stepResult == nil {
		stepResult = &StepResult{Success: true}
	}
	if stepResult.Duration == 0 {
		stepResult.Duration = time.Since(start)
	}
	step.Status = StepCompleted
	step.Result = stepResult
	if len(stepResult.EvidenceFiles) > 0 {
		step.EvidencePath = stepResult.EvidenceFiles[0]
	}
	plan.Stats.Completed++
	o.idem.Put(key, stepResult)
	o.emit(plan, step, result, "step.completed", map[string]any{"evidence": stepResult.EvidenceFiles})
	return nil
}

// rollback walks completed steps in reverse sequence and invokes their
// rollback callbacks. Completed fiscal or structural steps refuse the whole
// walk; their effects need manual resolution.
func (o *Orchestrator) rollback(ctx context.Context, plan *BusinessPlan, opts RunOptions, result *PlanResult) {
	completed := make([]*ExecutionStep, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		if s.Status != StepCompleted {
			continue
		}
		if s.Effect != EffectNone {
			o.logger.Warn("auto-rollback refused",
				"plan_id", plan.PlanID, "step_id", s.StepID, "effect", s.Effect)
			result.StepErrors["rollback"] = fmt.Sprintf(
				"step %q has %s effects, manual resolution required", s.StepID, s.Effect)
			o.emit(plan, s, result, "rollback.refused", map[string]any{"effect": string(s.Effect)})
			return
		}
		completed = append(completed, s)
	}

	sort.Slice(completed, func(i, j int) bool { return completed[i].Sequence > completed[j].Sequence })

	for _, s := range completed {
		if !s.RollbackPossible {
			continue
		}
		exec, err := o.registry.Get(s.ExecutorType)
		if err != nil {
			o.logger.Error("rollback executor missing", "step_id", s.StepID, "error", err)
			continue
		}
		rb, ok := exec.(RollbackExecutor)
		if !ok {
			o.logger.Error("step declared rollback_possible but executor cannot roll back",
				"step_id", s.StepID, "executor_type", s.ExecutorType)
			continue
		}
		if rb.Rollback(ctx, s, opts.Context) {
			s.Status = StepRolledBack
			plan.Stats.Completed--
			plan.Stats.RolledBack++
			o.emit(plan, s, result, "step.rolled_back", nil)
		} else {
			// A failed rollback is logged; the walk continues.
			o.logger.Error("rollback failed", "plan_id", plan.PlanID, "step_id", s.StepID)
			o.emit(plan, s, result, "step.rollback_failed", nil)
		}
	}
}

func (o *Orchestrator) depsCompleted(plan *BusinessPlan, step *ExecutionStep) bool {
	for _, dep := range step.DependsOn {
		if s := plan.Step(dep); s == nil || s.Status != StepCompleted {
			return false
		}
	}
	return true
}

func (o *Orchestrator) emit(plan *BusinessPlan, step *ExecutionStep, result *PlanResult, eventType string, data map[string]any) {
	if o.OnEvent == nil {
		return
	}
	if id := o.OnEvent(plan, step, eventType, data); id != "" {
		result.AuditEventIDs = append(result.AuditEventIDs, id)
	}
}

func errStrings(errs []error) []string {
	out := make([]string, len(errs))
	for i, err := range errs {
		out[i] = err.Error()
	}
	return out
}
