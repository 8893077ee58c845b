package runtime

import (
	"context"
	"errors"

	"github.com/praetor-ai/praetor/pkg/audit"
	"github.com/praetor-ai/praetor/pkg/budget"
	"github.com/praetor-ai/praetor/pkg/fault"
	"github.com/praetor-ai/praetor/pkg/governor"
	"github.com/praetor-ai/praetor/pkg/reflex"
	"github.com/praetor-ai/praetor/pkg/stream"
	"github.com/praetor-ai/praetor/pkg/trace"
)

// JobSpec describes one job of a submitted mission. The governance fields
// feed the decision context.
type JobSpec struct {
	JobType            string   `json:"job_type"`
	DependsOn          []string `json:"depends_on,omitempty"`
	RollbackPossible   bool     `json:"rollback_possible"`
	RiskClass          string   `json:"risk_class,omitempty"`
	Idempotent         bool     `json:"idempotent"`
	ExternalDependency bool     `json:"external_dependency"`
	UsesPersonalData   bool     `json:"uses_personal_data"`
}

// MissionRecord is what SubmitMission returns: the allocated identities.
type MissionRecord struct {
	Mission *trace.Mission `json:"mission"`
	Plan    *trace.Plan    `json:"plan"`
	Jobs    []*trace.Job   `json:"jobs"`
}

// ExecutionReport summarizes one governed job execution.
type ExecutionReport struct {
	JobID      string                   `json:"job_id"`
	DecisionID string                   `json:"decision_id"`
	AttemptIDs []string                 `json:"attempt_ids"`
	Usage      budget.Usage             `json:"usage"`
	Err        string                   `json:"error,omitempty"`
	FinalState reflex.JobLifecycleState `json:"final_state"`
}

// SubmitMission allocates the mission, one plan, and its jobs, and records
// the submission. Jobs with dependencies make the plan a DAG.
func (r *Runtime) SubmitMission(ctx context.Context, tags map[string]string, jobs []JobSpec) (*MissionRecord, error) {
	if len(jobs) == 0 {
		return nil, fault.New(fault.CodeMissingTraceContext, "mission has no jobs")
	}

	planType := trace.PlanSequential
	for _, j := range jobs {
		if len(j.DependsOn) > 0 {
			planType = trace.PlanDAG
			break
		}
	}

	m := r.Trace.NewMission(tags)
	plan, err := r.Trace.NewPlan(m.MissionID, planType)
	if err != nil {
		return nil, err
	}

	rec := &MissionRecord{Mission: m, Plan: plan}
	for _, spec := range jobs {
		job, err := r.Trace.NewJob(plan.PlanID, spec.JobType, spec.DependsOn, spec.RollbackPossible)
		if err != nil {
			return nil, err
		}
		rec.Jobs = append(rec.Jobs, job)
		r.mu.Lock()
		r.specs[job.JobID] = spec
		r.mu.Unlock()
	}

	r.record(ctx, audit.Event{
		Category:  audit.CategorySystem,
		Severity:  fault.SeverityInfo,
		EventType: "mission.submitted",
		MissionID: m.MissionID,
		PlanID:    plan.PlanID,
		Message:   "mission accepted",
		Data:      map[string]any{"jobs": len(rec.Jobs), "plan_type": string(planType)},
	})
	return rec, nil
}

// Decide evaluates the active manifest for the job and persists the decision.
// A shadow manifest, when staged, is recomputed and recorded but never
// applied. While the audit log is degraded the decision's evidence carries
// the degraded flag.
func (r *Runtime) Decide(ctx context.Context, jobID string) (*governor.GovernorDecision, error) {
	job, ok := r.Trace.Job(jobID)
	if !ok {
		return nil, fault.New(fault.CodeMissingTraceContext, "job %q not found", jobID)
	}
	plan, _ := r.Trace.Plan(job.PlanID)

	r.mu.RLock()
	spec := r.specs[jobID]
	r.mu.RUnlock()

	active, err := r.Manifests.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	shadow, _ := r.Manifests.GetShadow(ctx)

	dc := governor.DecisionContext{
		JobID:              jobID,
		PlanID:             job.PlanID,
		JobType:            job.JobType,
		Environment:        r.env,
		RiskClass:          spec.RiskClass,
		Idempotent:         spec.Idempotent,
		ExternalDependency: spec.ExternalDependency,
		UsesPersonalData:   spec.UsesPersonalData,
	}
	if plan != nil {
		dc.MissionID = plan.MissionID
	}

	decision, err := r.Evaluator.EvaluateWithShadow(ctx, dc, active, shadow, r.Shadow)
	if err != nil {
		return nil, err
	}

	if r.Audit.Degraded() {
		if decision.Evidence == nil {
			decision.Evidence = make(map[string]any)
		}
		decision.Evidence["degraded"] = true
	}

	if err := r.Decisions.Save(ctx, decision); err != nil {
		return nil, err
	}

	r.record(ctx, audit.Event{
		Category:  audit.CategoryDecision,
		Severity:  fault.SeverityInfo,
		EventType: "decision.evaluated",
		MissionID: dc.MissionID,
		PlanID:    dc.PlanID,
		JobID:     jobID,
		Message:   decision.Reason,
		Data: map[string]any{
			"decision_id": decision.DecisionID,
			"mode":        string(decision.Mode),
			"source":      string(decision.BudgetResolution.Source),
			"manifest":    decision.ManifestVersion,
		},
	})
	r.Stream.Publish(stream.ChannelGovernor, "decision.evaluated", map[string]any{
		"job_id": jobID, "decision_id": decision.DecisionID, "mode": string(decision.Mode),
	})
	if r.Telemetry != nil {
		r.Telemetry.RecordDecision(ctx, string(decision.Mode), decision.ShadowMode)
	}
	if decision.ImmuneAlertRequired {
		r.record(ctx, audit.Event{
			Category:  audit.CategoryDecision,
			Severity:  fault.SeverityWarning,
			EventType: "decision.immune_alert",
			JobID:     jobID,
			Message:   "decision requires operator attention",
			Data:      map[string]any{"decision_id": decision.DecisionID},
		})
	}
	return decision, nil
}

// ExecuteJob runs the payload under full governance: the persisted decision's
// budget, reflex admission, the circuit breaker, and per-attempt trace
// identity. The decision is looked up first and evaluated on demand, so it is
// always persisted before the first attempt starts.
func (r *Runtime) ExecuteJob(ctx context.Context, jobID string, payload budget.GuardedPayload) (*ExecutionReport, error) {
	decision, err := r.Decisions.ByJob(ctx, jobID)
	if err != nil {
		decision, err = r.Decide(ctx, jobID)
		if err != nil {
			return nil, err
		}
	}

	report := &ExecutionReport{JobID: jobID, DecisionID: decision.DecisionID}

	if err := r.Reflexes.Admit(jobID); err != nil {
		report.Err = err.Error()
		report.FinalState = r.Lifecycle.State(jobID)
		return report, err
	}
	if err := r.Breaker.Allow(ctx, jobID); err != nil {
		// Breaker-open returns to the caller immediately; the attempt never
		// starts.
		report.Err = err.Error()
		report.FinalState = r.Lifecycle.State(jobID)
		return report, err
	}

	if r.Lifecycle.State(jobID) == reflex.StatePending {
		_, _ = r.Lifecycle.Transition(jobID, reflex.StateRunning, "attempt admitted", reflex.BySystem, 0)
	}

	b := decision.BudgetResolution.Budget
	execErr := r.Guard.Execute(ctx, jobID, b, payload, budget.ExecuteOptions{
		OnAttempt: func(ctx context.Context, attempt int) (string, error) {
			// Re-admission on every retry: a reflex that suspended the job
			// mid-loop stops the remaining attempts. The first attempt was
			// admitted before the loop, and its throttle token is spent.
			if attempt > 0 {
				if err := r.Reflexes.Admit(jobID); err != nil {
					return "", err
				}
			}
			a, err := r.Trace.NewAttempt(jobID)
			if err != nil {
				return "", err
			}
			report.AttemptIDs = append(report.AttemptIDs, a.AttemptID)
			return a.AttemptID, nil
		},
		OnFinish: func(attemptID string, usage budget.Usage, err error) {
			report.Usage.Add(usage)
			_ = r.Trace.FinishAttempt(attemptID, attemptStatus(err))
			r.observeAttempt(ctx, jobID, attemptID, err)
		},
	})

	r.settle(ctx, jobID, execErr)
	report.FinalState = r.Lifecycle.State(jobID)
	if execErr != nil {
		report.Err = execErr.Error()
	}
	return report, execErr
}

// observeAttempt feeds one finished attempt to the breaker, the triggers,
// and the enforcement audit trail.
func (r *Runtime) observeAttempt(ctx context.Context, jobID, attemptID string, err error) {
	var berr error
	if err == nil {
		berr = r.Breaker.Success(ctx, jobID)
	} else {
		berr = r.Breaker.Failure(ctx, jobID)
	}
	if berr != nil {
		r.logger.Warn("breaker update failed", "job_id", jobID, "error", berr)
	}

	violation := isBudgetViolation(err)
	if violation {
		r.record(ctx, audit.Event{
			Category:  audit.CategoryEnforcement,
			Severity:  fault.SeverityWarning,
			EventType: "budget.violation",
			JobID:     jobID,
			AttemptID: attemptID,
			Message:   err.Error(),
			Data:      map[string]any{"code": string(fault.CodeOf(err))},
		})
		r.Stream.Publish(stream.ChannelEnforcement, "budget.violation", map[string]any{
			"job_id": jobID, "attempt_id": attemptID, "code": string(fault.CodeOf(err)),
		})
		if r.Telemetry != nil {
			r.Telemetry.RecordViolation(ctx, string(fault.CodeOf(err)))
		}
	}

	outcome := reflex.Outcome{JobID: jobID, Failure: err != nil, BudgetViolation: violation}
	if ev := r.ErrorRate.Observe(outcome); ev != nil {
		_, _ = r.Reflexes.Dispatch(*ev)
	}
	if ev := r.Bursts.Observe(outcome); ev != nil {
		_, _ = r.Reflexes.Dispatch(*ev)
	}
}

// settle moves the job's lifecycle to its terminal state after the guard
// returns. A reflex that suspended or cancelled the job mid-flight wins; the
// illegal transition from those states is simply dropped.
func (r *Runtime) settle(ctx context.Context, jobID string, execErr error) {
	if execErr == nil {
		_, _ = r.Lifecycle.Transition(jobID, reflex.StateCompleted, "payload succeeded", reflex.BySystem, 0)
		return
	}
	_, _ = r.Lifecycle.Transition(jobID, reflex.StateFailed, execErr.Error(), reflex.BySystem, 0)
}

// ResumeJob lifts a reflex suspend or throttle on operator request.
func (r *Runtime) ResumeJob(ctx context.Context, jobID string, force bool) (reflex.Transition, error) {
	tr, err := r.Reflexes.Resume(jobID, reflex.ByManual, force)
	if err == nil && tr.To != "" {
		r.record(ctx, audit.Event{
			Category:  audit.CategoryLifecycle,
			Severity:  fault.SeverityInfo,
			EventType: "lifecycle.resumed",
			JobID:     jobID,
			Message:   "manual resume",
			Data:      map[string]any{"force": force},
		})
	}
	return tr, err
}

// TraceOf reconstructs the full lineage for an attempt.
func (r *Runtime) TraceOf(attemptID string) (*trace.Chain, error) {
	return r.Trace.Trace(attemptID)
}

func attemptStatus(err error) trace.AttemptStatus {
	switch {
	case err == nil:
		return trace.AttemptSucceeded
	case fault.CodeOf(err) == fault.CodeExecTimeout:
		return trace.AttemptTimedOut
	case errors.Is(err, context.Canceled):
		return trace.AttemptCancelled
	default:
		return trace.AttemptFailed
	}
}

func isBudgetViolation(err error) bool {
	switch fault.CodeOf(err) {
	case fault.CodeCostExceeded, fault.CodeParallelismExceeded, fault.CodeExecTimeout, fault.CodeExecOverBudget:
		return true
	}
	return false
}
