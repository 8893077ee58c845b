// Package executor drives a BusinessPlan through its step DAG: validation,
// preflight, topologically ordered execution under the budget guard stack,
// idempotent re-runs through a result cache, and automatic rollback of
// completed steps when a later step fails.
package executor

import (
	"time"
)

// StepStatus is a step's position in its lifecycle.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepRunning    StepStatus = "running"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepRolledBack StepStatus = "rolled_back"
)

// PlanStatus is the plan's aggregate state.
type PlanStatus string

const (
	PlanPlanning   PlanStatus = "planning"
	PlanValidated  PlanStatus = "validated"
	PlanExecuting  PlanStatus = "executing"
	PlanCompleted  PlanStatus = "completed"
	PlanFailed     PlanStatus = "failed"
	PlanRolledBack PlanStatus = "rolled_back"
)

// EffectClass marks steps whose side effects cannot be unwound mechanically.
// A plan containing completed fiscal or structural steps refuses
// auto-rollback and requires manual resolution.
type EffectClass string

const (
	EffectNone       EffectClass = ""
	EffectFiscal     EffectClass = "fiscal"
	EffectStructural EffectClass = "structural"
)

// ExecutionStep is one DAG node.
type ExecutionStep struct {
	StepID           string         `json:"step_id"`
	Sequence         int            `json:"sequence"`
	Name             string         `json:"name"`
	ExecutorType     string         `json:"executor_type"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	RollbackPossible bool           `json:"rollback_possible"`
	RollbackSteps    []string       `json:"rollback_steps,omitempty"`
	Effect           EffectClass    `json:"effect,omitempty"`
	RequiresNetwork  bool           `json:"requires_network,omitempty"`
	Template         string         `json:"template,omitempty"`

	Status       StepStatus  `json:"status"`
	Result       *StepResult `json:"result,omitempty"`
	EvidencePath string      `json:"evidence_path,omitempty"`
}

// StepResult is what an executor returns for one step.
type StepResult struct {
	Success       bool           `json:"success"`
	Data          map[string]any `json:"data,omitempty"`
	EvidenceFiles []string       `json:"evidence_files,omitempty"`
	Duration      time.Duration  `json:"duration"`
	// Cached marks a result served from the idempotency record.
	Cached bool `json:"cached,omitempty"`
	// DryRun marks a validate-only success.
	DryRun bool `json:"dry_run,omitempty"`
}

// PlanStatistics aggregates step outcomes.
type PlanStatistics struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolled_back"`
	Cached     int `json:"cached"`
	Skipped    int `json:"skipped"`
}

// BusinessPlan is the execution unit.
type BusinessPlan struct {
	PlanID string           `json:"plan_id"`
	Steps  []*ExecutionStep `json:"steps"`
	Status PlanStatus       `json:"status"`
	Stats  PlanStatistics   `json:"stats"`
}

// Step returns the plan's step by ID, or nil.
func (p *BusinessPlan) Step(stepID string) *ExecutionStep {
	for _, s := range p.Steps {
		if s.StepID == stepID {
			return s
		}
	}
	return nil
}

// PlanResult is returned when a plan terminates.
type PlanResult struct {
	PlanID string         `json:"plan_id"`
	Status PlanStatus     `json:"status"`
	Stats  PlanStatistics `json:"stats"`
	// StepErrors holds the last error per failed step.
	StepErrors map[string]string `json:"step_errors,omitempty"`
	// AuditEventIDs points at the audit records emitted for this run.
	AuditEventIDs []string `json:"audit_event_ids,omitempty"`
}
