// Package governor produces deterministic per-job governance decisions by
// evaluating the active manifest's rules against a decision context. The same
// context and the same manifest always yield the same mode, recovery
// strategy, and numeric budget fields. Decisions are immutable and must be
// persisted before the job's first attempt starts.
package governor

import (
	"time"

	"github.com/praetor-ai/praetor/pkg/budget"
	"github.com/praetor-ai/praetor/pkg/manifest"
)

// Environment is the deployment environment a job runs in.
type Environment string

const (
	EnvDev        Environment = "dev"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// DecisionContext carries everything the evaluator may match on.
type DecisionContext struct {
	MissionID          string      `json:"mission_id"`
	PlanID             string      `json:"plan_id"`
	JobID              string      `json:"job_id"`
	JobType            string      `json:"job_type"`
	Environment        Environment `json:"environment"`
	RiskClass          string      `json:"risk_class,omitempty"`
	Idempotent         bool        `json:"idempotent"`
	ExternalDependency bool        `json:"external_dependency"`
	UsesPersonalData   bool        `json:"uses_personal_data"`
}

// fields exposes the context as a flat map for rule matching and CEL.
func (c *DecisionContext) fields() map[string]any {
	return map[string]any{
		"mission_id":          c.MissionID,
		"plan_id":             c.PlanID,
		"job_id":              c.JobID,
		"job_type":            c.JobType,
		"environment":         string(c.Environment),
		"risk_class":          c.RiskClass,
		"idempotent":          c.Idempotent,
		"external_dependency": c.ExternalDependency,
		"uses_personal_data":  c.UsesPersonalData,
	}
}

// BudgetSource identifies which layer supplied the resolved budget.
type BudgetSource string

const (
	SourceJobOverride  BudgetSource = "job_override"
	SourceRuleOverride BudgetSource = "rule_override"
	SourceDefaults     BudgetSource = "defaults"
)

// BudgetResolution is the resolved budget plus its provenance.
type BudgetResolution struct {
	Budget            budget.Budget `json:"budget"`
	Source            BudgetSource  `json:"source"`
	RuleID            string        `json:"rule_id,omitempty"`
	MultiplierApplied float64       `json:"multiplier_applied,omitempty"`
}

// HealthImpact grades a decision for operator attention.
type HealthImpact string

const (
	HealthLow    HealthImpact = "low"
	HealthMedium HealthImpact = "medium"
	HealthHigh   HealthImpact = "high"
)

// GovernorDecision is the immutable per-job governance outcome.
type GovernorDecision struct {
	DecisionID          string                    `json:"decision_id"`
	MissionID           string                    `json:"mission_id"`
	PlanID              string                    `json:"plan_id"`
	JobID               string                    `json:"job_id"`
	Mode                manifest.Mode             `json:"mode"`
	BudgetResolution    BudgetResolution          `json:"budget_resolution"`
	RecoveryStrategy    manifest.RecoveryStrategy `json:"recovery_strategy"`
	ManifestID          string                    `json:"manifest_id"`
	ManifestVersion     string                    `json:"manifest_version"`
	TriggeredRules      []string                  `json:"triggered_rules"`
	Reason              string                    `json:"reason"`
	ShadowMode          bool                      `json:"shadow_mode"`
	Evidence            map[string]any            `json:"evidence,omitempty"`
	ImmuneAlertRequired bool                      `json:"immune_alert_required"`
	HealthImpact        HealthImpact              `json:"health_impact"`
	CreatedAt           time.Time                 `json:"created_at"`
	PersistedAt         time.Time                 `json:"persisted_at"`
}
