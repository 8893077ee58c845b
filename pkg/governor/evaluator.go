package governor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/praetor-ai/praetor/pkg/manifest"
)

// Clock supplies authority time; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Evaluator turns a decision context plus a manifest into a GovernorDecision.
// Stateless apart from the compiled-expression cache; safe for concurrent
// use.
type Evaluator struct {
	exprs  *exprCache
	clock  Clock
	logger *slog.Logger
}

// NewEvaluator creates an evaluator. A nil clock defaults to UTC wall time.
func NewEvaluator(clock Clock, logger *slog.Logger) *Evaluator {
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		exprs:  newExprCache(),
		clock:  clock,
		logger: logger.With("component", "governor"),
	}
}

// Evaluate produces the governance decision for dc under m. Deterministic:
// identical inputs yield identical mode, recovery strategy, and numeric
// budget fields.
func (e *Evaluator) Evaluate(ctx context.Context, dc DecisionContext, m *manifest.Manifest, shadowMode bool) (*GovernorDecision, error) {
	fields := dc.fields()

	// 1. Rule match: ascending priority, first match wins. The slice form of
	// triggered_rules is kept for forward compatibility even though at most
	// one rule matches today.
	var matched *manifest.ManifestRule
	for i := range m.Rules {
		rule := &m.Rules[i]
		if !rule.Enabled {
			continue
		}
		ok, err := e.matchCondition(rule.When, fields)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.RuleID, err)
		}
		if ok {
			matched = rule
			break
		}
	}

	// 2. Mode and recovery.
	mode := manifest.ModeDirect
	recovery := manifest.RecoveryRetry
	reason := "defaults"
	var triggered []string
	if matched != nil {
		mode = matched.Mode
		reason = matched.Reason
		if reason == "" {
			reason = fmt.Sprintf("rule %s matched", matched.RuleID)
		}
		triggered = []string{matched.RuleID}
		switch {
		case matched.RecoveryStrategy != "":
			recovery = matched.RecoveryStrategy
		case dc.RiskClass != "":
			if rc, ok := m.RiskClasses[dc.RiskClass]; ok && rc.RecoveryStrategy != "" {
				recovery = rc.RecoveryStrategy
			}
		}
	}

	// 3. Budget resolution: job override beats rule override beats defaults.
	resolution := BudgetResolution{Source: SourceDefaults, Budget: m.BudgetDefaults}
	if jb, ok := m.JobOverrides[dc.JobType]; ok {
		resolution = BudgetResolution{Source: SourceJobOverride, Budget: jb}
	} else if matched != nil && matched.BudgetOverride != nil {
		resolution = BudgetResolution{Source: SourceRuleOverride, Budget: *matched.BudgetOverride, RuleID: matched.RuleID}
	}

	// 4. Risk multiplier on numeric fields only.
	if dc.RiskClass != "" {
		if rc, ok := m.RiskClasses[dc.RiskClass]; ok && rc.BudgetMultiplier != 0 && rc.BudgetMultiplier != 1.0 {
			resolution.Budget = resolution.Budget.Multiply(rc.BudgetMultiplier)
			resolution.MultiplierApplied = rc.BudgetMultiplier
		}
	}

	// 5. Immune alert.
	immune := recovery == manifest.RecoveryManualConfirm ||
		(mode == manifest.ModeRail && dc.Environment == EnvProduction) ||
		dc.UsesPersonalData

	// 6. Health impact.
	health := HealthLow
	switch {
	case recovery == manifest.RecoveryManualConfirm:
		health = HealthHigh
	case mode == manifest.ModeRail:
		health = HealthMedium
	}

	decision := &GovernorDecision{
		DecisionID:          "d_" + uuid.NewString(),
		MissionID:           dc.MissionID,
		PlanID:              dc.PlanID,
		JobID:               dc.JobID,
		Mode:                mode,
		BudgetResolution:    resolution,
		RecoveryStrategy:    recovery,
		ManifestID:          m.ManifestID,
		ManifestVersion:     m.Version,
		TriggeredRules:      triggered,
		Reason:              reason,
		ShadowMode:          shadowMode,
		ImmuneAlertRequired: immune,
		HealthImpact:        health,
		CreatedAt:           e.clock.Now(),
		Evidence: map[string]any{
			"job_type":    dc.JobType,
			"environment": string(dc.Environment),
		},
	}
	if dc.RiskClass != "" {
		decision.Evidence["risk_class"] = dc.RiskClass
	}

	e.logger.Debug("decision evaluated",
		"job_id", dc.JobID, "mode", string(mode), "source", string(resolution.Source),
		"manifest_version", m.Version, "shadow", shadowMode)
	return decision, nil
}

// matchCondition evaluates a rule condition against the flattened context.
// An empty condition matches everything.
func (e *Evaluator) matchCondition(cond manifest.RuleCondition, fields map[string]any) (bool, error) {
	switch {
	case len(cond.Any) > 0:
		for _, sub := range cond.Any {
			ok, err := e.matchCondition(sub, fields)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case len(cond.All) > 0:
		for _, sub := range cond.All {
			ok, err := e.matchCondition(sub, fields)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case cond.Expr != "":
		return e.exprs.eval(cond.Expr, fields)
	case len(cond.Fields) > 0:
		for key, want := range cond.Fields {
			got, ok := fields[key]
			if !ok || !fieldEqual(got, want) {
				return false, nil
			}
		}
		return true, nil
	default:
		return true, nil
	}
}

// fieldEqual compares a context value with a condition value. Conditions
// decoded from JSON/YAML may carry float64 where the context has int-like
// values, and plain strings for typed strings.
func fieldEqual(got, want any) bool {
	if got == want {
		return true
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
}
