package governor_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/praetor-ai/praetor/pkg/budget"
	"github.com/praetor-ai/praetor/pkg/governor"
	"github.com/praetor-ai/praetor/pkg/manifest"
)

// Decision evaluation is a pure function of (context, manifest): two
// evaluations of the same inputs must agree on mode, recovery strategy, and
// every numeric budget field.
func TestEvaluationIsDeterministic(t *testing.T) {
	m := baseManifest()
	m.JobOverrides = map[string]budget.Budget{
		"llm_call": {TimeoutMS: 10_000, MaxLLMTokens: 4096},
	}
	m.Rules = []manifest.ManifestRule{
		{
			RuleID: "prod-rail", Priority: 1, Enabled: true, Mode: manifest.ModeRail,
			When:   manifest.RuleCondition{Fields: map[string]any{"environment": "production"}},
			Reason: "production rides the rail",
		},
		{
			RuleID: "external", Priority: 5, Enabled: true, Mode: manifest.ModeDirect,
			When:             manifest.RuleCondition{Expr: "external_dependency"},
			BudgetOverride:   &budget.Budget{TimeoutMS: 15_000, MaxRetries: 1},
			RecoveryStrategy: manifest.RecoveryRollback,
		},
	}
	m.SortRules()

	eval := governor.NewEvaluator(nil, nil)

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("same inputs, same governed outcome", prop.ForAll(
		func(jobType string, env int, risk string, idem, ext, pii bool) bool {
			dc := governor.DecisionContext{
				JobID:              "j_1",
				JobType:            jobType,
				Environment:        []governor.Environment{governor.EnvDev, governor.EnvStaging, governor.EnvProduction}[env],
				RiskClass:          risk,
				Idempotent:         idem,
				ExternalDependency: ext,
				UsesPersonalData:   pii,
			}

			d1, err1 := eval.Evaluate(context.Background(), dc, m, false)
			d2, err2 := eval.Evaluate(context.Background(), dc, m, false)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}

			return d1.Mode == d2.Mode &&
				d1.RecoveryStrategy == d2.RecoveryStrategy &&
				d1.BudgetResolution.Source == d2.BudgetResolution.Source &&
				d1.BudgetResolution.Budget == d2.BudgetResolution.Budget &&
				d1.ImmuneAlertRequired == d2.ImmuneAlertRequired &&
				d1.HealthImpact == d2.HealthImpact
		},
		gen.OneConstOf("llm_call", "data_collection", "deploy", "web_search"),
		gen.IntRange(0, 2),
		gen.OneConstOf("", "critical", "unknown_class"),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))
	properties.TestingRun(t)
}
