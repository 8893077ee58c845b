// Package manifest implements the versioned, hash-chained governance
// manifest registry. A manifest maps job context to an execution mode and a
// resource budget; at most one manifest is active at a time, any number may
// run in shadow, and activation is gated on shadow/active decision agreement.
package manifest

import (
	"bytes"
	"encoding/json"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/praetor-ai/praetor/pkg/budget"
	"github.com/praetor-ai/praetor/pkg/canonicalize"
	"github.com/praetor-ai/praetor/pkg/fault"
)

// Mode is the execution mode a decision routes a job through.
type Mode string

const (
	// ModeDirect executes the job payload directly under budget guards.
	ModeDirect Mode = "DIRECT"
	// ModeRail routes the job through the guarded rail with mandatory
	// preflight and evidence capture.
	ModeRail Mode = "RAIL"
)

// RecoveryStrategy selects how a failed job is recovered.
type RecoveryStrategy string

const (
	RecoveryRetry         RecoveryStrategy = "RETRY"
	RecoveryRollback      RecoveryStrategy = "ROLLBACK"
	RecoveryManualConfirm RecoveryStrategy = "MANUAL_CONFIRM"
	RecoveryAbort         RecoveryStrategy = "ABORT"
)

// RiskClass is a named budget multiplier with a default recovery strategy.
type RiskClass struct {
	BudgetMultiplier float64          `json:"budget_multiplier"`
	RecoveryStrategy RecoveryStrategy `json:"recovery_strategy,omitempty"`
}

// RuleCondition matches a decision context. Exactly one of the four forms is
// expected: a direct field map (all fields must equal), Any (OR), All (AND),
// or Expr (a CEL expression over the context). Forms may nest.
type RuleCondition struct {
	Fields map[string]any  `json:"fields,omitempty"`
	Any    []RuleCondition `json:"any,omitempty"`
	All    []RuleCondition `json:"all,omitempty"`
	Expr   string          `json:"expr,omitempty"`
}

// ManifestRule maps matching contexts to a mode and optional overrides.
// Lower priority values take precedence.
type ManifestRule struct {
	RuleID           string           `json:"rule_id"`
	Priority         int              `json:"priority"`
	Enabled          bool             `json:"enabled"`
	When             RuleCondition    `json:"when"`
	Mode             Mode             `json:"mode"`
	BudgetOverride   *budget.Budget   `json:"budget_override,omitempty"`
	RecoveryStrategy RecoveryStrategy `json:"recovery_strategy,omitempty"`
	Reason           string           `json:"reason,omitempty"`
}

// Manifest is an immutable, hash-chained governance ruleset.
type Manifest struct {
	ManifestID     string                   `json:"manifest_id"`
	Version        string                   `json:"version"`
	CreatedAt      time.Time                `json:"created_at"`
	HashPrev       string                   `json:"hash_prev,omitempty"`
	HashSelf       string                   `json:"hash_self,omitempty"`
	EffectiveAt    *time.Time               `json:"effective_at,omitempty"`
	ShadowMode     bool                     `json:"shadow_mode"`
	ShadowStart    *time.Time               `json:"shadow_start,omitempty"`
	Rules          []ManifestRule           `json:"rules"`
	BudgetDefaults budget.Budget            `json:"budget_defaults"`
	RiskClasses    map[string]RiskClass     `json:"risk_classes,omitempty"`
	JobOverrides   map[string]budget.Budget `json:"job_overrides,omitempty"`
	Metadata       map[string]string        `json:"metadata,omitempty"`
}

// Active reports whether this manifest is the applied one.
func (m *Manifest) Active() bool {
	return !m.ShadowMode && m.EffectiveAt != nil
}

// SortRules orders rules by ascending priority, stable on rule_id. Called on
// load so evaluation can iterate in precedence order.
func (m *Manifest) SortRules() {
	sort.SliceStable(m.Rules, func(i, j int) bool {
		if m.Rules[i].Priority != m.Rules[j].Priority {
			return m.Rules[i].Priority < m.Rules[j].Priority
		}
		return m.Rules[i].RuleID < m.Rules[j].RuleID
	})
}

// Clone returns a deep copy. Stores hand out clones so registry state cannot
// be mutated from outside.
func (m *Manifest) Clone() *Manifest {
	out := *m
	if m.EffectiveAt != nil {
		t := *m.EffectiveAt
		out.EffectiveAt = &t
	}
	if m.ShadowStart != nil {
		t := *m.ShadowStart
		out.ShadowStart = &t
	}
	out.Rules = make([]ManifestRule, len(m.Rules))
	copy(out.Rules, m.Rules)
	if m.RiskClasses != nil {
		out.RiskClasses = make(map[string]RiskClass, len(m.RiskClasses))
		for k, v := range m.RiskClasses {
			out.RiskClasses[k] = v
		}
	}
	if m.JobOverrides != nil {
		out.JobOverrides = make(map[string]budget.Budget, len(m.JobOverrides))
		for k, v := range m.JobOverrides {
			out.JobOverrides[k] = v
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ComputeHashSelf derives the manifest's self hash: SHA-256 (lowercase hex)
// over the RFC 8785 canonical JSON bytes with the hash_self field omitted.
func (m *Manifest) ComputeHashSelf() (string, error) {
	clone := *m
	clone.HashSelf = ""
	return canonicalize.Hash(&clone)
}

// schemaJSON is the structural contract every manifest must satisfy before
// it enters the registry.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["manifest_id", "version", "rules", "budget_defaults"],
  "properties": {
    "manifest_id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "hash_prev": {"type": "string"},
    "hash_self": {"type": "string"},
    "shadow_mode": {"type": "boolean"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["rule_id", "priority", "mode"],
        "properties": {
          "rule_id": {"type": "string", "minLength": 1},
          "priority": {"type": "integer"},
          "enabled": {"type": "boolean"},
          "mode": {"enum": ["DIRECT", "RAIL"]},
          "recovery_strategy": {"enum": ["RETRY", "ROLLBACK", "MANUAL_CONFIRM", "ABORT"]}
        }
      }
    },
    "budget_defaults": {"$ref": "#/$defs/budget"},
    "risk_classes": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["budget_multiplier"],
        "properties": {
          "budget_multiplier": {"type": "number", "exclusiveMinimum": 0}
        }
      }
    },
    "job_overrides": {
      "type": "object",
      "additionalProperties": {"$ref": "#/$defs/budget"}
    }
  },
  "$defs": {
    "budget": {
      "type": "object",
      "properties": {
        "timeout_ms": {"type": "integer", "minimum": 0},
        "max_retries": {"type": "integer", "minimum": 0},
        "max_parallel_attempts": {"type": "integer", "minimum": 0},
        "max_global_parallel": {"type": "integer", "minimum": 0},
        "max_llm_tokens": {"type": "integer", "minimum": 0},
        "max_cost_credits": {"type": "number", "minimum": 0},
        "grace_period_ms": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("manifest.schema.json", schemaJSON)

// Validate checks the manifest against the JSON schema and verifies the
// version parses as semver. Violations surface as MANIFEST_INVALID_SCHEMA.
func (m *Manifest) Validate() error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fault.Wrap(fault.CodeManifestInvalidSchema, err, "manifest %q not serializable", m.ManifestID)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fault.Wrap(fault.CodeManifestInvalidSchema, err, "manifest %q not decodable", m.ManifestID)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fault.Wrap(fault.CodeManifestInvalidSchema, err, "manifest %q failed schema validation", m.ManifestID)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fault.Wrap(fault.CodeManifestInvalidSchema, err, "manifest %q version %q is not semver", m.ManifestID, m.Version)
	}
	return nil
}

// CompareVersions orders two manifest versions by semver precedence.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, fault.Wrap(fault.CodeManifestInvalidSchema, err, "version %q is not semver", a)
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, fault.Wrap(fault.CodeManifestInvalidSchema, err, "version %q is not semver", b)
	}
	return va.Compare(vb), nil
}
