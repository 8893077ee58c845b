package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/praetor-ai/praetor/pkg/fault"
	"github.com/praetor-ai/praetor/pkg/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlManifest = `
manifest_id: mf_yaml
version: 1.0.0
rules:
  - rule_id: llm-rail
    priority: 5
    enabled: true
    mode: RAIL
    when:
      fields:
        job_type: llm_call
  - rule_id: default-direct
    priority: 1
    enabled: true
    mode: DIRECT
budget_defaults:
  timeout_ms: 30000
  max_retries: 3
risk_classes:
  critical:
    budget_multiplier: 2.0
    recovery_strategy: MANUAL_CONFIRM
job_overrides:
  llm_call:
    timeout_ms: 10000
`

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlManifest), 0o600))

	m, err := manifest.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "mf_yaml", m.ManifestID)
	assert.Equal(t, int64(30000), m.BudgetDefaults.TimeoutMS)
	assert.Equal(t, int64(10000), m.JobOverrides["llm_call"].TimeoutMS)
	assert.InDelta(t, 2.0, m.RiskClasses["critical"].BudgetMultiplier, 1e-9)

	// Rules sorted by priority on load.
	assert.Equal(t, "default-direct", m.Rules[0].RuleID)
	assert.Equal(t, "llm-rail", m.Rules[1].RuleID)
}

func TestLoadFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	doc := `{
		"manifest_id": "mf_json",
		"version": "2.0.0",
		"rules": [],
		"budget_defaults": {"timeout_ms": 5000}
	}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	m, err := manifest.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "mf_json", m.ManifestID)
}

func TestLoadFileRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	badDoc := "manifest_id: x\nversion: 1.0.0\nrules:\n  - rule_id: r1\n    priority: 1\n    mode: SIDEWAYS\n"
	require.NoError(t, os.WriteFile(bad, []byte(badDoc), 0o600))
	_, err := manifest.LoadFile(bad) // invalid mode enum
	assert.Equal(t, fault.CodeManifestInvalidSchema, fault.CodeOf(err))

	unsupported := filepath.Join(dir, "manifest.toml")
	require.NoError(t, os.WriteFile(unsupported, []byte(""), 0o600))
	_, err = manifest.LoadFile(unsupported)
	assert.Equal(t, fault.CodeManifestInvalidSchema, fault.CodeOf(err))
}
