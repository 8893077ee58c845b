package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetor-ai/praetor/pkg/authz"
)

const testManifest = `
manifest_id: mf_cli
version: 1.2.3
rules:
  - rule_id: rail-llm
    priority: 1
    enabled: true
    mode: RAIL
budget_defaults:
  timeout_ms: 30000
`

func TestVersionCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"praetor", "version"}, &out, &errOut)
	assert.Zero(t, code)
	assert.Contains(t, out.String(), "praetor")
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"praetor", "frobnicate"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestManifestValidateAndHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o600))

	var out, errOut bytes.Buffer
	code := Run([]string{"praetor", "manifest", "validate", path}, &out, &errOut)
	require.Zero(t, code, errOut.String())
	assert.Contains(t, out.String(), "mf_cli")

	out.Reset()
	code = Run([]string{"praetor", "manifest", "hash", path}, &out, &errOut)
	require.Zero(t, code, errOut.String())
	assert.Len(t, strings.TrimSpace(out.String()), 64)
}

func TestManifestValidateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: [not, a, string]"), 0o600))

	var out, errOut bytes.Buffer
	code := Run([]string{"praetor", "manifest", "validate", path}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "manifest rejected")
}

func TestTokenRoundTrip(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"praetor", "token", "-role", "operator", "-subject", "alex", "-secret", "hunter2"}, &out, &errOut)
	require.Zero(t, code, errOut.String())

	p, err := authz.ParsePrincipal(strings.TrimSpace(out.String()), []byte("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, authz.RoleOperator, p.Role)
	assert.Equal(t, "alex", p.Subject)
}

func TestTokenRequiresSecret(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"praetor", "token", "-role", "viewer"}, &out, &errOut)
	assert.Equal(t, 2, code)
}
