package authz_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetor-ai/praetor/pkg/authz"
)

func TestRoleTable(t *testing.T) {
	a := authz.NewAuthorizer(nil)

	tests := []struct {
		name     string
		role     authz.Role
		required []authz.Permission
		allowed  bool
	}{
		{"viewer reads audit", authz.RoleViewer, []authz.Permission{authz.ReadAudit}, true},
		{"viewer cannot execute", authz.RoleViewer, []authz.Permission{authz.ExecuteJob}, false},
		{"viewer cannot write governor", authz.RoleViewer, []authz.Permission{authz.WriteGovernor}, false},
		{"operator executes jobs", authz.RoleOperator, []authz.Permission{authz.ExecuteJob}, true},
		{"operator keeps viewer reads", authz.RoleOperator, []authz.Permission{authz.ReadTrace}, true},
		{"operator cannot manage rbac", authz.RoleOperator, []authz.Permission{authz.ManageRBAC}, false},
		{"admin manages system", authz.RoleAdmin, []authz.Permission{authz.ManageSystem}, true},
		{"admin writes governor", authz.RoleAdmin, []authz.Permission{authz.WriteGovernor}, true},
		{"unknown role holds nothing", authz.Role("ghost"), []authz.Permission{authz.ReadAudit}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := a.Authorize(authz.Principal{Subject: "u_1", Role: tt.role}, tt.required, true)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.NotEmpty(t, d.Missing)
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestRequireAllVersusAny(t *testing.T) {
	a := authz.NewAuthorizer(nil)
	p := authz.Principal{Subject: "u_1", Role: authz.RoleOperator}
	required := []authz.Permission{authz.ExecuteJob, authz.ManageSystem}

	all := a.Authorize(p, required, true)
	assert.False(t, all.Allowed)
	assert.Equal(t, []authz.Permission{authz.ManageSystem}, all.Missing)

	anyOf := a.Authorize(p, required, false)
	assert.True(t, anyOf.Allowed)
}

func TestCountersTrackEveryCall(t *testing.T) {
	a := authz.NewAuthorizer(nil)
	p := authz.Principal{Subject: "u_1", Role: authz.RoleViewer}

	a.Authorize(p, []authz.Permission{authz.ReadAudit}, true)
	a.Authorize(p, []authz.Permission{authz.ReadAudit}, true)
	a.Authorize(p, []authz.Permission{authz.ManageSystem}, true)

	allowed, denied := a.Counters()
	assert.Equal(t, uint64(2), allowed)
	assert.Equal(t, uint64(1), denied)
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	token, err := authz.IssueToken(authz.Principal{Subject: "u_1", Role: authz.RoleOperator}, secret)
	require.NoError(t, err)

	p, err := authz.ParsePrincipal(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "u_1", p.Subject)
	assert.Equal(t, authz.RoleOperator, p.Role)
}

func TestTokenRejections(t *testing.T) {
	secret := []byte("test-secret")

	token, err := authz.IssueToken(authz.Principal{Subject: "u_1", Role: authz.RoleAdmin}, secret)
	require.NoError(t, err)

	_, err = authz.ParsePrincipal(token, []byte("wrong-secret"))
	assert.Error(t, err)

	bogus, err := authz.IssueToken(authz.Principal{Subject: "u_1", Role: authz.Role("root")}, secret)
	require.NoError(t, err)
	_, err = authz.ParsePrincipal(bogus, secret)
	assert.ErrorContains(t, err, "unknown role")
}
