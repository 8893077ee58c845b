// Package authz implements the fixed role model: three roles, a static
// permission table, no hierarchy beyond it. Authorization decisions are
// counted and denials logged; principals arrive as JWT claims.
package authz

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"
)

// Role is one of the three fixed roles.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Permission is an action string, "verb:resource".
type Permission string

const (
	ReadAudit       Permission = "read:audit"
	ReadGovernor    Permission = "read:governor"
	ReadReflex      Permission = "read:reflex"
	ReadEnforcement Permission = "read:enforcement"
	ReadTrace       Permission = "read:trace"
	ReadStream      Permission = "read:stream"

	WriteEnforcement Permission = "write:enforcement"
	WriteReflex      Permission = "write:reflex"
	WriteGovernor    Permission = "write:governor"
	ExecuteJob       Permission = "execute:job"
	ExecuteReflex    Permission = "execute:reflex"
	ManageRBAC       Permission = "manage:rbac"
	ManageSystem     Permission = "manage:system"
)

var viewerPerms = []Permission{
	ReadAudit, ReadGovernor, ReadReflex, ReadEnforcement, ReadTrace, ReadStream,
}

var operatorPerms = append(append([]Permission{}, viewerPerms...),
	WriteEnforcement, WriteReflex, ExecuteJob, ExecuteReflex,
)

var adminPerms = append(append([]Permission{}, operatorPerms...),
	WriteGovernor, ManageRBAC, ManageSystem,
)

// rolePerms is the design-time permission table.
var rolePerms = map[Role]map[Permission]bool{
	RoleViewer:   permSet(viewerPerms),
	RoleOperator: permSet(operatorPerms),
	RoleAdmin:    permSet(adminPerms),
}

func permSet(perms []Permission) map[Permission]bool {
	set := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	return set
}

// Principal is an authenticated caller.
type Principal struct {
	Subject string
	Role    Role
}

// Decision is the result of one authorize call.
type Decision struct {
	Allowed bool         `json:"allowed"`
	Missing []Permission `json:"missing,omitempty"`
	Reason  string       `json:"reason"`
}

// Authorizer evaluates principals against the fixed table and counts every
// call.
type Authorizer struct {
	logger  *slog.Logger
	allowed atomic.Uint64
	denied  atomic.Uint64
}

// NewAuthorizer creates an authorizer.
func NewAuthorizer(logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{logger: logger.With("component", "authz")}
}

// Authorize checks the principal's role against the required permissions.
// With requireAll set, every permission must be granted; otherwise one
// suffices. Unknown roles hold no permissions.
func (a *Authorizer) Authorize(p Principal, required []Permission, requireAll bool) Decision {
	granted := rolePerms[p.Role]

	var missing []Permission
	var held int
	for _, perm := range required {
		if granted[perm] {
			held++
		} else {
			missing = append(missing, perm)
		}
	}

	allowed := false
	switch {
	case len(required) == 0:
		allowed = true
	case requireAll:
		allowed = len(missing) == 0
	default:
		allowed = held > 0
	}

	d := Decision{Allowed: allowed}
	if allowed {
		a.allowed.Add(1)
		d.Reason = fmt.Sprintf("role %q grants access", p.Role)
		return d
	}

	a.denied.Add(1)
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	d.Missing = missing
	d.Reason = fmt.Sprintf("role %q lacks %s", p.Role, joinPerms(missing))
	a.logger.Info("authorization denied",
		"subject", p.Subject, "role", p.Role, "missing", d.Missing)
	return d
}

// Counters returns the running allow/deny totals.
func (a *Authorizer) Counters() (allowed, denied uint64) {
	return a.allowed.Load(), a.denied.Load()
}

func joinPerms(perms []Permission) string {
	parts := make([]string, len(perms))
	for i, p := range perms {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}

// Claims is the JWT claim set the runtime issues and accepts.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParsePrincipal verifies an HS256 token and extracts the principal.
func ParsePrincipal(tokenString string, secret []byte) (Principal, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("token rejected: %w", err)
	}
	if !token.Valid {
		return Principal{}, fmt.Errorf("token invalid")
	}
	role := Role(claims.Role)
	if _, ok := rolePerms[role]; !ok {
		return Principal{}, fmt.Errorf("unknown role %q", claims.Role)
	}
	return Principal{Subject: claims.Subject, Role: role}, nil
}

// IssueToken mints an HS256 token for the principal, mainly for the CLI and
// tests.
func IssueToken(p Principal, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role: string(p.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: p.Subject,
		},
	})
	return token.SignedString(secret)
}
