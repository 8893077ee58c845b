// Package fault defines the runtime's error taxonomy. Every error raised on
// the governed execution path carries a stable code, a category (mechanical,
// ethical, system), a severity, and a retriable flag. The retry handler and
// the reflex system classify errors through this package rather than by
// string matching.
package fault

import (
	"errors"
	"fmt"
)

// Code identifies a failure class. Codes are stable API surface: they map 1:1
// to CLI exit statuses and appear verbatim in audit events.
type Code string

const (
	CodeExecTimeout           Code = "EXEC_TIMEOUT"
	CodeExecOverBudget        Code = "EXEC_OVERBUDGET"
	CodeCostExceeded          Code = "BUDGET_COST_EXCEEDED"
	CodeParallelismExceeded   Code = "BUDGET_PARALLELISM_EXCEEDED"
	CodeRetryExhausted        Code = "RETRY_EXHAUSTED"
	CodeUpstreamUnavailable   Code = "UPSTREAM_UNAVAILABLE"
	CodeBadResponseFormat     Code = "BAD_RESPONSE_FORMAT"
	CodeReflexCooldown        Code = "POLICY_REFLEX_COOLDOWN"
	CodeOrphanKilled          Code = "ORPHAN_KILLED"
	CodeCircuitBreakerOpen    Code = "CIRCUIT_BREAKER_OPEN"
	CodeLifecycleInvalid      Code = "REFLEX_LIFECYCLE_INVALID"
	CodeReflexActionFailed    Code = "REFLEX_ACTION_FAILED"
	CodeManifestNotFound      Code = "MANIFEST_NOT_FOUND"
	CodeManifestHashMismatch  Code = "MANIFEST_HASH_MISMATCH"
	CodeManifestInvalidSchema Code = "MANIFEST_INVALID_SCHEMA"
	CodeActivationGateBlocked Code = "ACTIVATION_GATE_BLOCKED"
	CodeAuditLogFailure       Code = "AUDIT_LOG_FAILURE"
	CodeTelemetryFailure      Code = "TELEMETRY_FAILURE"
	CodeMissingTraceContext   Code = "MISSING_TRACE_CONTEXT"
)

// Category partitions failures by how the runtime may respond to them.
type Category string

const (
	// CategoryMechanical covers transient or resource faults. Candidates for
	// retry unless the fault itself says otherwise.
	CategoryMechanical Category = "mechanical"
	// CategoryEthical covers policy or safety denials. Never retried; they
	// short-circuit to the caller unchanged.
	CategoryEthical Category = "ethical"
	// CategorySystem covers faults of the runtime itself.
	CategorySystem Category = "system"
)

// Severity grades a fault for audit and alerting purposes.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error is the typed error carried across component boundaries.
type Error struct {
	Code      Code     `json:"code"`
	Category  Category `json:"category"`
	Severity  Severity `json:"severity"`
	Retriable bool     `json:"retriable"`
	Message   string   `json:"message"`
	Cause     error    `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches on Code so callers can compare against a bare classification.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Code == e.Code
	}
	return false
}

// profile holds the fixed classification for a code.
type profile struct {
	category  Category
	severity  Severity
	retriable bool
}

// profiles is the taxonomy table. Budget-exceeded faults are not retriable at
// the enforcement layer: the budget itself was the cap, and only a higher
// layer re-issuing the job with a new budget may try again. Reflex cooldowns
// outlast any retry backoff, so the attempt loop yields instead of spinning
// against the gate.
var profiles = map[Code]profile{
	CodeExecTimeout:           {CategoryMechanical, SeverityError, false},
	CodeExecOverBudget:        {CategoryMechanical, SeverityError, false},
	CodeCostExceeded:          {CategoryMechanical, SeverityError, false},
	CodeParallelismExceeded:   {CategoryMechanical, SeverityWarning, true},
	CodeRetryExhausted:        {CategoryMechanical, SeverityError, false},
	CodeUpstreamUnavailable:   {CategoryMechanical, SeverityWarning, true},
	CodeBadResponseFormat:     {CategoryMechanical, SeverityWarning, true},
	CodeReflexCooldown:        {CategoryMechanical, SeverityWarning, false},
	CodeOrphanKilled:          {CategoryMechanical, SeverityError, false},
	CodeCircuitBreakerOpen:    {CategorySystem, SeverityWarning, true},
	CodeLifecycleInvalid:      {CategorySystem, SeverityError, false},
	CodeReflexActionFailed:    {CategorySystem, SeverityError, false},
	CodeManifestNotFound:      {CategorySystem, SeverityError, false},
	CodeManifestHashMismatch:  {CategorySystem, SeverityError, false},
	CodeManifestInvalidSchema: {CategorySystem, SeverityError, false},
	CodeActivationGateBlocked: {CategorySystem, SeverityError, false},
	CodeAuditLogFailure:       {CategorySystem, SeverityCritical, false},
	CodeTelemetryFailure:      {CategorySystem, SeverityInfo, false},
	CodeMissingTraceContext:   {CategorySystem, SeverityError, false},
}

// New builds a classified error for code with a formatted message.
func New(code Code, format string, args ...any) *Error {
	p, ok := profiles[code]
	if !ok {
		p = profile{CategorySystem, SeverityError, false}
	}
	return &Error{
		Code:      code,
		Category:  p.category,
		Severity:  p.severity,
		Retriable: p.retriable,
		Message:   fmt.Sprintf(format, args...),
	}
}

// Wrap builds a classified error whose cause is err.
func Wrap(code Code, err error, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Cause = err
	return e
}

// Ethical marks an error as a policy/safety denial. The retry handler never
// retries these regardless of the code's default profile.
func Ethical(code Code, format string, args ...any) *Error {
	e := New(code, format, args...)
	e.Category = CategoryEthical
	e.Retriable = false
	return e
}

// CodeOf extracts the taxonomy code from an arbitrary error, or "" if the
// error is unclassified.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Retriable reports whether the retry handler may re-attempt after err.
// Unclassified errors default to retriable mechanical failures: an upstream
// that fails without taxonomy context is treated like UPSTREAM_UNAVAILABLE.
func Retriable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category == CategoryMechanical && fe.Retriable
	}
	return err != nil
}

// CategoryOf extracts the category, defaulting unclassified errors to
// mechanical.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return CategoryMechanical
}

// SeverityOf extracts the severity, defaulting to error.
func SeverityOf(err error) Severity {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Severity
	}
	return SeverityError
}
