package budget

import (
	"context"
	"log/slog"
	"time"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// Payload is the unit of work executed under the guard stack. It must honor
// ctx cancellation at its blocking points; a payload that ignores the signal
// past the grace period is abandoned.
type Payload func(ctx context.Context) error

// CleanupHandler runs after a timeout cancellation, under the grace period
// budget. It receives a context whose deadline is the grace period.
type CleanupHandler func(ctx context.Context)

// TimeoutEnforcer runs payloads under a hard deadline. On expiry it cancels
// the payload, invokes the cleanup handler under grace_period_ms, and reports
// EXEC_TIMEOUT. Payloads still running when grace expires are abandoned, not
// joined.
type TimeoutEnforcer struct {
	defaultTimeout time.Duration
	defaultGrace   time.Duration
	logger         *slog.Logger
}

// NewTimeoutEnforcer creates an enforcer with fallbacks for budgets that
// carry no timeout or grace period.
func NewTimeoutEnforcer(defaultTimeout, defaultGrace time.Duration, logger *slog.Logger) *TimeoutEnforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TimeoutEnforcer{
		defaultTimeout: defaultTimeout,
		defaultGrace:   defaultGrace,
		logger:         logger.With("component", "budget.timeout"),
	}
}

// Run executes payload under the budget's timeout_ms deadline.
func (e *TimeoutEnforcer) Run(ctx context.Context, b Budget, payload Payload, cleanup CleanupHandler) error {
	timeout := durationOr(b.TimeoutMS, e.defaultTimeout)
	grace := durationOr(b.GracePeriodMS, e.defaultGrace)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- payload(runCtx) }()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
	}

	// Caller cancellation is not a timeout; propagate it as-is.
	if ctx.Err() != nil {
		cancel()
		e.drain(done, grace, "cancelled")
		return ctx.Err()
	}

	cancel()
	if cleanup != nil {
		graceCtx, graceCancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		cleanup(graceCtx)
		graceCancel()
	}
	e.drain(done, grace, "timed out")
	return fault.New(fault.CodeExecTimeout, "payload exceeded timeout of %s", timeout)
}

// drain waits up to grace for the payload goroutine to observe cancellation,
// then abandons it.
func (e *TimeoutEnforcer) drain(done <-chan error, grace time.Duration, why string) {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		e.logger.Warn("payload abandoned after grace period", "reason", why, "grace", grace)
	}
}

func durationOr(ms int64, def time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
