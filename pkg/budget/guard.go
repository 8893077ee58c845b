package budget

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// Meter is the payload's handle for reporting consumption. Reports feed the
// attempt's cost accumulator; the first report that crosses a cap returns
// BUDGET_COST_EXCEEDED and the payload is expected to stop.
type Meter struct {
	tracker   *CostTracker
	attemptID string
}

// Record reports consumption for the current attempt.
func (m *Meter) Record(delta Usage) error {
	return m.tracker.Record(m.attemptID, delta)
}

// AttemptID identifies the attempt this meter belongs to.
func (m *Meter) AttemptID() string { return m.attemptID }

// GuardedPayload is a payload with access to the attempt's cost meter.
type GuardedPayload func(ctx context.Context, meter *Meter) error

// ExecuteOptions tune a single guarded execution.
type ExecuteOptions struct {
	// Cleanup runs under the grace period after a timeout cancellation.
	Cleanup CleanupHandler
	// OnAttempt is called before each attempt and returns its ID. When nil,
	// IDs are derived from the job ID and the attempt number.
	OnAttempt func(ctx context.Context, attempt int) (string, error)
	// OnFinish is called after each attempt with its final usage and outcome.
	OnFinish func(attemptID string, usage Usage, err error)
}

// Guard composes the four enforcers around a payload. The retry handler
// drives the attempt loop; every attempt re-enters parallelism acquisition,
// opens a fresh cost accumulator, and restarts the timeout.
type Guard struct {
	timeout *TimeoutEnforcer
	limiter *ParallelismLimiter
	cost    *CostTracker
	retry   *RetryHandler
	logger  *slog.Logger
}

// NewGuard assembles the guard stack.
func NewGuard(timeout *TimeoutEnforcer, limiter *ParallelismLimiter, cost *CostTracker, retry *RetryHandler, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		timeout: timeout,
		limiter: limiter,
		cost:    cost,
		retry:   retry,
		logger:  logger.With("component", "budget.guard"),
	}
}

// Cost exposes the tracker so the runtime can inspect open accumulators.
func (g *Guard) Cost() *CostTracker { return g.cost }

// Limiter exposes the parallelism limiter for in-flight queries.
func (g *Guard) Limiter() *ParallelismLimiter { return g.limiter }

// Execute runs payload for jobID under budget b with full enforcement.
func (g *Guard) Execute(ctx context.Context, jobID string, b Budget, payload GuardedPayload, opts ExecuteOptions) error {
	return g.retry.Do(ctx, b.MaxRetries, func(ctx context.Context, attempt int) error {
		attemptID, err := g.attemptID(ctx, opts, jobID, attempt)
		if err != nil {
			return err
		}

		release, err := g.limiter.Acquire(jobID, b)
		if err != nil {
			g.finish(opts, attemptID, Usage{}, err)
			return err
		}
		defer release()

		g.cost.Begin(attemptID, b)
		meter := &Meter{tracker: g.cost, attemptID: attemptID}

		runErr := g.timeout.Run(ctx, b, func(ctx context.Context) error {
			return payload(ctx, meter)
		}, opts.Cleanup)

		usage := g.cost.Finalize(attemptID)
		g.finish(opts, attemptID, usage, runErr)
		if runErr != nil {
			g.logger.Info("attempt failed",
				"job_id", jobID, "attempt_id", attemptID,
				"code", fault.CodeOf(runErr), "tokens", usage.TotalTokens())
		}
		return runErr
	})
}

func (g *Guard) attemptID(ctx context.Context, opts ExecuteOptions, jobID string, attempt int) (string, error) {
	if opts.OnAttempt != nil {
		return opts.OnAttempt(ctx, attempt)
	}
	return fmt.Sprintf("%s_a%d", jobID, attempt), nil
}

func (g *Guard) finish(opts ExecuteOptions, attemptID string, usage Usage, err error) {
	if opts.OnFinish != nil {
		opts.OnFinish(attemptID, usage, err)
	}
}
