package budget

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// RetryConfig shapes the exponential backoff schedule.
type RetryConfig struct {
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter spreads each delay by up to 25% in either direction.
	Jitter bool
}

// DefaultRetryConfig is the schedule used when the caller supplies none.
var DefaultRetryConfig = RetryConfig{
	BaseDelay:  200 * time.Millisecond,
	Multiplier: 2.0,
	MaxDelay:   30 * time.Second,
	Jitter:     true,
}

// RetryHandler re-attempts mechanically failed operations with exponential
// backoff. Ethical denials and non-retriable faults short-circuit unchanged;
// exhausting the retry budget yields RETRY_EXHAUSTED wrapping the last error.
type RetryHandler struct {
	cfg    RetryConfig
	rand   func() float64
	logger *slog.Logger
}

// NewRetryHandler creates a handler. A zero-valued cfg falls back to
// DefaultRetryConfig.
func NewRetryHandler(cfg RetryConfig, logger *slog.Logger) *RetryHandler {
	if cfg.BaseDelay <= 0 {
		cfg = DefaultRetryConfig
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = DefaultRetryConfig.Multiplier
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryHandler{
		cfg:    cfg,
		rand:   rand.Float64,
		logger: logger.With("component", "budget.retry"),
	}
}

// Do runs op until it succeeds, fails non-retriably, or maxRetries retries
// are used. The attempt number passed to op starts at zero.
func (h *RetryHandler) Do(ctx context.Context, maxRetries int, op func(ctx context.Context, attempt int) error) error {
	var last error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, h.Delay(attempt-1)); err != nil {
				return err
			}
		}
		last = op(ctx, attempt)
		if last == nil {
			return nil
		}
		if !fault.Retriable(last) {
			return last
		}
		h.logger.Debug("attempt failed, retrying",
			"attempt", attempt, "max_retries", maxRetries, "error", last)
	}
	return fault.Wrap(fault.CodeRetryExhausted, last, "all %d retries used", maxRetries)
}

// Delay computes the backoff before the i-th retry: base * multiplier^i,
// clamped to MaxDelay, then jittered.
func (h *RetryHandler) Delay(i int) time.Duration {
	d := float64(h.cfg.BaseDelay)
	for ; i > 0; i-- {
		d *= h.cfg.Multiplier
		if d >= float64(h.cfg.MaxDelay) {
			d = float64(h.cfg.MaxDelay)
			break
		}
	}
	if d > float64(h.cfg.MaxDelay) {
		d = float64(h.cfg.MaxDelay)
	}
	if h.cfg.Jitter {
		d *= 0.75 + 0.5*h.rand()
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
