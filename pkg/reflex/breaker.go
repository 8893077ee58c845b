package reflex

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// Breaker is the admission surface shared by the in-memory and Redis-backed
// circuit breakers. The context matters only for implementations that go over
// the network.
type Breaker interface {
	Allow(ctx context.Context, target string) error
	Success(ctx context.Context, target string) error
	Failure(ctx context.Context, target string) error
}

// CircuitState is a breaker's position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// BreakerConfig shapes one breaker registry. All breakers in a registry share
// the config; state is tracked per target.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit waits before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxProbes bounds concurrent in-flight probes while half-open.
	HalfOpenMaxProbes int
	// HalfOpenSuccesses is the consecutive probe successes needed to close.
	HalfOpenSuccesses int
}

// DefaultBreakerConfig closes after a single good probe.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold:  5,
	RecoveryTimeout:   30 * time.Second,
	HalfOpenMaxProbes: 1,
	HalfOpenSuccesses: 1,
}

type breakerState struct {
	state     CircuitState
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

// CircuitBreaker tracks per-target failure state. While a target's circuit is
// open, Allow fails immediately with CIRCUIT_BREAKER_OPEN.
type CircuitBreaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	targets map[string]*breakerState
	clock   Clock
	logger  *slog.Logger
}

// withDefaults fills zero fields from DefaultBreakerConfig, per field.
func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultBreakerConfig.RecoveryTimeout
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = DefaultBreakerConfig.HalfOpenMaxProbes
	}
	if c.HalfOpenSuccesses <= 0 {
		c.HalfOpenSuccesses = DefaultBreakerConfig.HalfOpenSuccesses
	}
	return c
}

var _ Breaker = (*CircuitBreaker)(nil)

// NewCircuitBreaker creates a breaker registry. Zero config fields fall back
// to DefaultBreakerConfig.
func NewCircuitBreaker(cfg BreakerConfig, clock Clock, logger *slog.Logger) *CircuitBreaker {
	cfg = cfg.withDefaults()
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		cfg:     cfg,
		targets: make(map[string]*breakerState),
		clock:   clock,
		logger:  logger.With("component", "reflex.breaker"),
	}
}

// Allow admits or rejects a call to target.
func (b *CircuitBreaker) Allow(ctx context.Context, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.get(target)
	switch st.state {
	case CircuitOpen:
		if b.clock.Now().Sub(st.openedAt) >= b.cfg.RecoveryTimeout {
			st.state = CircuitHalfOpen
			st.probes = 1
			st.successes = 0
			b.logger.Info("circuit half-open", "target", target)
			return nil
		}
		return fault.New(fault.CodeCircuitBreakerOpen,
			"target %q circuit open, retry after %s", target, st.openedAt.Add(b.cfg.RecoveryTimeout).Format(time.RFC3339))
	case CircuitHalfOpen:
		if st.probes >= b.cfg.HalfOpenMaxProbes {
			return fault.New(fault.CodeCircuitBreakerOpen,
				"target %q half-open, probe slots full", target)
		}
		st.probes++
	}
	return nil
}

// Success records a successful call to target.
func (b *CircuitBreaker) Success(ctx context.Context, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.get(target)
	switch st.state {
	case CircuitHalfOpen:
		st.successes++
		if st.probes > 0 {
			st.probes--
		}
		if st.successes >= b.cfg.HalfOpenSuccesses {
			st.state = CircuitClosed
			st.failures = 0
			st.successes = 0
			b.logger.Info("circuit closed", "target", target)
		}
	case CircuitClosed:
		st.failures = 0
	}
	return nil
}

// Failure records a failed call to target.
func (b *CircuitBreaker) Failure(ctx context.Context, target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.get(target)
	switch st.state {
	case CircuitHalfOpen:
		st.state = CircuitOpen
		st.openedAt = b.clock.Now()
		st.failures = 0
		st.probes = 0
		st.successes = 0
		b.logger.Warn("circuit re-opened by failed probe", "target", target)
	case CircuitClosed:
		st.failures++
		if st.failures >= b.cfg.FailureThreshold {
			st.state = CircuitOpen
			st.openedAt = b.clock.Now()
			b.logger.Warn("circuit opened", "target", target, "failures", st.failures)
		}
	}
	return nil
}

// State reports the target's current state without mutating it.
func (b *CircuitBreaker) State(target string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(target).state
}

func (b *CircuitBreaker) get(target string) *breakerState {
	st, ok := b.targets[target]
	if !ok {
		st = &breakerState{state: CircuitClosed}
		b.targets[target] = st
	}
	return st
}
