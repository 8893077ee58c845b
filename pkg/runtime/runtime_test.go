package runtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praetor-ai/praetor/pkg/audit"
	"github.com/praetor-ai/praetor/pkg/budget"
	"github.com/praetor-ai/praetor/pkg/config"
	"github.com/praetor-ai/praetor/pkg/fault"
	"github.com/praetor-ai/praetor/pkg/manifest"
	"github.com/praetor-ai/praetor/pkg/reflex"
	"github.com/praetor-ai/praetor/pkg/runtime"
	"github.com/praetor-ai/praetor/pkg/stream"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Microsecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	return &config.Config{
		MaxGlobalParallel:  10,
		DefaultTimeout:     5 * time.Second,
		DefaultGracePeriod: 100 * time.Millisecond,
		SSEBufferSize:      100,
		AuditMode:          config.AuditSync,
	}
}

func newTestRuntime(t *testing.T, clock runtime.Clock) *runtime.Runtime {
	t.Helper()
	rt := runtime.New(runtime.Options{
		Config: testConfig(),
		Clock:  clock,
		RetryConfig: &budget.RetryConfig{
			BaseDelay:  time.Millisecond,
			Multiplier: 2.0,
			MaxDelay:   5 * time.Millisecond,
		},
	})
	t.Cleanup(func() { _ = rt.Close() })

	m := &manifest.Manifest{
		ManifestID:     "mf_runtime",
		Version:        "1.0.0",
		Rules:          []manifest.ManifestRule{},
		BudgetDefaults: budget.Budget{TimeoutMS: 5_000, MaxRetries: 2},
	}
	ctx := context.Background()
	_, err := rt.Manifests.Create(ctx, m, false)
	require.NoError(t, err)
	_, err = rt.Manifests.Activate(ctx, "1.0.0", manifest.GateConfig{}, nil, true)
	require.NoError(t, err)
	return rt
}

func submitOneJob(t *testing.T, rt *runtime.Runtime, jobType string) string {
	t.Helper()
	rec, err := rt.SubmitMission(context.Background(), nil, []runtime.JobSpec{{JobType: jobType}})
	require.NoError(t, err)
	require.Len(t, rec.Jobs, 1)
	return rec.Jobs[0].JobID
}

func TestSubmitMissionAllocatesLineage(t *testing.T) {
	rt := newTestRuntime(t, newFakeClock())

	rec, err := rt.SubmitMission(context.Background(), map[string]string{"team": "ops"}, []runtime.JobSpec{
		{JobType: "data_collection"},
		{JobType: "llm_call", DependsOn: []string{"ignored-here"}},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.Mission.MissionID)
	assert.Equal(t, rec.Mission.MissionID, rec.Plan.MissionID)
	assert.Len(t, rec.Jobs, 2)
	for _, j := range rec.Jobs {
		assert.Equal(t, rec.Plan.PlanID, j.PlanID)
	}
}

func TestDecisionPersistedBeforeFirstAttempt(t *testing.T) {
	clock := newFakeClock()
	rt := newTestRuntime(t, clock)
	jobID := submitOneJob(t, rt, "data_collection")

	report, err := rt.ExecuteJob(context.Background(), jobID, func(ctx context.Context, meter *budget.Meter) error {
		return nil
	})
	require.NoError(t, err)
	require.Len(t, report.AttemptIDs, 1)

	decision, err := rt.Decisions.ByJob(context.Background(), jobID)
	require.NoError(t, err)
	chain, err := rt.TraceOf(report.AttemptIDs[0])
	require.NoError(t, err)

	assert.True(t, decision.PersistedAt.Before(chain.Attempt.StartTime),
		"decision persisted_at %v must precede attempt start %v", decision.PersistedAt, chain.Attempt.StartTime)
	assert.Equal(t, reflex.StateCompleted, report.FinalState)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	rt := newTestRuntime(t, newFakeClock())
	jobID := submitOneJob(t, rt, "llm_call")

	calls := 0
	report, err := rt.ExecuteJob(context.Background(), jobID, func(ctx context.Context, meter *budget.Meter) error {
		calls++
		if calls < 3 {
			return fault.New(fault.CodeUpstreamUnavailable, "flaky upstream")
		}
		return meter.Record(budget.Usage{APICalls: 1, CostCredits: 0.5})
	})
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Len(t, report.AttemptIDs, 3)
	assert.Equal(t, 0.5, report.Usage.CostCredits)

	// Each attempt carries its own trace entry with the right ordinal.
	chain, err := rt.TraceOf(report.AttemptIDs[2])
	require.NoError(t, err)
	assert.Equal(t, 3, chain.Attempt.AttemptNumber)
}

func TestEthicalDenialIsNotRetried(t *testing.T) {
	rt := newTestRuntime(t, newFakeClock())
	jobID := submitOneJob(t, rt, "llm_call")

	calls := 0
	report, err := rt.ExecuteJob(context.Background(), jobID, func(ctx context.Context, meter *budget.Meter) error {
		calls++
		return fault.Ethical(fault.CodeExecOverBudget, "policy denied")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, reflex.StateFailed, report.FinalState)
}

func TestDegradedAuditMarksDecisions(t *testing.T) {
	store := &flakyAuditStore{}
	rt := runtime.New(runtime.Options{
		Config:     testConfig(),
		Clock:      newFakeClock(),
		AuditStore: store,
	})
	t.Cleanup(func() { _ = rt.Close() })

	ctx := context.Background()
	m := &manifest.Manifest{
		ManifestID:     "mf_degraded",
		Version:        "1.0.0",
		Rules:          []manifest.ManifestRule{},
		BudgetDefaults: budget.Budget{TimeoutMS: 5_000},
	}
	_, err := rt.Manifests.Create(ctx, m, false)
	require.NoError(t, err)
	_, err = rt.Manifests.Activate(ctx, "1.0.0", manifest.GateConfig{}, nil, true)
	require.NoError(t, err)

	jobID := submitOneJob(t, rt, "data_collection")

	store.fail = true
	// The submission above succeeded; this decision lands after a failed
	// audit write and must carry the degraded flag.
	_, _ = rt.SubmitMission(ctx, nil, []runtime.JobSpec{{JobType: "noise"}})
	require.True(t, rt.Degraded())

	decision, err := rt.Decide(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, true, decision.Evidence["degraded"])

	// A successful write clears the flag; later decisions are clean.
	store.fail = false
	jobID2 := submitOneJob(t, rt, "data_collection")
	require.False(t, rt.Degraded())
	decision2, err := rt.Decide(ctx, jobID2)
	require.NoError(t, err)
	assert.NotContains(t, decision2.Evidence, "degraded")
}

func TestReflexSuspendBlocksExecution(t *testing.T) {
	clock := newFakeClock()
	rt := newTestRuntime(t, clock)
	jobID := submitOneJob(t, rt, "llm_call")

	_, err := rt.Lifecycle.Transition(jobID, reflex.StateRunning, "seed", reflex.BySystem, 0)
	require.NoError(t, err)
	_, err = rt.Lifecycle.Transition(jobID, reflex.StateSuspended, "operator hold", reflex.ByManual, time.Minute)
	require.NoError(t, err)

	report, err := rt.ExecuteJob(context.Background(), jobID, func(ctx context.Context, meter *budget.Meter) error {
		t.Fatal("payload must not run while suspended")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, fault.CodeReflexCooldown, fault.CodeOf(err))
	assert.Empty(t, report.AttemptIDs)

	// Cooldown elapses, manual resume, execution proceeds.
	clock.Advance(2 * time.Minute)
	_, err = rt.ResumeJob(context.Background(), jobID, false)
	require.NoError(t, err)

	_, err = rt.ExecuteJob(context.Background(), jobID, func(ctx context.Context, meter *budget.Meter) error {
		return nil
	})
	require.NoError(t, err)
}

func TestLifecycleEventsReachAuditAndStream(t *testing.T) {
	rt := newTestRuntime(t, newFakeClock())
	jobID := submitOneJob(t, rt, "data_collection")

	sub := rt.Stream.Subscribe(stream.Filter{Channels: []stream.Channel{stream.ChannelLifecycle}})
	defer rt.Stream.Unsubscribe(sub)

	_, err := rt.ExecuteJob(context.Background(), jobID, func(ctx context.Context, meter *budget.Meter) error {
		return nil
	})
	require.NoError(t, err)

	select {
	case e := <-sub.C:
		assert.Equal(t, "lifecycle.transition", e.EventType)
		assert.Equal(t, jobID, e.Data["job_id"])
	case <-time.After(time.Second):
		t.Fatal("no lifecycle event on stream")
	}

	found, err := auditSearch(rt, audit.Query{JobID: jobID, Category: audit.CategoryLifecycle})
	require.NoError(t, err)
	require.NotEmpty(t, found)
	assert.Equal(t, "lifecycle.transition", found[len(found)-1].EventType)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	rt := runtime.New(runtime.Options{
		Config: testConfig(),
		Clock:  clock,
		RetryConfig: &budget.RetryConfig{
			BaseDelay:  time.Millisecond,
			Multiplier: 2.0,
			MaxDelay:   2 * time.Millisecond,
		},
		BreakerConfig: &reflex.BreakerConfig{
			FailureThreshold:  3,
			RecoveryTimeout:   10 * time.Second,
			HalfOpenMaxProbes: 1,
			HalfOpenSuccesses: 1,
		},
	})
	t.Cleanup(func() { _ = rt.Close() })

	ctx := context.Background()
	m := &manifest.Manifest{
		ManifestID:     "mf_breaker",
		Version:        "1.0.0",
		Rules:          []manifest.ManifestRule{},
		BudgetDefaults: budget.Budget{TimeoutMS: 5_000, MaxRetries: 0},
	}
	_, err := rt.Manifests.Create(ctx, m, false)
	require.NoError(t, err)
	_, err = rt.Manifests.Activate(ctx, "1.0.0", manifest.GateConfig{}, nil, true)
	require.NoError(t, err)

	jobID := submitOneJob(t, rt, "llm_call")
	failing := func(ctx context.Context, meter *budget.Meter) error {
		return fault.New(fault.CodeUpstreamUnavailable, "down")
	}

	for i := 0; i < 3; i++ {
		_, err := rt.ExecuteJob(ctx, jobID, failing)
		require.Error(t, err)
	}

	// Fourth call is rejected by the open breaker before any attempt starts.
	report, err := rt.ExecuteJob(ctx, jobID, failing)
	require.Error(t, err)
	assert.Equal(t, fault.CodeCircuitBreakerOpen, fault.CodeOf(err))
	assert.Empty(t, report.AttemptIDs)
}

// flakyAuditStore fails Append on demand.
type flakyAuditStore struct {
	mem  audit.MemoryStore
	fail bool
}

func (s *flakyAuditStore) Append(ctx context.Context, e *audit.Event) error {
	if s.fail {
		return fault.New(fault.CodeAuditLogFailure, "disk full")
	}
	return s.mem.Append(ctx, e)
}

func (s *flakyAuditStore) Search(ctx context.Context, q audit.Query) ([]*audit.Event, error) {
	return s.mem.Search(ctx, q)
}

func auditSearch(rt *runtime.Runtime, q audit.Query) ([]*audit.Event, error) {
	return rt.AuditStore().Search(context.Background(), q)
}

// stubBreaker denies every admission, standing in for an external shared
// breaker.
type stubBreaker struct{ denied int }

func (b *stubBreaker) Allow(ctx context.Context, target string) error {
	b.denied++
	return fault.New(fault.CodeCircuitBreakerOpen, "target %q shared circuit open", target)
}

func (b *stubBreaker) Success(ctx context.Context, target string) error { return nil }
func (b *stubBreaker) Failure(ctx context.Context, target string) error { return nil }

func TestBreakerSeamHonorsInjectedImplementation(t *testing.T) {
	breaker := &stubBreaker{}
	rt := runtime.New(runtime.Options{
		Config:  testConfig(),
		Clock:   newFakeClock(),
		Breaker: breaker,
	})
	t.Cleanup(func() { _ = rt.Close() })

	ctx := context.Background()
	m := &manifest.Manifest{
		ManifestID:     "mf_seam",
		Version:        "1.0.0",
		Rules:          []manifest.ManifestRule{},
		BudgetDefaults: budget.Budget{TimeoutMS: 5_000},
	}
	_, err := rt.Manifests.Create(ctx, m, false)
	require.NoError(t, err)
	_, err = rt.Manifests.Activate(ctx, "1.0.0", manifest.GateConfig{}, nil, true)
	require.NoError(t, err)

	jobID := submitOneJob(t, rt, "llm_call")
	report, err := rt.ExecuteJob(ctx, jobID, func(ctx context.Context, meter *budget.Meter) error {
		t.Fatal("payload must not run past a denying breaker")
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, fault.CodeCircuitBreakerOpen, fault.CodeOf(err))
	assert.Empty(t, report.AttemptIDs)
	assert.Equal(t, 1, breaker.denied)
}

func TestMidLoopSuspendStopsRemainingRetries(t *testing.T) {
	clock := newFakeClock()
	rt := runtime.New(runtime.Options{
		Config: testConfig(),
		Clock:  clock,
		RetryConfig: &budget.RetryConfig{
			BaseDelay:  time.Millisecond,
			Multiplier: 2.0,
			MaxDelay:   2 * time.Millisecond,
		},
		BreakerConfig: &reflex.BreakerConfig{FailureThreshold: 100},
	})
	t.Cleanup(func() { _ = rt.Close() })

	ctx := context.Background()
	m := &manifest.Manifest{
		ManifestID:     "mf_midloop",
		Version:        "1.0.0",
		Rules:          []manifest.ManifestRule{},
		BudgetDefaults: budget.Budget{TimeoutMS: 5_000, MaxRetries: 9},
	}
	_, err := rt.Manifests.Create(ctx, m, false)
	require.NoError(t, err)
	_, err = rt.Manifests.Activate(ctx, "1.0.0", manifest.GateConfig{}, nil, true)
	require.NoError(t, err)

	jobID := submitOneJob(t, rt, "llm_call")

	// The error-rate trigger suspends the job after five failed attempts;
	// the remaining retries of the same execution are refused, not slept
	// through.
	calls := 0
	report, err := rt.ExecuteJob(ctx, jobID, func(ctx context.Context, meter *budget.Meter) error {
		calls++
		return fault.New(fault.CodeUpstreamUnavailable, "down")
	})
	require.Error(t, err)
	assert.Equal(t, fault.CodeReflexCooldown, fault.CodeOf(err))
	assert.Equal(t, 5, calls)
	assert.Len(t, report.AttemptIDs, 5)
	assert.Equal(t, reflex.StateSuspended, report.FinalState)
}
