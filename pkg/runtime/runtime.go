// Package runtime is the composition root: it wires trace identity, the
// manifest registry, the governor, the budget guards, the reflex system, the
// executor, the audit log, the stream fabric, and RBAC into one Runtime that
// accepts missions and drives their jobs through decision, enforcement, and
// execution.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/praetor-ai/praetor/pkg/audit"
	"github.com/praetor-ai/praetor/pkg/authz"
	"github.com/praetor-ai/praetor/pkg/budget"
	"github.com/praetor-ai/praetor/pkg/config"
	"github.com/praetor-ai/praetor/pkg/executor"
	"github.com/praetor-ai/praetor/pkg/fault"
	"github.com/praetor-ai/praetor/pkg/governor"
	"github.com/praetor-ai/praetor/pkg/manifest"
	"github.com/praetor-ai/praetor/pkg/observability"
	"github.com/praetor-ai/praetor/pkg/reflex"
	"github.com/praetor-ai/praetor/pkg/stream"
	"github.com/praetor-ai/praetor/pkg/trace"
)

// Clock supplies authority time to every component; one value satisfies the
// per-package clock interfaces.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Options configure a Runtime. Every field is optional; the zero value runs
// fully in memory.
type Options struct {
	Config      *config.Config
	Clock       Clock
	Logger      *slog.Logger
	Environment governor.Environment

	ManifestStore manifest.Store
	DecisionStore governor.DecisionStore
	AuditStore    audit.Store

	// Executors, when set, enables plan execution through the orchestrator.
	Executors *executor.Registry
	Preflight executor.PreflightConfig

	// Telemetry is optional; a nil provider disables instrument recording.
	Telemetry *observability.Provider

	// Breaker, when set, replaces the in-memory circuit breaker; multi-instance
	// deployments pass the Redis-backed one. BreakerConfig is ignored then.
	Breaker reflex.Breaker

	RetryConfig      *budget.RetryConfig
	BreakerConfig    *reflex.BreakerConfig
	DispatcherConfig *reflex.DispatcherConfig
}

// Runtime owns the wired component graph.
type Runtime struct {
	cfg    *config.Config
	clock  Clock
	logger *slog.Logger
	env    governor.Environment

	Trace     *trace.Registry
	Manifests *manifest.Registry
	Evaluator *governor.Evaluator
	Decisions governor.DecisionStore
	Shadow    *governor.ShadowRecorder
	Guard     *budget.Guard
	Lifecycle *reflex.LifecycleManager
	Reflexes  *reflex.Dispatcher
	ErrorRate *reflex.ErrorRateTrigger
	Bursts    *reflex.ViolationBurstTrigger
	Breaker   reflex.Breaker
	Audit     *audit.Recorder
	auditLog  audit.Store
	Stream    *stream.Publisher
	Authz     *authz.Authorizer
	Executor  *executor.Orchestrator
	Telemetry *observability.Provider

	mu    sync.RWMutex
	specs map[string]JobSpec

	// degradedGauge mirrors the recorder's degraded flag into telemetry.
	degradedGauge atomic.Bool
}

// New builds and cross-wires the runtime.
func New(opts Options) *Runtime {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Load()
	}
	clock := opts.Clock
	if clock == nil {
		clock = wallClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	env := opts.Environment
	if env == "" {
		env = governor.EnvDev
	}

	manifestStore := opts.ManifestStore
	if manifestStore == nil {
		manifestStore = manifest.NewMemoryStore()
	}
	decisionStore := opts.DecisionStore
	if decisionStore == nil {
		decisionStore = governor.NewMemoryDecisionStore(clock)
	}
	auditStore := opts.AuditStore
	if auditStore == nil {
		auditStore = audit.NewMemoryStore()
	}

	retryCfg := budget.DefaultRetryConfig
	if opts.RetryConfig != nil {
		retryCfg = *opts.RetryConfig
	}
	breakerCfg := reflex.DefaultBreakerConfig
	if opts.BreakerConfig != nil {
		breakerCfg = *opts.BreakerConfig
	}
	dispatchCfg := reflex.DefaultDispatcherConfig
	if opts.DispatcherConfig != nil {
		dispatchCfg = *opts.DispatcherConfig
	}

	r := &Runtime{
		cfg:       cfg,
		clock:     clock,
		logger:    logger.With("component", "runtime"),
		env:       env,
		Trace:     trace.NewRegistry(clock),
		Manifests: manifest.NewRegistry(manifestStore, clock, logger),
		Evaluator: governor.NewEvaluator(clock, logger),
		Decisions: decisionStore,
		Shadow:    governor.NewShadowRecorder(clock),
		Telemetry: opts.Telemetry,
		specs:     make(map[string]JobSpec),
	}

	r.Guard = budget.NewGuard(
		budget.NewTimeoutEnforcer(cfg.DefaultTimeout, cfg.DefaultGracePeriod, logger),
		budget.NewParallelismLimiter(cfg.MaxGlobalParallel),
		budget.NewCostTracker(),
		budget.NewRetryHandler(retryCfg, logger),
		logger,
	)

	r.Lifecycle = reflex.NewLifecycleManager(clock, logger)
	r.Reflexes = reflex.NewDispatcher(dispatchCfg, r.Lifecycle, clock, logger)
	r.ErrorRate = reflex.NewErrorRateTrigger("error_rate", 0.5, time.Minute, dispatchCfg.SuspendCooldown, 5, clock)
	r.Bursts = reflex.NewViolationBurstTrigger("violation_burst", 3, time.Minute, dispatchCfg.ThrottleCooldown, clock)
	r.Breaker = opts.Breaker
	if r.Breaker == nil {
		r.Breaker = reflex.NewCircuitBreaker(breakerCfg, clock, logger)
	}

	r.Stream = stream.NewPublisher(cfg.SSEBufferSize, 0, logger)
	r.Audit = audit.NewRecorder(auditStore, cfg.AuditMode, clock, logger)
	r.auditLog = auditStore
	r.Authz = authz.NewAuthorizer(logger)

	if opts.Executors != nil {
		r.Executor = executor.NewOrchestrator(opts.Executors, r.Guard, nil, opts.Preflight, logger)
		r.Executor.OnEvent = r.executorEvent
	}

	r.wireHooks()
	return r
}

// wireHooks cross-connects audit, stream, lifecycle, and reflex callbacks.
func (r *Runtime) wireHooks() {
	r.Audit.Publish = func(e *audit.Event) {
		r.Stream.Publish(stream.ChannelAudit, e.EventType, map[string]any{
			"event_id":   e.EventID,
			"category":   string(e.Category),
			"severity":   string(e.Severity),
			"mission_id": e.MissionID,
			"plan_id":    e.PlanID,
			"job_id":     e.JobID,
			"attempt_id": e.AttemptID,
			"message":    e.Message,
		})
	}

	r.Lifecycle.OnTransition = func(jobID string, tr reflex.Transition) {
		r.record(context.Background(), audit.Event{
			Category:  audit.CategoryLifecycle,
			Severity:  fault.SeverityInfo,
			EventType: "lifecycle.transition",
			JobID:     jobID,
			Message:   string(tr.From) + " -> " + string(tr.To),
			Data: map[string]any{
				"from": string(tr.From), "to": string(tr.To),
				"reason": tr.Reason, "triggered_by": string(tr.TriggeredBy),
			},
		})
		r.Stream.Publish(stream.ChannelLifecycle, "lifecycle.transition", map[string]any{
			"job_id": jobID, "from": string(tr.From), "to": string(tr.To),
			"triggered_by": string(tr.TriggeredBy),
		})
	}

	r.Reflexes.OnAction = func(action reflex.ReflexAction, event reflex.TriggerEvent) {
		sev := fault.SeverityWarning
		if action.Result == "failed" {
			sev = fault.SeverityError
		}
		r.record(context.Background(), audit.Event{
			Category:  audit.CategoryReflex,
			Severity:  sev,
			EventType: "reflex." + string(action.Type),
			JobID:     action.TargetJob,
			Message:   action.Reason,
			Data: map[string]any{
				"trigger_id": event.TriggerID, "metric_value": event.MetricValue,
				"threshold": event.Threshold, "result": action.Result,
				"cooldown_ms": action.CooldownMS,
			},
		})
		r.Stream.Publish(stream.ChannelReflex, "reflex."+string(action.Type), map[string]any{
			"job_id": action.TargetJob, "result": action.Result, "reason": action.Reason,
		})
		if r.Telemetry != nil {
			r.Telemetry.RecordReflexAction(context.Background(), string(action.Type), action.Result)
		}
	}

	r.Reflexes.OnAlert = func(jobID, reason string) {
		r.record(context.Background(), audit.Event{
			Category:  audit.CategoryReflex,
			Severity:  fault.SeverityCritical,
			EventType: "reflex.ALERT",
			JobID:     jobID,
			Message:   reason,
		})
	}
}

// record writes an audit event; write failures surface as an alert on the
// stream but never interrupt the caller.
func (r *Runtime) record(ctx context.Context, e audit.Event) {
	if err := r.Audit.Record(ctx, e); err != nil {
		r.Stream.Publish(stream.ChannelAll, "audit.failure", map[string]any{
			"error": err.Error(),
		})
	}
	if r.Telemetry != nil {
		degraded := r.Audit.Degraded()
		if r.degradedGauge.CompareAndSwap(!degraded, degraded) {
			r.Telemetry.SetAuditDegraded(ctx, degraded)
		}
	}
}

func (r *Runtime) executorEvent(plan *executor.BusinessPlan, step *executor.ExecutionStep, eventType string, data map[string]any) string {
	e := audit.Event{
		EventID:   audit.NewEventID(),
		Category:  audit.CategoryExecutor,
		Severity:  fault.SeverityInfo,
		EventType: eventType,
		PlanID:    plan.PlanID,
		Message:   "step " + step.StepID,
		Data:      data,
	}
	r.record(context.Background(), e)
	return e.EventID
}

// Config exposes the loaded configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// AuditStore exposes the underlying audit log for queries.
func (r *Runtime) AuditStore() audit.Store { return r.auditLog }

// Degraded reports whether the audit log is currently failing.
func (r *Runtime) Degraded() bool { return r.Audit.Degraded() }

// Close flushes buffered audit writes.
func (r *Runtime) Close() error {
	return r.Audit.Close()
}
