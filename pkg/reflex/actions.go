package reflex

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// ReflexActionType is what the dispatcher does to a misbehaving job.
type ReflexActionType string

const (
	ActionSuspend  ReflexActionType = "SUSPEND"
	ActionThrottle ReflexActionType = "THROTTLE"
	ActionAlert    ReflexActionType = "ALERT"
	ActionCancel   ReflexActionType = "CANCEL"
)

// ReflexAction is one dispatched response to a trigger breach.
type ReflexAction struct {
	Type       ReflexActionType `json:"type"`
	TargetJob  string           `json:"target_job"`
	CooldownMS int64            `json:"cooldown_ms"`
	Reason     string           `json:"reason"`
	Result     string           `json:"result"`
	At         time.Time        `json:"at"`
}

// DispatcherConfig tunes the dispatcher's responses.
type DispatcherConfig struct {
	// SuspendCooldown is how long an error-rate breach suspends the job.
	SuspendCooldown time.Duration
	// ThrottleCooldown is how long a budget-violation burst throttles the job.
	ThrottleCooldown time.Duration
	// ThrottleRate is attempts per second admitted while throttled.
	ThrottleRate rate.Limit
	// ThrottleBurst is the limiter's burst size while throttled.
	ThrottleBurst int
}

// DefaultDispatcherConfig suspends for a minute and throttles to one attempt
// per second.
var DefaultDispatcherConfig = DispatcherConfig{
	SuspendCooldown:  time.Minute,
	ThrottleCooldown: time.Minute,
	ThrottleRate:     rate.Limit(1),
	ThrottleBurst:    1,
}

// Dispatcher maps trigger breaches to lifecycle actions. Actions honor the
// FSM: an illegal transition aborts the action and surfaces
// REFLEX_ACTION_FAILED.
type Dispatcher struct {
	cfg       DispatcherConfig
	lifecycle *LifecycleManager
	clock     Clock
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	// OnAction observes every dispatched action, successful or not.
	OnAction func(action ReflexAction, event TriggerEvent)
	// OnAlert marks the target job's decision as requiring manual confirm.
	OnAlert func(jobID, reason string)
}

// NewDispatcher wires a dispatcher to the lifecycle manager. Zero config
// fields fall back to DefaultDispatcherConfig, per field.
func NewDispatcher(cfg DispatcherConfig, lifecycle *LifecycleManager, clock Clock, logger *slog.Logger) *Dispatcher {
	if cfg.SuspendCooldown <= 0 {
		cfg.SuspendCooldown = DefaultDispatcherConfig.SuspendCooldown
	}
	if cfg.ThrottleCooldown <= 0 {
		cfg.ThrottleCooldown = DefaultDispatcherConfig.ThrottleCooldown
	}
	if cfg.ThrottleRate <= 0 {
		cfg.ThrottleRate = DefaultDispatcherConfig.ThrottleRate
	}
	if cfg.ThrottleBurst <= 0 {
		cfg.ThrottleBurst = DefaultDispatcherConfig.ThrottleBurst
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:       cfg,
		lifecycle: lifecycle,
		clock:     clock,
		logger:    logger.With("component", "reflex.dispatcher"),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Dispatch applies the action mapped to the event's trigger class.
func (d *Dispatcher) Dispatch(event TriggerEvent) (ReflexAction, error) {
	action := ReflexAction{
		TargetJob: event.TargetJobID,
		Reason:    event.Reason,
		At:        d.clock.Now(),
	}

	var err error
	switch event.Class {
	case ClassErrorRate:
		action.Type = ActionSuspend
		action.CooldownMS = d.cfg.SuspendCooldown.Milliseconds()
		_, err = d.lifecycle.Transition(event.TargetJobID, StateSuspended, event.Reason, ByReflex, d.cfg.SuspendCooldown)
	case ClassBudgetViolation:
		action.Type = ActionThrottle
		action.CooldownMS = d.cfg.ThrottleCooldown.Milliseconds()
		_, err = d.lifecycle.Transition(event.TargetJobID, StateThrottled, event.Reason, ByReflex, d.cfg.ThrottleCooldown)
		if err == nil {
			d.setLimiter(event.TargetJobID)
		}
	case ClassCriticalAnomaly:
		action.Type = ActionAlert
		if d.OnAlert != nil {
			d.OnAlert(event.TargetJobID, event.Reason)
		}
	case ClassUnrecoverable:
		action.Type = ActionCancel
		_, err = d.lifecycle.Transition(event.TargetJobID, StateCancelled, event.Reason, ByReflex, 0)
	default:
		err = fault.New(fault.CodeReflexActionFailed, "unknown trigger class %q", event.Class)
	}

	if err != nil {
		action.Result = "failed"
		err = fault.Wrap(fault.CodeReflexActionFailed, err,
			"%s on job %q aborted", action.Type, event.TargetJobID)
	} else {
		action.Result = "applied"
	}

	d.logger.Info("reflex action",
		"type", action.Type, "job_id", action.TargetJob,
		"result", action.Result, "trigger_id", event.TriggerID)
	if d.OnAction != nil {
		d.OnAction(action, event)
	}
	return action, err
}

// Admit gates a new attempt for the job. Suspended and cancelled jobs are
// refused outright; throttled jobs pass through the per-job rate limiter.
func (d *Dispatcher) Admit(jobID string) error {
	if err := d.lifecycle.Admit(jobID); err != nil {
		return err
	}
	if d.lifecycle.State(jobID) != StateThrottled {
		return nil
	}

	d.mu.Lock()
	lim, ok := d.limiters[jobID]
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if !lim.Allow() {
		return fault.New(fault.CodeReflexCooldown, "job %q throttled, attempt rejected", jobID)
	}
	return nil
}

// Resume lifts a suspend or throttle, dropping the job's limiter.
func (d *Dispatcher) Resume(jobID string, by TriggeredBy, force bool) (Transition, error) {
	tr, err := d.lifecycle.Resume(jobID, by, force)
	if err == nil && tr.To == StateRunning {
		d.mu.Lock()
		delete(d.limiters, jobID)
		d.mu.Unlock()
	}
	return tr, err
}

func (d *Dispatcher) setLimiter(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiters[jobID] = rate.NewLimiter(d.cfg.ThrottleRate, d.cfg.ThrottleBurst)
}
