// Package reflex watches job outcomes for emergent failure patterns and
// responds automatically: lifecycle state machines per job, sliding-window
// triggers, per-target circuit breakers, and an action dispatcher that maps
// trigger breaches to SUSPEND / THROTTLE / ALERT / CANCEL.
package reflex

import (
	"log/slog"
	"sync"
	"time"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// JobLifecycleState is a job's position in the reflex state machine.
type JobLifecycleState string

const (
	StatePending   JobLifecycleState = "PENDING"
	StateRunning   JobLifecycleState = "RUNNING"
	StateSuspended JobLifecycleState = "SUSPENDED"
	StateThrottled JobLifecycleState = "THROTTLED"
	StateCompleted JobLifecycleState = "COMPLETED"
	StateFailed    JobLifecycleState = "FAILED"
	StateCancelled JobLifecycleState = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobLifecycleState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// TriggeredBy identifies who requested a transition.
type TriggeredBy string

const (
	ByReflex TriggeredBy = "reflex"
	ByManual TriggeredBy = "manual"
	BySystem TriggeredBy = "system"
)

// Transition is one recorded lifecycle change.
type Transition struct {
	From          JobLifecycleState `json:"from"`
	To            JobLifecycleState `json:"to"`
	Timestamp     time.Time         `json:"timestamp"`
	Reason        string            `json:"reason"`
	TriggeredBy   TriggeredBy       `json:"triggered_by"`
	CooldownUntil time.Time         `json:"cooldown_until"`
}

// allowed is the transition table. Terminal states have no entries.
var allowed = map[JobLifecycleState][]JobLifecycleState{
	StatePending:   {StateRunning, StateCancelled},
	StateRunning:   {StateSuspended, StateThrottled, StateCompleted, StateFailed, StateCancelled},
	StateSuspended: {StateRunning, StateCancelled},
	StateThrottled: {StateRunning, StateSuspended, StateCancelled},
}

func legal(from, to JobLifecycleState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

type jobState struct {
	state         JobLifecycleState
	cooldownUntil time.Time
	history       []Transition
}

// LifecycleManager holds the per-job state machines. Transitions within one
// job are linearized by the manager's lock.
type LifecycleManager struct {
	mu     sync.Mutex
	jobs   map[string]*jobState
	clock  Clock
	logger *slog.Logger

	// OnTransition, when set, observes every successful transition. Called
	// outside the manager's lock.
	OnTransition func(jobID string, tr Transition)
}

// NewLifecycleManager creates an empty manager.
func NewLifecycleManager(clock Clock, logger *slog.Logger) *LifecycleManager {
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleManager{
		jobs:   make(map[string]*jobState),
		clock:  clock,
		logger: logger.With("component", "reflex.lifecycle"),
	}
}

// State returns the job's current state; unknown jobs are PENDING.
func (m *LifecycleManager) State(jobID string) JobLifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(jobID).state
}

// History returns the job's recorded transitions in order.
func (m *LifecycleManager) History(jobID string) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	js := m.get(jobID)
	out := make([]Transition, len(js.history))
	copy(out, js.history)
	return out
}

// CooldownUntil returns when the job's current suspend or throttle expires.
func (m *LifecycleManager) CooldownUntil(jobID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(jobID).cooldownUntil
}

// Transition moves the job to a new state. Illegal moves fail with
// REFLEX_LIFECYCLE_INVALID. cooldown applies only to SUSPENDED and THROTTLED
// targets; pass zero for none.
func (m *LifecycleManager) Transition(jobID string, to JobLifecycleState, reason string, by TriggeredBy, cooldown time.Duration) (Transition, error) {
	m.mu.Lock()
	js := m.get(jobID)
	from := js.state
	if !legal(from, to) {
		m.mu.Unlock()
		return Transition{}, fault.New(fault.CodeLifecycleInvalid,
			"job %q cannot move %s -> %s", jobID, from, to)
	}

	tr := Transition{
		From:        from,
		To:          to,
		Timestamp:   m.clock.Now(),
		Reason:      reason,
		TriggeredBy: by,
	}
	if cooldown > 0 && (to == StateSuspended || to == StateThrottled) {
		tr.CooldownUntil = tr.Timestamp.Add(cooldown)
	}
	js.state = to
	js.cooldownUntil = tr.CooldownUntil
	js.history = append(js.history, tr)
	hook := m.OnTransition
	m.mu.Unlock()

	m.logger.Info("lifecycle transition",
		"job_id", jobID, "from", from, "to", to, "triggered_by", by, "reason", reason)
	if hook != nil {
		hook(jobID, tr)
	}
	return tr, nil
}

// Resume returns a suspended or throttled job to RUNNING. Refused from
// terminal states; before cooldown expiry it is a no-op unless force is set.
func (m *LifecycleManager) Resume(jobID string, by TriggeredBy, force bool) (Transition, error) {
	m.mu.Lock()
	js := m.get(jobID)
	state := js.state
	cooldown := js.cooldownUntil
	m.mu.Unlock()

	if state.Terminal() {
		return Transition{}, fault.New(fault.CodeLifecycleInvalid,
			"job %q is terminal (%s), resume refused", jobID, state)
	}
	if state != StateSuspended && state != StateThrottled {
		return Transition{}, fault.New(fault.CodeLifecycleInvalid,
			"job %q is %s, nothing to resume", jobID, state)
	}
	if !force && m.clock.Now().Before(cooldown) {
		return Transition{}, nil
	}
	return m.Transition(jobID, StateRunning, "resumed", by, 0)
}

// Admit reports whether an attempt for the job may start now. Suspended jobs
// and cancelled jobs are refused with POLICY_REFLEX_COOLDOWN; throttle
// admission is handled by the dispatcher's rate limiter.
func (m *LifecycleManager) Admit(jobID string) error {
	m.mu.Lock()
	js := m.get(jobID)
	state := js.state
	cooldown := js.cooldownUntil
	m.mu.Unlock()

	switch state {
	case StateSuspended:
		return fault.New(fault.CodeReflexCooldown,
			"job %q suspended until %s", jobID, cooldown.Format(time.RFC3339))
	case StateCancelled:
		return fault.New(fault.CodeReflexCooldown, "job %q cancelled", jobID)
	}
	return nil
}

func (m *LifecycleManager) get(jobID string) *jobState {
	js, ok := m.jobs[jobID]
	if !ok {
		js = &jobState{state: StatePending}
		m.jobs[jobID] = js
	}
	return js
}
