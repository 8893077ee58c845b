package reflex

import (
	"fmt"
	"sync"
	"time"
)

// TriggerClass routes a breach to its reflex action.
type TriggerClass string

const (
	ClassErrorRate       TriggerClass = "error_rate"
	ClassBudgetViolation TriggerClass = "budget_violation"
	ClassCriticalAnomaly TriggerClass = "critical_anomaly"
	ClassUnrecoverable   TriggerClass = "unrecoverable"
)

// TriggerEvent is emitted when a sliding-window trigger breaches its
// threshold for a target job.
type TriggerEvent struct {
	TriggerID   string       `json:"trigger_id"`
	Class       TriggerClass `json:"class"`
	TargetJobID string       `json:"target_job_id"`
	MetricValue float64      `json:"metric_value"`
	Threshold   float64      `json:"threshold"`
	Reason      string       `json:"reason"`
	At          time.Time    `json:"at"`
}

// Outcome is one observed attempt result fed to the triggers.
type Outcome struct {
	JobID           string
	Failure         bool
	BudgetViolation bool
}

type windowSample struct {
	at      time.Time
	failure bool
}

// slidingWindow keeps per-target samples within a fixed duration.
type slidingWindow struct {
	span    time.Duration
	samples map[string][]windowSample
}

func newSlidingWindow(span time.Duration) *slidingWindow {
	return &slidingWindow{span: span, samples: make(map[string][]windowSample)}
}

func (w *slidingWindow) add(target string, now time.Time, failure bool) {
	w.samples[target] = append(w.prune(target, now), windowSample{at: now, failure: failure})
}

func (w *slidingWindow) prune(target string, now time.Time) []windowSample {
	cutoff := now.Add(-w.span)
	samples := w.samples[target]
	i := 0
	for i < len(samples) && !samples[i].at.After(cutoff) {
		i++
	}
	samples = samples[i:]
	w.samples[target] = samples
	return samples
}

func (w *slidingWindow) stats(target string, now time.Time) (total, failures int) {
	for _, s := range w.prune(target, now) {
		total++
		if s.failure {
			failures++
		}
	}
	return total, failures
}

// ErrorRateTrigger breaches when the failure ratio over the window reaches
// Threshold, given at least MinSamples observations. After a breach the
// target enters a cooldown during which the trigger stays silent.
type ErrorRateTrigger struct {
	TriggerID  string
	Threshold  float64
	Window     time.Duration
	MinSamples int
	Cooldown   time.Duration

	mu        sync.Mutex
	window    *slidingWindow
	silencedT map[string]time.Time
	clock     Clock
}

// NewErrorRateTrigger creates a trigger. threshold is a ratio in (0, 1].
func NewErrorRateTrigger(id string, threshold float64, window, cooldown time.Duration, minSamples int, clock Clock) *ErrorRateTrigger {
	if clock == nil {
		clock = wallClock{}
	}
	return &ErrorRateTrigger{
		TriggerID:  id,
		Threshold:  threshold,
		Window:     window,
		MinSamples: minSamples,
		Cooldown:   cooldown,
		window:     newSlidingWindow(window),
		silencedT:  make(map[string]time.Time),
		clock:      clock,
	}
}

// Observe records the outcome and returns a TriggerEvent on breach.
func (t *ErrorRateTrigger) Observe(o Outcome) *TriggerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.window.add(o.JobID, now, o.Failure)

	if now.Before(t.silencedT[o.JobID]) {
		return nil
	}
	total, failures := t.window.stats(o.JobID, now)
	if total < t.MinSamples {
		return nil
	}
	rate := float64(failures) / float64(total)
	if rate < t.Threshold {
		return nil
	}

	t.silencedT[o.JobID] = now.Add(t.Cooldown)
	return &TriggerEvent{
		TriggerID:   t.TriggerID,
		Class:       ClassErrorRate,
		TargetJobID: o.JobID,
		MetricValue: rate,
		Threshold:   t.Threshold,
		Reason:      fmt.Sprintf("error rate %.0f%% over last %s (%d/%d)", rate*100, t.Window, failures, total),
		At:          now,
	}
}

// ViolationBurstTrigger breaches when a job accumulates Threshold budget
// violations within the window.
type ViolationBurstTrigger struct {
	TriggerID string
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration

	mu        sync.Mutex
	window    *slidingWindow
	silencedT map[string]time.Time
	clock     Clock
}

// NewViolationBurstTrigger creates a burst trigger.
func NewViolationBurstTrigger(id string, threshold int, window, cooldown time.Duration, clock Clock) *ViolationBurstTrigger {
	if clock == nil {
		clock = wallClock{}
	}
	return &ViolationBurstTrigger{
		TriggerID: id,
		Threshold: threshold,
		Window:    window,
		Cooldown:  cooldown,
		window:    newSlidingWindow(window),
		silencedT: make(map[string]time.Time),
		clock:     clock,
	}
}

// Observe records the outcome and returns a TriggerEvent on breach. Only
// outcomes flagged as budget violations count.
func (t *ViolationBurstTrigger) Observe(o Outcome) *TriggerEvent {
	if !o.BudgetViolation {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.window.add(o.JobID, now, true)

	if now.Before(t.silencedT[o.JobID]) {
		return nil
	}
	total, _ := t.window.stats(o.JobID, now)
	if total < t.Threshold {
		return nil
	}

	t.silencedT[o.JobID] = now.Add(t.Cooldown)
	return &TriggerEvent{
		TriggerID:   t.TriggerID,
		Class:       ClassBudgetViolation,
		TargetJobID: o.JobID,
		MetricValue: float64(total),
		Threshold:   float64(t.Threshold),
		Reason:      fmt.Sprintf("%d budget violations in last %s", total, t.Window),
		At:          now,
	}
}
