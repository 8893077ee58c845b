// Package trace provides identity allocation and lineage reconstruction for
// the mission → plan → job → attempt chain. Entities live in per-type tables
// inside the Registry and reference each other by typed ID only; the full
// governance context of any observed execution is reconstructable from an
// attempt ID alone.
package trace

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// PlanType describes how a plan's jobs are ordered.
type PlanType string

const (
	PlanSequential PlanType = "sequential"
	PlanDAG        PlanType = "dag"
)

// AttemptStatus tracks the coarse outcome of one execution try.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptTimedOut  AttemptStatus = "timed_out"
	AttemptCancelled AttemptStatus = "cancelled"
)

// Mission is the user-level intent owning a set of plans.
type Mission struct {
	MissionID string            `json:"mission_id"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Plan is an ordered or graph-shaped collection of jobs under a mission.
type Plan struct {
	PlanID    string   `json:"plan_id"`
	MissionID string   `json:"mission_id"`
	PlanType  PlanType `json:"plan_type"`
}

// Job is one unit of governed work.
type Job struct {
	JobID            string   `json:"job_id"`
	PlanID           string   `json:"plan_id"`
	JobType          string   `json:"job_type"`
	DependsOn        []string `json:"depends_on,omitempty"`
	RollbackPossible bool     `json:"rollback_possible"`
}

// Attempt is one execution try of a job. Write-once except for status and
// end time.
type Attempt struct {
	AttemptID     string        `json:"attempt_id"`
	JobID         string        `json:"job_id"`
	AttemptNumber int           `json:"attempt_number"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       *time.Time    `json:"end_time,omitempty"`
	Status        AttemptStatus `json:"status"`
}

// Chain is the reconstructed lineage for an attempt.
type Chain struct {
	Mission *Mission `json:"mission"`
	Plan    *Plan    `json:"plan"`
	Job     *Job     `json:"job"`
	Attempt *Attempt `json:"attempt"`
}

// Clock supplies authority time; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Registry allocates IDs and stores trace entities. Uniqueness is guaranteed
// within a single runtime instance: IDs combine a process-wide monotonic
// counter with a random suffix.
type Registry struct {
	mu       sync.RWMutex
	missions map[string]*Mission
	plans    map[string]*Plan
	jobs     map[string]*Job
	attempts map[string]*Attempt

	// attemptSeq tracks the next attempt number per job.
	attemptSeq map[string]int

	counter atomic.Uint64
	clock   Clock
}

// NewRegistry creates an empty trace registry. A nil clock defaults to UTC
// wall time.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = wallClock{}
	}
	return &Registry{
		missions:   make(map[string]*Mission),
		plans:      make(map[string]*Plan),
		jobs:       make(map[string]*Job),
		attempts:   make(map[string]*Attempt),
		attemptSeq: make(map[string]int),
		clock:      clock,
	}
}

func (r *Registry) newID(prefix string) string {
	n := r.counter.Add(1)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s", prefix, n, suffix)
}

// NewMission allocates a mission. Tags are copied.
func (r *Registry) NewMission(tags map[string]string) *Mission {
	m := &Mission{
		MissionID: r.newID("m_"),
		CreatedAt: r.clock.Now(),
	}
	if len(tags) > 0 {
		m.Tags = make(map[string]string, len(tags))
		for k, v := range tags {
			m.Tags[k] = v
		}
	}
	r.mu.Lock()
	r.missions[m.MissionID] = m
	r.mu.Unlock()
	return m
}

// NewPlan allocates a plan under an existing mission. An unknown mission is
// an orphan chain and fails ORPHAN_KILLED.
func (r *Registry) NewPlan(missionID string, planType PlanType) (*Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.missions[missionID]; !ok {
		return nil, fault.New(fault.CodeOrphanKilled, "plan parent mission %q does not exist", missionID)
	}
	p := &Plan{
		PlanID:    r.newID("p_"),
		MissionID: missionID,
		PlanType:  planType,
	}
	r.plans[p.PlanID] = p
	return p, nil
}

// NewJob allocates a job under an existing plan.
func (r *Registry) NewJob(planID, jobType string, dependsOn []string, rollbackPossible bool) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[planID]; !ok {
		return nil, fault.New(fault.CodeOrphanKilled, "job parent plan %q does not exist", planID)
	}
	j := &Job{
		JobID:            r.newID("j_"),
		PlanID:           planID,
		JobType:          jobType,
		DependsOn:        append([]string(nil), dependsOn...),
		RollbackPossible: rollbackPossible,
	}
	r.jobs[j.JobID] = j
	return j, nil
}

// NewAttempt allocates the next attempt for an existing job and marks it
// running as of now.
func (r *Registry) NewAttempt(jobID string) (*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[jobID]; !ok {
		return nil, fault.New(fault.CodeOrphanKilled, "attempt parent job %q does not exist", jobID)
	}
	r.attemptSeq[jobID]++
	a := &Attempt{
		AttemptID:     r.newID("a_"),
		JobID:         jobID,
		AttemptNumber: r.attemptSeq[jobID],
		StartTime:     r.clock.Now(),
		Status:        AttemptRunning,
	}
	r.attempts[a.AttemptID] = a
	return a, nil
}

// FinishAttempt records the terminal status and end time of an attempt.
func (r *Registry) FinishAttempt(attemptID string, status AttemptStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[attemptID]
	if !ok {
		return fault.New(fault.CodeMissingTraceContext, "attempt %q not found", attemptID)
	}
	now := r.clock.Now()
	a.Status = status
	a.EndTime = &now
	return nil
}

// Mission returns a mission by ID.
func (r *Registry) Mission(id string) (*Mission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.missions[id]
	return m, ok
}

// Plan returns a plan by ID.
func (r *Registry) Plan(id string) (*Plan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans[id]
	return p, ok
}

// Job returns a job by ID.
func (r *Registry) Job(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Attempt returns an attempt by ID.
func (r *Registry) Attempt(id string) (*Attempt, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attempts[id]
	return a, ok
}

// Trace reconstructs the full lineage from an attempt ID. A break anywhere in
// the chain fails MISSING_TRACE_CONTEXT.
func (r *Registry) Trace(attemptID string) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.attempts[attemptID]
	if !ok {
		return nil, fault.New(fault.CodeMissingTraceContext, "attempt %q not found", attemptID)
	}
	j, ok := r.jobs[a.JobID]
	if !ok {
		return nil, fault.New(fault.CodeMissingTraceContext, "job %q missing for attempt %q", a.JobID, attemptID)
	}
	p, ok := r.plans[j.PlanID]
	if !ok {
		return nil, fault.New(fault.CodeMissingTraceContext, "plan %q missing for job %q", j.PlanID, j.JobID)
	}
	m, ok := r.missions[p.MissionID]
	if !ok {
		return nil, fault.New(fault.CodeMissingTraceContext, "mission %q missing for plan %q", p.MissionID, p.PlanID)
	}
	return &Chain{Mission: m, Plan: p, Job: j, Attempt: a}, nil
}

// DeleteMission tombstones a mission together with its plans, jobs, and
// attempts. Audit events referencing the IDs are unaffected.
func (r *Registry) DeleteMission(missionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.missions, missionID)
	for pid, p := range r.plans {
		if p.MissionID != missionID {
			continue
		}
		delete(r.plans, pid)
		for jid, j := range r.jobs {
			if j.PlanID != pid {
				continue
			}
			delete(r.jobs, jid)
			delete(r.attemptSeq, jid)
			for aid, a := range r.attempts {
				if a.JobID == jid {
					delete(r.attempts, aid)
				}
			}
		}
	}
}
