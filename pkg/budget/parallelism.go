package budget

import (
	"sync"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// Limit type tags carried in parallelism faults.
const (
	LimitTypeGlobal = "global"
	LimitTypeJob    = "job"
)

// ParallelismLimiter bounds in-flight attempts with two limits: a global one
// shared across all jobs and a per-job one sized from the job's budget.
// Acquisition is non-blocking: a caller that cannot take both slots
// immediately is rejected, not queued.
type ParallelismLimiter struct {
	mu          sync.Mutex
	globalLimit int
	globalUsed  int
	jobs        map[string]*jobSlots
}

type jobSlots struct {
	limit int
	used  int
}

// NewParallelismLimiter creates a limiter with the given global cap.
func NewParallelismLimiter(maxGlobalParallel int) *ParallelismLimiter {
	return &ParallelismLimiter{
		globalLimit: maxGlobalParallel,
		jobs:        make(map[string]*jobSlots),
	}
}

// Acquire takes one global slot and one per-job slot for jobID, creating the
// per-job limit lazily from b.MaxParallelAttempts (zero means unlimited).
// The returned release is idempotent and must be called on payload exit,
// including on error and cancellation.
func (l *ParallelismLimiter) Acquire(jobID string, b Budget) (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.globalLimit
	if b.MaxGlobalParallel > 0 && b.MaxGlobalParallel < limit {
		limit = b.MaxGlobalParallel
	}
	if limit > 0 && l.globalUsed >= limit {
		return nil, fault.New(fault.CodeParallelismExceeded,
			"global parallelism limit %d reached (limit_type=%s)", limit, LimitTypeGlobal)
	}

	slots, ok := l.jobs[jobID]
	if !ok {
		slots = &jobSlots{limit: b.MaxParallelAttempts}
		l.jobs[jobID] = slots
	}
	if slots.limit > 0 && slots.used >= slots.limit {
		if slots.used == 0 {
			delete(l.jobs, jobID)
		}
		return nil, fault.New(fault.CodeParallelismExceeded,
			"job %q parallelism limit %d reached (limit_type=%s)", jobID, slots.limit, LimitTypeJob)
	}

	l.globalUsed++
	slots.used++

	var once sync.Once
	return func() {
		once.Do(func() { l.release(jobID) })
	}, nil
}

func (l *ParallelismLimiter) release(jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.globalUsed--
	if slots, ok := l.jobs[jobID]; ok {
		slots.used--
		if slots.used <= 0 {
			delete(l.jobs, jobID)
		}
	}
}

// InFlight returns the global and per-job in-flight counts.
func (l *ParallelismLimiter) InFlight(jobID string) (global, job int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slots, ok := l.jobs[jobID]; ok {
		job = slots.used
	}
	return l.globalUsed, job
}
