package governor

import (
	"context"
	"sync"
	"time"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// DecisionStore persists governance decisions. Append-only: decisions are
// immutable once stored and may outlive the manifest that produced them.
// Save must complete before the job's first attempt starts.
type DecisionStore interface {
	Save(ctx context.Context, d *GovernorDecision) error
	// ByJob returns the most recent applied (non-shadow) decision for a job.
	ByJob(ctx context.Context, jobID string) (*GovernorDecision, error)
	// List returns the most recent decisions, newest first.
	List(ctx context.Context, limit int) ([]*GovernorDecision, error)
}

// MemoryDecisionStore implements DecisionStore in memory.
type MemoryDecisionStore struct {
	mu    sync.RWMutex
	byJob map[string]*GovernorDecision
	order []*GovernorDecision
	clock Clock
}

// NewMemoryDecisionStore creates an empty in-memory decision store.
func NewMemoryDecisionStore(clock Clock) *MemoryDecisionStore {
	if clock == nil {
		clock = wallClock{}
	}
	return &MemoryDecisionStore{
		byJob: make(map[string]*GovernorDecision),
		clock: clock,
	}
}

func (s *MemoryDecisionStore) Save(ctx context.Context, d *GovernorDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *d
	clone.PersistedAt = s.clock.Now()
	d.PersistedAt = clone.PersistedAt
	if !clone.ShadowMode {
		s.byJob[clone.JobID] = &clone
	}
	s.order = append(s.order, &clone)
	return nil
}

func (s *MemoryDecisionStore) ByJob(ctx context.Context, jobID string) (*GovernorDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byJob[jobID]
	if !ok {
		return nil, fault.New(fault.CodeMissingTraceContext, "no decision persisted for job %q", jobID)
	}
	clone := *d
	return &clone, nil
}

func (s *MemoryDecisionStore) List(ctx context.Context, limit int) ([]*GovernorDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*GovernorDecision, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		clone := *s.order[i]
		out = append(out, &clone)
	}
	return out, nil
}

// PersistedBefore reports whether the job's decision was persisted strictly
// before t. The runtime asserts this before starting any attempt.
func PersistedBefore(d *GovernorDecision, t time.Time) bool {
	return !d.PersistedAt.IsZero() && d.PersistedAt.Before(t)
}
