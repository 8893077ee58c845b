package executor

import (
	"fmt"
	"sync"

	"github.com/praetor-ai/praetor/pkg/canonicalize"
)

// StepKey builds the idempotency hash for a step under a governance mode:
// the canonical JSON of {step_id, executor_type, parameters, mode}.
func StepKey(step *ExecutionStep, mode string) (string, error) {
	key, err := canonicalize.Hash(map[string]any{
		"step_id":       step.StepID,
		"executor_type": step.ExecutorType,
		"parameters":    step.Parameters,
		"mode":          mode,
	})
	if err != nil {
		return "", fmt.Errorf("step %q idempotency key: %w", step.StepID, err)
	}
	return key, nil
}

// IdempotencyStore records successful step results by hash so an identical
// re-run short-circuits to the cached result.
type IdempotencyStore interface {
	Get(key string) (*StepResult, bool)
	Put(key string, r *StepResult)
}

// MemoryIdempotencyStore implements IdempotencyStore in memory.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	results map[string]*StepResult
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{results: make(map[string]*StepResult)}
}

func (s *MemoryIdempotencyStore) Get(key string) (*StepResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[key]
	if !ok {
		return nil, false
	}
	clone := *r
	return &clone, true
}

func (s *MemoryIdempotencyStore) Put(key string, r *StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *r
	s.results[key] = &clone
}
