package executor

import (
	"context"
	"fmt"
	"sync"
)

// Capability is a behavior an executor declares and must honor.
type Capability string

const (
	CapIdempotent   Capability = "IDEMPOTENT"
	CapRollbackable Capability = "ROLLBACKABLE"
	CapAtomic       Capability = "ATOMIC"
	CapResumable    Capability = "RESUMABLE"
)

// ExecContext carries the run environment into executors.
type ExecContext struct {
	OutputDir   string
	TemplateDir string
	Vars        map[string]any
}

// Executor runs steps of one executor_type.
type Executor interface {
	// ValidateInput returns every problem with the step's inputs. An empty
	// slice means the step may run.
	ValidateInput(step *ExecutionStep, ec *ExecContext) []error
	// Execute performs the step. It must be safe to re-run with the same
	// inputs.
	Execute(ctx context.Context, step *ExecutionStep, ec *ExecContext) (*StepResult, error)
	// Capabilities declares what this executor guarantees.
	Capabilities() []Capability
}

// RollbackExecutor is implemented by executors that can unwind a completed
// step.
type RollbackExecutor interface {
	Executor
	Rollback(ctx context.Context, step *ExecutionStep, ec *ExecContext) bool
}

// Registry maps executor_type to implementations.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor for the given type, replacing any previous one.
func (r *Registry) Register(executorType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[executorType] = e
}

// Get returns the executor for the type.
func (r *Registry) Get(executorType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[executorType]
	if !ok {
		return nil, fmt.Errorf("executor type %q not registered", executorType)
	}
	return e, nil
}

// declares reports whether the executor carries the capability.
func declares(e Executor, c Capability) bool {
	for _, got := range e.Capabilities() {
		if got == c {
			return true
		}
	}
	return false
}
