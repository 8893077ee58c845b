package governor

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEnv declares the decision context fields available to rule expressions.
// The environment is fixed so compiled programs are cacheable and evaluation
// stays deterministic.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("mission_id", cel.StringType),
		cel.Variable("plan_id", cel.StringType),
		cel.Variable("job_id", cel.StringType),
		cel.Variable("job_type", cel.StringType),
		cel.Variable("environment", cel.StringType),
		cel.Variable("risk_class", cel.StringType),
		cel.Variable("idempotent", cel.BoolType),
		cel.Variable("external_dependency", cel.BoolType),
		cel.Variable("uses_personal_data", cel.BoolType),
	)
	if err != nil {
		panic(fmt.Sprintf("governor: cel environment: %v", err))
	}
	return env
}()

// exprCache holds compiled CEL programs keyed by source text. Programs are
// pure functions of their inputs, so sharing across evaluations is safe.
type exprCache struct {
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newExprCache() *exprCache {
	return &exprCache{programs: make(map[string]cel.Program)}
}

func (c *exprCache) program(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling rule expression %q: %w", expr, issues.Err())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building rule program %q: %w", expr, err)
	}

	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()
	return prg, nil
}

// eval runs the expression against the flattened context. A non-bool result
// is an error: rule conditions must be predicates.
func (c *exprCache) eval(expr string, fields map[string]any) (bool, error) {
	prg, err := c.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(fields)
	if err != nil {
		return false, fmt.Errorf("evaluating rule expression %q: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule expression %q returned %T, want bool", expr, out.Value())
	}
	return b, nil
}
