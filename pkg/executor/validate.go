package executor

import (
	"fmt"
	"sort"
)

// Validate rejects a plan with unknown dependencies, a dependency cycle, an
// unregistered executor type, or a rollback-possible step whose executor does
// not carry the declared capability. A valid plan moves to PlanValidated.
func Validate(plan *BusinessPlan, registry *Registry) error {
	byID := make(map[string]*ExecutionStep, len(plan.Steps))
	for _, s := range plan.Steps {
		if _, dup := byID[s.StepID]; dup {
			return fmt.Errorf("plan %q: duplicate step %q", plan.PlanID, s.StepID)
		}
		byID[s.StepID] = s
	}

	for _, s := range plan.Steps {
		e, err := registry.Get(s.ExecutorType)
		if err != nil {
			return fmt.Errorf("plan %q: step %q uses unregistered executor type %q",
				plan.PlanID, s.StepID, s.ExecutorType)
		}
		if s.RollbackPossible {
			if _, ok := e.(RollbackExecutor); !ok || !declares(e, CapRollbackable) {
				return fmt.Errorf("plan %q: step %q is rollback_possible but executor type %q does not declare %s",
					plan.PlanID, s.StepID, s.ExecutorType, CapRollbackable)
			}
		}
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("plan %q: step %q depends on unknown step %q",
					plan.PlanID, s.StepID, dep)
			}
		}
	}

	if _, err := topoOrder(plan); err != nil {
		return fmt.Errorf("plan %q: %w", plan.PlanID, err)
	}

	plan.Status = PlanValidated
	return nil
}

// topoOrder returns the steps in dependency order. Steps whose dependencies
// are all satisfied are emitted lowest sequence first, so execution order is
// deterministic.
func topoOrder(plan *BusinessPlan) ([]*ExecutionStep, error) {
	indegree := make(map[string]int, len(plan.Steps))
	dependents := make(map[string][]*ExecutionStep)
	byID := make(map[string]*ExecutionStep, len(plan.Steps))

	for _, s := range plan.Steps {
		byID[s.StepID] = s
		indegree[s.StepID] = len(s.DependsOn)
	}
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s)
		}
	}

	var ready []*ExecutionStep
	for _, s := range plan.Steps {
		if indegree[s.StepID] == 0 {
			ready = append(ready, s)
		}
	}

	var order []*ExecutionStep
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i].Sequence < ready[j].Sequence })
		s := ready[0]
		ready = ready[1:]
		order = append(order, s)
		for _, d := range dependents[s.StepID] {
			indegree[d.StepID]--
			if indegree[d.StepID] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(plan.Steps) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("dependency cycle involving steps %v", stuck)
	}
	return order, nil
}
