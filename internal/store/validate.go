package store

import "fmt"

// ValidatePlanSteps checks a plan's step list before submission: step ids
// present and unique, dependencies resolvable, dependency graph acyclic,
// chain ids and targets set. Plans failing validation never reach the queue.
func ValidatePlanSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}

	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("step %d: missing id", s.Index)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("step %s: duplicate id", s.ID)
		}
		if s.ChainID <= 0 {
			return fmt.Errorf("step %s: missing chain id", s.ID)
		}
		if s.To == "" && s.Contract == "" {
			return fmt.Errorf("step %s: missing target", s.ID)
		}
		byID[s.ID] = s
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return fmt.Errorf("step %s: depends on itself", s.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("step %s: unknown dependency %s", s.ID, dep)
			}
		}
	}

	if _, err := TopologicalOrder(steps); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns step ids in a dependency-respecting order, or an
// error naming a step on a cycle. Kahn's algorithm; ties resolve in input
// order so the result is stable.
func TopologicalOrder(steps []Step) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			ready = append(ready, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(steps) {
		for _, s := range steps {
			if indegree[s.ID] > 0 {
				return nil, fmt.Errorf("step %s: dependency cycle", s.ID)
			}
		}
		return nil, fmt.Errorf("dependency cycle")
	}
	return order, nil
}

// ReadySteps returns the steps whose dependencies are all in done, excluding
// steps already in started.
func ReadySteps(steps []Step, done, started map[string]bool) []Step {
	var out []Step
	for _, s := range steps {
		if started[s.ID] {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, s)
		}
	}
	return out
}
