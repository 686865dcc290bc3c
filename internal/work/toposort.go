package work

// Three-color marks for the depth-first traversal.
type visitColor int

const (
	colorUnvisited visitColor = iota
	colorInProgress
	colorDone
)

// TopologicalOrder returns the given units plus their full transitive
// dependency closure, ordered so every unit appears after all of its
// dependencies. Ties between unconstrained units are broken by
// registration order, so the result is deterministic and idempotent.
// A reachable cycle aborts with a CyclicDependencyError naming the
// full cycle path.
func (r *Registry) TopologicalOrder(names []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.orderLocked(names)
}

// orderLocked is the sort body; callers hold at least a read lock.
func (r *Registry) orderLocked(names []string) ([]string, error) {
	for _, name := range names {
		if _, ok := r.units[name]; !ok {
			return nil, &UnknownUnitError{Name: name}
		}
	}

	// Visit roots in registration order regardless of the order the
	// caller passed them in; this keeps the result stable.
	requested := make(map[string]bool, len(names))
	for _, name := range names {
		requested[name] = true
	}

	colors := make(map[string]visitColor, len(r.units))
	var result []string
	var stack []string

	var visit func(name string) *CyclicDependencyError
	visit = func(name string) *CyclicDependencyError {
		switch colors[name] {
		case colorDone:
			return nil
		case colorInProgress:
			// Found our own traversal path again: extract the cycle.
			cycle := []string{name}
			for i := len(stack) - 1; i >= 0; i-- {
				cycle = append(cycle, stack[i])
				if stack[i] == name {
					break
				}
			}
			// Reverse into forward edge order.
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return &CyclicDependencyError{Cycle: cycle}
		}

		colors[name] = colorInProgress
		stack = append(stack, name)

		if u, ok := r.units[name]; ok {
			for _, dep := range u.DependsOn {
				// Unregistered dependencies are not an ordering
				// concern; CheckDependencies reports them.
				if _, registered := r.units[dep]; !registered {
					continue
				}
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[name] = colorDone
		result = append(result, name)
		return nil
	}

	for _, name := range r.order {
		if !requested[name] {
			continue
		}
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return result, nil
}
