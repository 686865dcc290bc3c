package work

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Registry holds all registered units and resolves dependencies
// between them. Registration happens at process start; after that the
// registry is read-mostly, so lookups take only a read lock.
type Registry struct {
	units map[string]*Unit
	order []string // registration order, used for deterministic tie-breaking
	mu    sync.RWMutex
}

// NewRegistry creates an empty unit registry.
func NewRegistry() *Registry {
	return &Registry{
		units: make(map[string]*Unit),
	}
}

// Register adds a unit to the registry. The unit starts enabled.
// Registration fails on duplicate names, self-dependencies, and any
// dependency cycle reachable through already-registered units.
func (r *Registry) Register(u *Unit) error {
	if u == nil || u.Name == "" {
		return fmt.Errorf("unit must have a name")
	}
	if u.Fetch == nil {
		return fmt.Errorf("unit %s must declare a fetch function", u.Name)
	}
	if u.Probe == nil {
		return fmt.Errorf("unit %s must declare an existence probe", u.Name)
	}
	for _, dep := range u.DependsOn {
		if dep == u.Name {
			return &CyclicDependencyError{Cycle: []string{u.Name, u.Name}}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[u.Name]; exists {
		return fmt.Errorf("unit %s already registered", u.Name)
	}

	u.enabled.Store(true)
	r.units[u.Name] = u
	r.order = append(r.order, u.Name)

	// Cycles must be caught at registration, not first use.
	if _, err := r.orderLocked(r.order); err != nil {
		delete(r.units, u.Name)
		r.order = r.order[:len(r.order)-1]
		return err
	}

	return nil
}

// Get returns a unit by name.
func (r *Registry) Get(name string) (*Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.units[name]
	return u, ok
}

// Names returns all registered unit names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Views returns control-plane projections of all units in
// registration order.
func (r *Registry) Views() []View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]View, 0, len(r.order))
	for _, name := range r.order {
		views = append(views, r.units[name].View())
	}
	return views
}

// SetEnabled toggles a unit's enabled flag.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.RLock()
	u, ok := r.units[name]
	r.mu.RUnlock()

	if !ok {
		return &UnknownUnitError{Name: name}
	}
	u.SetEnabled(enabled)
	return nil
}

// DependenciesOf returns the direct dependency names of a unit.
func (r *Registry) DependenciesOf(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.units[name]
	if !ok {
		return nil, &UnknownUnitError{Name: name}
	}

	deps := make([]string, len(u.DependsOn))
	copy(deps, u.DependsOn)
	return deps, nil
}

// ReverseDependenciesOf returns the names of units that directly
// depend on the given unit, in registration order.
func (r *Registry) ReverseDependenciesOf(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.units[name]; !ok {
		return nil, &UnknownUnitError{Name: name}
	}

	var dependents []string
	for _, candidate := range r.order {
		for _, dep := range r.units[candidate].DependsOn {
			if dep == name {
				dependents = append(dependents, candidate)
				break
			}
		}
	}
	return dependents, nil
}

// CheckDependencies verifies a unit's direct dependencies: each must
// be registered and its probe must report that data exists at all
// (probed with the zero date). Per-date gap detection is a separate
// concern and deliberately not part of this check.
func (r *Registry) CheckDependencies(ctx context.Context, name string) (DependencyCheck, error) {
	r.mu.RLock()
	u, ok := r.units[name]
	r.mu.RUnlock()

	if !ok {
		return DependencyCheck{}, &UnknownUnitError{Name: name}
	}

	check := DependencyCheck{Satisfied: true}
	for _, depName := range u.DependsOn {
		r.mu.RLock()
		dep, registered := r.units[depName]
		r.mu.RUnlock()

		if !registered {
			check.Missing = append(check.Missing, MissingDependency{
				Name:   depName,
				Reason: "not registered",
			})
			continue
		}

		hasData, err := dep.Probe(ctx, time.Time{})
		if err != nil {
			check.Missing = append(check.Missing, MissingDependency{
				Name:   depName,
				Reason: fmt.Sprintf("probe failed: %v", err),
			})
			continue
		}
		if !hasData {
			check.Missing = append(check.Missing, MissingDependency{
				Name:   depName,
				Reason: "no data present",
			})
		}
	}

	check.Satisfied = len(check.Missing) == 0
	return check, nil
}
