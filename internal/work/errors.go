package work

import (
	"fmt"
	"strings"
)

// CyclicDependencyError reports a dependency cycle between units.
// Cycles are fatal: they are rejected at registration time and again
// on every ordering request.
type CyclicDependencyError struct {
	// Cycle is the path through the cycle, ending where it started
	// (e.g. [a b a]).
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Cycle, " -> "))
}

// MissingDependency describes one unsatisfied direct dependency.
type MissingDependency struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// DependencyCheck is the result of checking a unit's direct dependencies.
type DependencyCheck struct {
	Satisfied bool                `json:"satisfied"`
	Missing   []MissingDependency `json:"missing,omitempty"`
}

// DependencyNotSatisfiedError is returned when a unit is submitted for
// execution while one or more of its direct dependencies has no data.
// It is recoverable: the caller may run the missing dependencies first,
// or request auto-resolution on submit.
type DependencyNotSatisfiedError struct {
	Unit    string
	Missing []MissingDependency
}

func (e *DependencyNotSatisfiedError) Error() string {
	names := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		names[i] = m.Name
	}
	return fmt.Sprintf("dependencies not satisfied for %s: %s", e.Unit, strings.Join(names, ", "))
}

// UnknownUnitError is returned when an operation names an unregistered unit.
type UnknownUnitError struct {
	Name string
}

func (e *UnknownUnitError) Error() string {
	return fmt.Sprintf("unknown unit: %s", e.Name)
}
