// Package work holds the registry of ingestible data units and the
// dependency resolver over them. A unit declares what it depends on,
// how often its data changes, and how to probe and fetch a single date
// partition; everything else (scheduling, execution, gap detection)
// is built on top of this registry.
package work

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// Cadence describes how often a unit's data is expected to change.
type Cadence string

const (
	// CadenceDaily units produce one partition per trading day.
	CadenceDaily Cadence = "daily"
	// CadenceWeekly units refresh once per week.
	CadenceWeekly Cadence = "weekly"
	// CadenceOther covers irregular refresh patterns (quarterly
	// fundamentals, ad hoc reference data).
	CadenceOther Cadence = "other"
)

// FetchResult is the outcome of one partition fetch as reported by the
// external fetch/transform/load collaborator.
type FetchResult struct {
	RowsWritten int
}

// FetchFunc loads one date partition for a unit. The zero time is the
// "all history" partition used by full syncs. Transient failures are
// wrapped with Transient() so the engine knows to retry them.
type FetchFunc func(ctx context.Context, date time.Time) (FetchResult, error)

// HasDataFunc is the unit's data-existence probe. The zero time asks
// "does any data exist at all" (used for dependency satisfaction);
// a concrete date asks about that partition (used for gap detection).
type HasDataFunc func(ctx context.Context, date time.Time) (bool, error)

// TransientError marks a fetch failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Unit describes one ingestible data source. Units are registered once
// at process start and are immutable afterwards, except for the
// enabled flag which the control plane can toggle at runtime.
type Unit struct {
	// Name is the unique identifier (e.g. "prices:daily").
	Name string

	// DependsOn lists unit names whose data must be present before
	// this unit runs.
	DependsOn []string

	// Cadence is how often this unit's data changes.
	Cadence Cadence

	// RateLimitPerMinute is the upstream provider's declared call
	// budget, used to size intra-task partition concurrency.
	RateLimitPerMinute int

	// Probe answers whether data already exists for a date.
	Probe HasDataFunc

	// Fetch loads one date partition.
	Fetch FetchFunc

	enabled atomic.Bool
}

// Enabled reports whether the unit participates in scheduling.
func (u *Unit) Enabled() bool {
	return u.enabled.Load()
}

// SetEnabled toggles the unit's participation in scheduling.
func (u *Unit) SetEnabled(v bool) {
	u.enabled.Store(v)
}

// View is a read-only projection of a unit for the control plane.
type View struct {
	Name               string   `json:"name"`
	DependsOn          []string `json:"depends_on"`
	Cadence            Cadence  `json:"cadence"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute"`
	Enabled            bool     `json:"enabled"`
}

// View returns the unit's control-plane projection.
func (u *Unit) View() View {
	deps := make([]string, len(u.DependsOn))
	copy(deps, u.DependsOn)
	return View{
		Name:               u.Name,
		DependsOn:          deps,
		Cadence:            u.Cadence,
		RateLimitPerMinute: u.RateLimitPerMinute,
		Enabled:            u.Enabled(),
	}
}
