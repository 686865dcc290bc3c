package engine

import (
	"sync"
	"time"

	"github.com/aristath/datapulse/internal/calendar"
)

// Kind is the shape of a sync task.
type Kind string

const (
	// KindFull re-ingests the unit's entire history as one partition.
	KindFull Kind = "full"
	// KindIncremental ingests a single partition, normally today.
	KindIncremental Kind = "incremental"
	// KindBackfill ingests an explicit list of historical partitions.
	KindBackfill Kind = "backfill"
)

// Status is the task lifecycle state. Terminal states are final.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PartitionError records the permanent failure of one date partition.
type PartitionError struct {
	Date      string `json:"date"` // YYYY-MM-DD, or "all" for the full-history partition
	Message   string `json:"message"`
	Transient bool   `json:"transient"` // true when retries were exhausted on a transient failure
	Attempts  int    `json:"attempts"`
}

// Task is one execution attempt against one unit. The engine owns the
// task exclusively while it runs; once terminal, it is handed to the
// history recorder.
type Task struct {
	mu sync.Mutex

	id         string
	unit       string
	kind       Kind
	partitions []time.Time

	status      Status
	reason      string // populated for failures with a non-partition cause (canceled, shutdown)
	processed   int
	succeeded   int
	rowsWritten int
	errors      []PartitionError

	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time

	canceled bool
	done     chan struct{}
}

// TaskView is an immutable snapshot of a task, safe to poll while the
// task is running.
type TaskView struct {
	ID          string           `json:"id"`
	Unit        string           `json:"unit"`
	Kind        Kind             `json:"kind"`
	Partitions  []string         `json:"partitions"`
	Status      Status           `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	Processed   int              `json:"processed"`
	Total       int              `json:"total"`
	RowsWritten int              `json:"rows_written"`
	Errors      []PartitionError `json:"errors,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
}

func newTask(id, unit string, kind Kind, partitions []time.Time) *Task {
	return &Task{
		id:         id,
		unit:       unit,
		kind:       kind,
		partitions: partitions,
		status:     StatusPending,
		createdAt:  time.Now(),
		done:       make(chan struct{}),
	}
}

// partitionKey renders a partition date for error and history records.
func partitionKey(t time.Time) string {
	if t.IsZero() {
		return "all"
	}
	return calendar.DateKey(t)
}

// View returns a consistent snapshot of the task.
func (t *Task) View() TaskView {
	t.mu.Lock()
	defer t.mu.Unlock()

	parts := make([]string, len(t.partitions))
	for i, p := range t.partitions {
		parts[i] = partitionKey(p)
	}

	errs := make([]PartitionError, len(t.errors))
	copy(errs, t.errors)

	return TaskView{
		ID:          t.id,
		Unit:        t.unit,
		Kind:        t.kind,
		Partitions:  parts,
		Status:      t.status,
		Reason:      t.reason,
		Processed:   t.processed,
		Total:       len(t.partitions),
		RowsWritten: t.rowsWritten,
		Errors:      errs,
		CreatedAt:   t.createdAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
	}
}

// markRunning transitions pending -> running.
func (t *Task) markRunning() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = StatusRunning
	t.startedAt = time.Now()
}

// recordSuccess updates progress after one partition succeeds.
func (t *Task) recordSuccess(rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed++
	t.succeeded++
	t.rowsWritten += rows
}

// recordFailure updates progress after one partition fails permanently.
func (t *Task) recordFailure(perr PartitionError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.processed++
	t.errors = append(t.errors, perr)
}

// cancelRequested reports whether cancellation was requested. It is
// consulted between partitions; a partition already mid-flight is
// never interrupted.
func (t *Task) cancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

func (t *Task) requestCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.canceled = true
}

// finish transitions the task to its terminal state. The partial
// failure policy is deliberate: a task fails only when nothing
// succeeded, otherwise it completes with its errors on record.
func (t *Task) finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return
	}

	switch {
	case t.succeeded > 0:
		t.status = StatusCompleted
	case len(t.errors) > 0:
		t.status = StatusFailed
	case t.canceled:
		t.status = StatusFailed
		t.reason = "canceled"
	default:
		// No partitions at all; nothing to do counts as success.
		t.status = StatusCompleted
	}

	t.completedAt = time.Now()
	close(t.done)
}

// abort forces a terminal failed state with an explicit reason,
// bypassing the partial-failure policy. Used for cancellation of
// pending tasks and shutdown abandonment.
func (t *Task) abort(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return
	}
	t.status = StatusFailed
	t.reason = reason
	t.completedAt = time.Now()
	close(t.done)
}
