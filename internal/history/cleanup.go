package history

import (
	"context"
	"sync/atomic"
	"time"
)

// CleanupJob trims expired task history on the maintenance schedule.
// The retention window is adjustable at runtime from the control plane.
type CleanupJob struct {
	store     *Store
	retention atomic.Int64 // nanoseconds
}

// NewCleanupJob creates a cleanup job with the given retention window.
func NewCleanupJob(store *Store, retention time.Duration) *CleanupJob {
	j := &CleanupJob{store: store}
	j.retention.Store(int64(retention))
	return j
}

// Name identifies the job in logs.
func (j *CleanupJob) Name() string {
	return "task-history-cleanup"
}

// Retention returns the current retention window.
func (j *CleanupJob) Retention() time.Duration {
	return time.Duration(j.retention.Load())
}

// SetRetention replaces the retention window. Takes effect on the next
// run.
func (j *CleanupJob) SetRetention(d time.Duration) {
	j.retention.Store(int64(d))
}

// Run deletes records older than the retention window.
func (j *CleanupJob) Run(ctx context.Context) error {
	_, err := j.store.CleanupOlderThan(ctx, j.Retention())
	return err
}
