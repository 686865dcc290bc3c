// Package engine executes sync tasks against registered units with two
// levels of bounded parallelism: at most K tasks run concurrently, and
// within a task at most M partitions are in flight, where M is derived
// from the unit's upstream rate limit.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/datapulse/internal/calendar"
	"github.com/aristath/datapulse/internal/work"
)

const (
	// partitionTimeout bounds a single fetch call.
	partitionTimeout = 5 * time.Minute

	// terminalRetained caps how many terminal tasks stay queryable in
	// memory; older ones live only in the history store.
	terminalRetained = 200
)

// Recorder receives terminal task snapshots for persistence. The engine
// never reads history back; recording failures are logged and dropped.
type Recorder interface {
	RecordTask(view TaskView) error
}

// Config carries the engine's tunables.
type Config struct {
	// Workers is K, the task-level concurrency bound.
	Workers int
	// MaxPartitionFanout caps M regardless of rate limit headroom.
	MaxPartitionFanout int
	// EstimatedCallSeconds is the assumed duration of one fetch call,
	// used to size M against the unit's per-minute budget.
	EstimatedCallSeconds float64
	// MaxAttempts bounds retries of transient partition failures.
	MaxAttempts int
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.MaxPartitionFanout <= 0 {
		c.MaxPartitionFanout = 10
	}
	if c.EstimatedCallSeconds <= 0 {
		c.EstimatedCallSeconds = 2.0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
}

// SubmitOptions modifies a single submission.
type SubmitOptions struct {
	// AutoResolve makes Submit recursively run missing dependencies
	// before the requested unit. The call then blocks until those
	// dependency tasks reach a terminal state.
	AutoResolve bool
}

// Engine runs tasks from a FIFO queue through a resizable pool of K
// slots. A single dispatcher goroutine owns admission; each admitted
// task gets its own goroutine which fans partitions out internally.
type Engine struct {
	registry *work.Registry
	recorder Recorder
	log      zerolog.Logger

	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	tasks    map[string]*Task
	pending  []*Task
	terminal []string // terminal task ids, oldest first
	running  int
	workers  int
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Call Start before submitting.
func New(registry *work.Registry, recorder Recorder, cfg Config, log zerolog.Logger) *Engine {
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry: registry,
		recorder: recorder,
		log:      log.With().Str("component", "engine").Logger(),
		cfg:      cfg,
		tasks:    make(map[string]*Task),
		workers:  cfg.Workers,
		ctx:      ctx,
		cancel:   cancel,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Start launches the dispatcher.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.dispatch()
	e.log.Info().Int("workers", e.workers).Msg("Engine started")
}

// Workers returns the current task concurrency bound.
func (e *Engine) Workers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workers
}

// SetWorkers resizes the task concurrency bound. Shrinking never
// interrupts running tasks; the pool drains down to the new bound as
// tasks finish.
func (e *Engine) SetWorkers(n int) error {
	if n < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", n)
	}

	e.mu.Lock()
	e.workers = n
	e.mu.Unlock()
	e.cond.Broadcast()

	e.log.Info().Int("workers", n).Msg("Worker pool resized")
	return nil
}

// Submit enqueues a task for the named unit and returns its id. The
// unit's direct dependencies must have data; otherwise Submit returns
// a DependencyNotSatisfiedError, unless opts.AutoResolve is set, in
// which case missing registered dependencies are synced first.
func (e *Engine) Submit(ctx context.Context, unitName string, kind Kind, partitions []time.Time, opts SubmitOptions) (string, error) {
	unit, ok := e.registry.Get(unitName)
	if !ok {
		return "", &work.UnknownUnitError{Name: unitName}
	}

	check, err := e.registry.CheckDependencies(ctx, unitName)
	if err != nil {
		return "", err
	}
	if !check.Satisfied {
		if !opts.AutoResolve {
			return "", &work.DependencyNotSatisfiedError{Unit: unitName, Missing: check.Missing}
		}
		if err := e.resolveDependencies(ctx, unitName, check.Missing); err != nil {
			return "", err
		}
	}

	switch kind {
	case KindFull:
		partitions = []time.Time{{}}
	case KindIncremental:
		if len(partitions) == 0 {
			partitions = []time.Time{calendar.Normalize(time.Now().UTC())}
		}
	case KindBackfill:
		if len(partitions) == 0 {
			return "", fmt.Errorf("backfill for %s requires at least one partition", unitName)
		}
	default:
		return "", fmt.Errorf("unknown task kind: %s", kind)
	}

	normalized := make([]time.Time, len(partitions))
	for i, p := range partitions {
		if p.IsZero() {
			normalized[i] = p
		} else {
			normalized[i] = calendar.Normalize(p)
		}
	}

	task := newTask(uuid.New().String(), unit.Name, kind, normalized)

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return "", fmt.Errorf("engine is shutting down")
	}
	e.tasks[task.id] = task
	e.pending = append(e.pending, task)
	e.mu.Unlock()
	e.cond.Broadcast()

	e.log.Debug().
		Str("task_id", task.id).
		Str("unit", unit.Name).
		Str("kind", string(kind)).
		Int("partitions", len(normalized)).
		Msg("Task submitted")

	return task.id, nil
}

// resolveDependencies runs a full sync for each missing dependency and
// waits for it, depth first. Unregistered dependencies cannot be
// resolved and fail the submission.
func (e *Engine) resolveDependencies(ctx context.Context, unitName string, missing []work.MissingDependency) error {
	for _, m := range missing {
		if _, registered := e.registry.Get(m.Name); !registered {
			return &work.DependencyNotSatisfiedError{Unit: unitName, Missing: []work.MissingDependency{m}}
		}

		e.log.Info().
			Str("unit", unitName).
			Str("dependency", m.Name).
			Str("reason", m.Reason).
			Msg("Auto-resolving missing dependency")

		depID, err := e.Submit(ctx, m.Name, KindFull, nil, SubmitOptions{AutoResolve: true})
		if err != nil {
			return fmt.Errorf("auto-resolving %s for %s: %w", m.Name, unitName, err)
		}

		view, err := e.Wait(ctx, depID)
		if err != nil {
			return fmt.Errorf("waiting on dependency %s for %s: %w", m.Name, unitName, err)
		}
		if view.Status != StatusCompleted {
			return fmt.Errorf("dependency sync %s for %s ended %s", m.Name, unitName, view.Status)
		}
	}
	return nil
}

// Status returns a snapshot of a task.
func (e *Engine) Status(id string) (TaskView, bool) {
	e.mu.Lock()
	task, ok := e.tasks[id]
	e.mu.Unlock()

	if !ok {
		return TaskView{}, false
	}
	return task.View(), true
}

// Tasks returns snapshots of every task still held in memory, pending
// and running first, then terminal tasks, newest first within each
// group.
func (e *Engine) Tasks() []TaskView {
	e.mu.Lock()
	all := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		all = append(all, t)
	}
	e.mu.Unlock()

	views := make([]TaskView, 0, len(all))
	for _, t := range all {
		views = append(views, t.View())
	}
	sort.Slice(views, func(i, j int) bool {
		ti, tj := views[i].Status.Terminal(), views[j].Status.Terminal()
		if ti != tj {
			return !ti
		}
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// Cancel requests cancellation of a task. A pending task is removed
// from the queue and failed immediately. A running task stops starting
// new partitions; in-flight partitions finish. Returns false when the
// task is unknown or already terminal.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	task, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return false
	}

	for i, p := range e.pending {
		if p.id == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			e.mu.Unlock()

			task.abort("canceled")
			e.retire(task)
			e.log.Info().Str("task_id", id).Msg("Pending task canceled")
			return true
		}
	}
	e.mu.Unlock()

	if task.View().Status.Terminal() {
		return false
	}

	task.requestCancel()
	e.log.Info().Str("task_id", id).Msg("Cancellation requested")
	return true
}

// Wait blocks until the task reaches a terminal state or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (TaskView, error) {
	e.mu.Lock()
	task, ok := e.tasks[id]
	e.mu.Unlock()

	if !ok {
		return TaskView{}, fmt.Errorf("unknown task: %s", id)
	}

	select {
	case <-task.done:
		return task.View(), nil
	case <-ctx.Done():
		return TaskView{}, ctx.Err()
	}
}

// Shutdown stops admission and waits up to grace for running tasks to
// finish. Tasks still running after the grace period are abandoned and
// recorded as failed; pending tasks are failed immediately.
func (e *Engine) Shutdown(grace time.Duration) {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	abandoned := e.pending
	e.pending = nil
	e.mu.Unlock()
	e.cond.Broadcast()

	for _, task := range abandoned {
		task.abort("shutdown")
		e.retire(task)
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info().Msg("Engine drained")
	case <-time.After(grace):
		e.log.Warn().Dur("grace", grace).Msg("Grace period elapsed, abandoning running tasks")
		e.cancel()
		e.mu.Lock()
		for _, task := range e.tasks {
			if !task.View().Status.Terminal() {
				task.abort("shutdown")
			}
		}
		e.mu.Unlock()
		<-done
	}

	e.cancel()
}

// dispatch is the single admission loop: it pops the queue head
// whenever a slot is free and spawns the task goroutine.
func (e *Engine) dispatch() {
	defer e.wg.Done()

	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		for !e.stopping && (len(e.pending) == 0 || e.running >= e.workers) {
			e.cond.Wait()
		}
		if e.stopping {
			return
		}

		task := e.pending[0]
		e.pending = e.pending[1:]
		e.running++

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runTask(task)

			e.mu.Lock()
			e.running--
			e.mu.Unlock()
			e.cond.Broadcast()
		}()
	}
}

// retire records a terminal task to history and trims the in-memory
// terminal window.
func (e *Engine) retire(task *Task) {
	view := task.View()

	if e.recorder != nil {
		if err := e.recorder.RecordTask(view); err != nil {
			e.log.Error().Err(err).Str("task_id", view.ID).Msg("Failed to record task history")
		}
	}

	e.mu.Lock()
	e.terminal = append(e.terminal, view.ID)
	for len(e.terminal) > terminalRetained {
		delete(e.tasks, e.terminal[0])
		e.terminal = e.terminal[1:]
	}
	e.mu.Unlock()
}
