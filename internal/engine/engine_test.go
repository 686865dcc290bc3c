package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/datapulse/internal/work"
)

type fakeRecorder struct {
	mu    sync.Mutex
	views []TaskView
}

func (r *fakeRecorder) RecordTask(view TaskView) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, view)
	return nil
}

func (r *fakeRecorder) recorded() []TaskView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskView, len(r.views))
	copy(out, r.views)
	return out
}

func testUnit(name string, fetch work.FetchFunc, deps ...string) *work.Unit {
	return &work.Unit{
		Name:      name,
		DependsOn: deps,
		Cadence:   work.CadenceDaily,
		Probe: func(ctx context.Context, date time.Time) (bool, error) {
			return true, nil
		},
		Fetch: fetch,
	}
}

func okFetch(ctx context.Context, date time.Time) (work.FetchResult, error) {
	return work.FetchResult{RowsWritten: 1}, nil
}

func newTestEngine(t *testing.T, registry *work.Registry, rec Recorder, cfg Config) *Engine {
	t.Helper()
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	e := New(registry, rec, cfg, zerolog.Nop())
	e.Start()
	t.Cleanup(func() { e.Shutdown(5 * time.Second) })
	return e
}

func dates(keys ...string) []time.Time {
	out := make([]time.Time, len(keys))
	for i, k := range keys {
		d, err := time.ParseInLocation("2006-01-02", k, time.UTC)
		if err != nil {
			panic(err)
		}
		out[i] = d
	}
	return out
}

func TestEngine_SubmitAndComplete(t *testing.T) {
	registry := work.NewRegistry()
	require.NoError(t, registry.Register(testUnit("prices", okFetch)))

	rec := &fakeRecorder{}
	e := newTestEngine(t, registry, rec, Config{})

	id, err := e.Submit(context.Background(), "prices", KindBackfill, dates("2026-08-17", "2026-08-18"), SubmitOptions{})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, 2, view.Processed)
	assert.Equal(t, 2, view.Total)
	assert.Equal(t, 2, view.RowsWritten)
	assert.Empty(t, view.Errors)

	recorded := rec.recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, id, recorded[0].ID)
}

func TestEngine_UnknownUnit(t *testing.T) {
	e := newTestEngine(t, work.NewRegistry(), nil, Config{})

	_, err := e.Submit(context.Background(), "nope", KindIncremental, nil, SubmitOptions{})
	var unknown *work.UnknownUnitError
	assert.ErrorAs(t, err, &unknown)
}

func TestEngine_WorkerBound(t *testing.T) {
	registry := work.NewRegistry()

	var running, peak atomic.Int32
	release := make(chan struct{})
	fetch := func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-release
		running.Add(-1)
		return work.FetchResult{}, nil
	}

	for i := 0; i < 10; i++ {
		require.NoError(t, registry.Register(testUnit(fmt.Sprintf("unit%d", i), fetch)))
	}

	e := newTestEngine(t, registry, nil, Config{Workers: 3})

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		id, err := e.Submit(context.Background(), fmt.Sprintf("unit%d", i), KindIncremental, nil, SubmitOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Let the pool saturate before opening the gate.
	time.Sleep(100 * time.Millisecond)
	close(release)

	for _, id := range ids {
		view, err := e.Wait(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, view.Status)
	}

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(3), peak.Load())
}

func TestEngine_PartialFailurePolicy(t *testing.T) {
	registry := work.NewRegistry()

	fetch := func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		key := date.Format("2006-01-02")
		if key == "2026-08-03" || key == "2026-08-07" {
			return work.FetchResult{}, fmt.Errorf("no data for %s", key)
		}
		return work.FetchResult{RowsWritten: 5}, nil
	}
	require.NoError(t, registry.Register(testUnit("prices", fetch)))

	e := newTestEngine(t, registry, nil, Config{})

	partitions := dates(
		"2026-08-03", "2026-08-04", "2026-08-05", "2026-08-06", "2026-08-07",
		"2026-08-10", "2026-08-11", "2026-08-12", "2026-08-13", "2026-08-14",
	)
	id, err := e.Submit(context.Background(), "prices", KindBackfill, partitions, SubmitOptions{})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)

	// Two bad dates must not block the other eight.
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, 10, view.Processed)
	assert.Equal(t, 40, view.RowsWritten)
	require.Len(t, view.Errors, 2)
	for _, perr := range view.Errors {
		assert.False(t, perr.Transient)
		assert.Equal(t, 1, perr.Attempts)
	}
}

func TestEngine_AllPartitionsFailed(t *testing.T) {
	registry := work.NewRegistry()
	fetch := func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		return work.FetchResult{}, fmt.Errorf("provider rejected request")
	}
	require.NoError(t, registry.Register(testUnit("prices", fetch)))

	e := newTestEngine(t, registry, nil, Config{})

	id, err := e.Submit(context.Background(), "prices", KindBackfill, dates("2026-08-17", "2026-08-18"), SubmitOptions{})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Len(t, view.Errors, 2)
}

func TestEngine_TransientRetry(t *testing.T) {
	registry := work.NewRegistry()

	var calls atomic.Int32
	fetch := func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		if calls.Add(1) < 3 {
			return work.FetchResult{}, work.Transient(fmt.Errorf("rate limited"))
		}
		return work.FetchResult{RowsWritten: 2}, nil
	}
	require.NoError(t, registry.Register(testUnit("prices", fetch)))

	e := newTestEngine(t, registry, nil, Config{})

	id, err := e.Submit(context.Background(), "prices", KindIncremental, nil, SubmitOptions{})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEngine_TransientRetriesExhausted(t *testing.T) {
	registry := work.NewRegistry()

	var calls atomic.Int32
	fetch := func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		calls.Add(1)
		return work.FetchResult{}, work.Transient(fmt.Errorf("rate limited"))
	}
	require.NoError(t, registry.Register(testUnit("prices", fetch)))

	e := newTestEngine(t, registry, nil, Config{MaxAttempts: 3})

	id, err := e.Submit(context.Background(), "prices", KindIncremental, nil, SubmitOptions{})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, view.Errors, 1)
	assert.True(t, view.Errors[0].Transient)
	assert.Equal(t, 3, view.Errors[0].Attempts)
}

func TestEngine_NonTransientNotRetried(t *testing.T) {
	registry := work.NewRegistry()

	var calls atomic.Int32
	fetch := func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		calls.Add(1)
		return work.FetchResult{}, fmt.Errorf("bad symbol")
	}
	require.NoError(t, registry.Register(testUnit("prices", fetch)))

	e := newTestEngine(t, registry, nil, Config{})

	id, err := e.Submit(context.Background(), "prices", KindIncremental, nil, SubmitOptions{})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_DependencyNotSatisfied(t *testing.T) {
	registry := work.NewRegistry()

	prices := testUnit("prices", okFetch)
	prices.Probe = func(ctx context.Context, date time.Time) (bool, error) {
		return false, nil
	}
	require.NoError(t, registry.Register(prices))
	require.NoError(t, registry.Register(testUnit("dividends", okFetch, "prices")))

	e := newTestEngine(t, registry, nil, Config{})

	_, err := e.Submit(context.Background(), "dividends", KindIncremental, nil, SubmitOptions{})
	var unsatisfied *work.DependencyNotSatisfiedError
	require.ErrorAs(t, err, &unsatisfied)
	assert.Equal(t, "dividends", unsatisfied.Unit)
	require.Len(t, unsatisfied.Missing, 1)
	assert.Equal(t, "prices", unsatisfied.Missing[0].Name)
}

func TestEngine_AutoResolveRunsDependencyFirst(t *testing.T) {
	registry := work.NewRegistry()

	var pricesLoaded atomic.Bool
	var order []string
	var orderMu sync.Mutex
	note := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}

	prices := testUnit("prices", func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		note("prices")
		pricesLoaded.Store(true)
		return work.FetchResult{RowsWritten: 100}, nil
	})
	prices.Probe = func(ctx context.Context, date time.Time) (bool, error) {
		return pricesLoaded.Load(), nil
	}
	require.NoError(t, registry.Register(prices))

	dividends := testUnit("dividends", func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		note("dividends")
		return work.FetchResult{RowsWritten: 1}, nil
	}, "prices")
	require.NoError(t, registry.Register(dividends))

	e := newTestEngine(t, registry, nil, Config{})

	id, err := e.Submit(context.Background(), "dividends", KindIncremental, nil, SubmitOptions{AutoResolve: true})
	require.NoError(t, err)

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, view.Status)

	orderMu.Lock()
	defer orderMu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, []string{"prices", "dividends"}, order)
}

func TestEngine_CancelPendingTask(t *testing.T) {
	registry := work.NewRegistry()

	release := make(chan struct{})
	blocking := func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		<-release
		return work.FetchResult{}, nil
	}
	require.NoError(t, registry.Register(testUnit("blocker", blocking)))
	require.NoError(t, registry.Register(testUnit("victim", okFetch)))

	rec := &fakeRecorder{}
	e := newTestEngine(t, registry, rec, Config{Workers: 1})

	blockerID, err := e.Submit(context.Background(), "blocker", KindIncremental, nil, SubmitOptions{})
	require.NoError(t, err)

	victimID, err := e.Submit(context.Background(), "victim", KindIncremental, nil, SubmitOptions{})
	require.NoError(t, err)

	// Give the dispatcher time to start the blocker so the victim is
	// still queued.
	time.Sleep(50 * time.Millisecond)

	assert.True(t, e.Cancel(victimID))
	close(release)

	view, err := e.Wait(context.Background(), victimID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, "canceled", view.Reason)
	assert.Equal(t, 0, view.Processed)

	blockerView, err := e.Wait(context.Background(), blockerID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, blockerView.Status)

	// Cancel on a terminal task reports false.
	assert.False(t, e.Cancel(victimID))
}

func TestEngine_CancelRunningStopsRemainingPartitions(t *testing.T) {
	registry := work.NewRegistry()

	started := make(chan struct{})
	var once sync.Once
	var fetched atomic.Int32
	fetch := func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		once.Do(func() { close(started) })
		fetched.Add(1)
		time.Sleep(20 * time.Millisecond)
		return work.FetchResult{RowsWritten: 1}, nil
	}
	unit := testUnit("prices", fetch)
	unit.RateLimitPerMinute = 0 // no pacing in tests
	require.NoError(t, registry.Register(unit))

	e := newTestEngine(t, registry, nil, Config{MaxPartitionFanout: 1})

	partitions := dates(
		"2026-08-03", "2026-08-04", "2026-08-05", "2026-08-06", "2026-08-07",
		"2026-08-10", "2026-08-11", "2026-08-12", "2026-08-13", "2026-08-14",
	)
	id, err := e.Submit(context.Background(), "prices", KindBackfill, partitions, SubmitOptions{})
	require.NoError(t, err)

	<-started
	assert.True(t, e.Cancel(id))

	view, err := e.Wait(context.Background(), id)
	require.NoError(t, err)

	// Partitions already fetched stand; the rest never started.
	assert.Less(t, int(fetched.Load()), len(partitions))
	assert.Equal(t, StatusCompleted, view.Status)
	assert.Equal(t, int(fetched.Load()), view.Processed)
}

func TestEngine_TasksListsActiveBeforeTerminal(t *testing.T) {
	registry := work.NewRegistry()

	release := make(chan struct{})
	blocking := func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return work.FetchResult{RowsWritten: 1}, nil
	}
	require.NoError(t, registry.Register(testUnit("prices", okFetch)))
	require.NoError(t, registry.Register(testUnit("rates", blocking)))

	e := newTestEngine(t, registry, nil, Config{Workers: 2})
	defer close(release)

	doneID, err := e.Submit(context.Background(), "prices", KindIncremental, nil, SubmitOptions{})
	require.NoError(t, err)
	_, err = e.Wait(context.Background(), doneID)
	require.NoError(t, err)

	runningID, err := e.Submit(context.Background(), "rates", KindIncremental, nil, SubmitOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		view, ok := e.Status(runningID)
		return ok && view.Status == StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	// The running task leads even though it was submitted last.
	views := e.Tasks()
	require.Len(t, views, 2)
	assert.Equal(t, runningID, views[0].ID)
	assert.Equal(t, doneID, views[1].ID)
}

func TestEngine_SetWorkers(t *testing.T) {
	e := newTestEngine(t, work.NewRegistry(), nil, Config{Workers: 3})

	assert.Equal(t, 3, e.Workers())
	require.NoError(t, e.SetWorkers(5))
	assert.Equal(t, 5, e.Workers())
	assert.Error(t, e.SetWorkers(0))
}

func TestEngine_ShutdownFailsPendingTasks(t *testing.T) {
	registry := work.NewRegistry()

	release := make(chan struct{})
	blocking := func(ctx context.Context, date time.Time) (work.FetchResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return work.FetchResult{RowsWritten: 1}, nil
	}
	require.NoError(t, registry.Register(testUnit("blocker", blocking)))
	require.NoError(t, registry.Register(testUnit("queued", okFetch)))

	rec := &fakeRecorder{}
	e := New(registry, rec, Config{Workers: 1, RetryBaseDelay: time.Millisecond}, zerolog.Nop())
	e.Start()

	_, err := e.Submit(context.Background(), "blocker", KindIncremental, nil, SubmitOptions{})
	require.NoError(t, err)
	queuedID, err := e.Submit(context.Background(), "queued", KindIncremental, nil, SubmitOptions{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	defer close(release)

	// The blocker ignores the grace period; it must be abandoned and
	// the queued task failed without ever starting.
	e.Shutdown(200 * time.Millisecond)

	view, ok := e.Status(queuedID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, "shutdown", view.Reason)

	_, err = e.Submit(context.Background(), "queued", KindIncremental, nil, SubmitOptions{})
	assert.Error(t, err)
}

func TestEngine_FanoutDerivation(t *testing.T) {
	e := New(work.NewRegistry(), nil, Config{MaxPartitionFanout: 10, EstimatedCallSeconds: 2.0}, zerolog.Nop())

	tests := []struct {
		name      string
		rateLimit int
		want      int
	}{
		{"no budget uses the cap", 0, 10},
		{"tight budget floors at one", 10, 1},
		{"60 per minute with 2s calls", 60, 2},
		{"300 per minute with 2s calls", 300, 10},
		{"large budget is capped", 1200, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &work.Unit{RateLimitPerMinute: tt.rateLimit}
			assert.Equal(t, tt.want, e.fanout(u))
		})
	}
}
