package engine

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aristath/datapulse/internal/work"
)

// fanout derives M, the intra-task partition concurrency, from the
// unit's per-minute call budget and the assumed call duration. A unit
// allowed 60 calls/min with 2s calls can keep two calls in flight
// without ever exceeding its budget.
func (e *Engine) fanout(u *work.Unit) int {
	if u.RateLimitPerMinute <= 0 {
		return e.cfg.MaxPartitionFanout
	}

	m := int(math.Floor(float64(u.RateLimitPerMinute) * e.cfg.EstimatedCallSeconds / 60.0))
	if m < 1 {
		m = 1
	}
	if m > e.cfg.MaxPartitionFanout {
		m = e.cfg.MaxPartitionFanout
	}
	return m
}

// pacer builds the request-rate limiter for a unit, or nil when the
// unit declares no budget.
func (e *Engine) pacer(u *work.Unit) *rate.Limiter {
	if u.RateLimitPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(u.RateLimitPerMinute)/60.0), 1)
}

// runTask executes every partition of a task and drives it to a
// terminal state. The unit may have been disabled since submission;
// explicit submissions still run, disabling only affects scheduling.
func (e *Engine) runTask(task *Task) {
	unit, ok := e.registry.Get(task.unit)
	if !ok {
		task.abort("unit no longer registered")
		e.retire(task)
		return
	}

	task.markRunning()
	m := e.fanout(unit)
	limiter := e.pacer(unit)

	e.log.Info().
		Str("task_id", task.id).
		Str("unit", task.unit).
		Str("kind", string(task.kind)).
		Int("partitions", len(task.partitions)).
		Int("fanout", m).
		Msg("Task started")

	indices := make(chan int)
	var wg sync.WaitGroup

	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range indices {
				e.runPartition(task, unit, limiter, task.partitions[idx])
			}
		}()
	}

feed:
	for i := range task.partitions {
		if task.cancelRequested() || e.ctx.Err() != nil {
			break feed
		}
		select {
		case indices <- i:
		case <-e.ctx.Done():
			break feed
		}
	}
	close(indices)
	wg.Wait()

	task.finish()
	e.retire(task)

	view := task.View()
	e.log.Info().
		Str("task_id", task.id).
		Str("unit", task.unit).
		Str("status", string(view.Status)).
		Int("processed", view.Processed).
		Int("rows_written", view.RowsWritten).
		Int("errors", len(view.Errors)).
		Msg("Task finished")
}

// runPartition fetches a single date partition, retrying transient
// failures with jittered exponential backoff.
func (e *Engine) runPartition(task *Task, unit *work.Unit, limiter *rate.Limiter, date time.Time) {
	var lastErr error
	attempts := 0

	for attempts < e.cfg.MaxAttempts {
		if limiter != nil {
			if err := limiter.Wait(e.ctx); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		ctx, cancel := context.WithTimeout(e.ctx, partitionTimeout)
		result, err := unit.Fetch(ctx, date)
		cancel()

		if err == nil {
			task.recordSuccess(result.RowsWritten)
			return
		}
		lastErr = err

		if !work.IsTransient(err) || attempts >= e.cfg.MaxAttempts {
			break
		}

		delay := e.backoff(attempts)
		e.log.Warn().
			Str("task_id", task.id).
			Str("unit", task.unit).
			Str("partition", partitionKey(date)).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Err(err).
			Msg("Transient partition failure, retrying")

		select {
		case <-time.After(delay):
		case <-e.ctx.Done():
		}
		if e.ctx.Err() != nil {
			lastErr = e.ctx.Err()
			break
		}
	}

	task.recordFailure(PartitionError{
		Date:      partitionKey(date),
		Message:   lastErr.Error(),
		Transient: work.IsTransient(lastErr),
		Attempts:  attempts,
	})

	e.log.Error().
		Str("task_id", task.id).
		Str("unit", task.unit).
		Str("partition", partitionKey(date)).
		Int("attempts", attempts).
		Err(lastErr).
		Msg("Partition failed permanently")
}

// backoff returns the delay before the next attempt: base doubled per
// attempt, with up to 25% jitter.
func (e *Engine) backoff(attempt int) time.Duration {
	base := e.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
	jitter := time.Duration(rand.Int63n(int64(base)/4 + 1))
	return base + jitter
}
