// Package scheduler drives the timer loop that turns detected data
// gaps into sync tasks. All mutable scheduler state is owned by a
// single goroutine; configuration changes and manual triggers arrive
// as messages on a command channel.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/datapulse/internal/calendar"
	"github.com/aristath/datapulse/internal/engine"
	"github.com/aristath/datapulse/internal/gaps"
	"github.com/aristath/datapulse/internal/work"
)

// maintenanceSpec fires the low-frequency maintenance jobs (history
// retention cleanup, WAL checkpoints) once a day, off trading hours.
const maintenanceSpec = "0 3 * * *"

// Settings is the runtime-mutable scheduler configuration.
type Settings struct {
	MissingCheckSpec  string `json:"missing_check_schedule"`
	SyncSpec          string `json:"sync_schedule"`
	BackfillThreshold int    `json:"backfill_threshold"`
	LookbackDays      int    `json:"lookback_days"`
}

// Validate checks the cron expressions and bounds.
func (s Settings) Validate() error {
	if _, err := cron.ParseStandard(s.MissingCheckSpec); err != nil {
		return fmt.Errorf("invalid missing-check schedule %q: %w", s.MissingCheckSpec, err)
	}
	if _, err := cron.ParseStandard(s.SyncSpec); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.SyncSpec, err)
	}
	if s.BackfillThreshold < 0 {
		return fmt.Errorf("backfill threshold must be non-negative, got %d", s.BackfillThreshold)
	}
	if s.LookbackDays < 1 {
		return fmt.Errorf("lookback must be at least 1 day, got %d", s.LookbackDays)
	}
	return nil
}

// Outcome is what a sync tick did with one unit.
type Outcome string

const (
	// OutcomeSubmitted means a task was handed to the engine.
	OutcomeSubmitted Outcome = "submitted"
	// OutcomeGapAlert means the unit's gap exceeded the backfill
	// threshold and needs manual investigation.
	OutcomeGapAlert Outcome = "gap_alert"
	// OutcomeDependencyMissing means the unit was skipped because a
	// direct dependency had no data at submission time.
	OutcomeDependencyMissing Outcome = "dependency_missing"
	// OutcomeError means submission failed for another reason.
	OutcomeError Outcome = "error"
)

// UnitOutcome records one unit's fate in a sync tick.
type UnitOutcome struct {
	Unit    string  `json:"unit"`
	Outcome Outcome `json:"outcome"`
	TaskID  string  `json:"task_id,omitempty"`
	Missing int     `json:"missing,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

// SyncReport summarizes the most recent sync tick per unit. Gap alerts
// surface here as their own outcome so operators can tell "needs
// investigation" apart from an ordinary task failure.
type SyncReport struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Units      []UnitOutcome `json:"units"`
}

// Job is a maintenance task run on the daily maintenance timer.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type command struct {
	update  *Settings
	trigger string // "sync" or "check"
	reply   chan error
}

// Scheduler owns the two sync timers and the maintenance timer. Ticks
// run in their own goroutines guarded by CAS flags, so a tick that
// fires while the previous run is still working is skipped, never
// duplicated.
type Scheduler struct {
	registry *work.Registry
	engine   *engine.Engine
	calendar *calendar.Service
	detector *gaps.Detector
	jobs     []Job
	clock    Clock
	log      zerolog.Logger

	settings   Settings // owned by the run loop
	settingsMu sync.RWMutex

	lastReport atomic.Pointer[gaps.Report]
	lastSync   atomic.Pointer[SyncReport]

	checkRunning atomic.Bool
	syncRunning  atomic.Bool
	maintRunning atomic.Bool

	commands chan command
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a scheduler. Call Start to begin firing timers.
func New(registry *work.Registry, eng *engine.Engine, cal *calendar.Service, detector *gaps.Detector, jobs []Job, settings Settings, clock Clock, log zerolog.Logger) (*Scheduler, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = SystemClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		registry: registry,
		engine:   eng,
		calendar: cal,
		detector: detector,
		jobs:     jobs,
		clock:    clock,
		log:      log.With().Str("component", "scheduler").Logger(),
		settings: settings,
		commands: make(chan command),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the timer loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info().
		Str("missing_check", s.Settings().MissingCheckSpec).
		Str("sync", s.Settings().SyncSpec).
		Msg("Scheduler started")
}

// Stop halts timer fires and waits for in-progress ticks to notice
// cancellation. Draining the engine is the engine's concern.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
}

// Settings returns the current configuration.
func (s *Scheduler) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// UpdateSettings replaces the configuration. Changed cron specs take
// effect immediately; in-flight ticks are not disturbed.
func (s *Scheduler) UpdateSettings(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.send(command{update: &settings})
}

// TriggerSync runs a sync tick now, outside the timer schedule.
func (s *Scheduler) TriggerSync() error {
	return s.send(command{trigger: "sync"})
}

// TriggerMissingCheck runs a missing-data sweep now.
func (s *Scheduler) TriggerMissingCheck() error {
	return s.send(command{trigger: "check"})
}

// LastReport returns the most recent missing-data report, if any sweep
// has completed yet.
func (s *Scheduler) LastReport() (gaps.Report, bool) {
	r := s.lastReport.Load()
	if r == nil {
		return gaps.Report{}, false
	}
	return *r, true
}

// LastSyncReport returns the per-unit outcomes of the most recent sync
// tick, if one has run yet.
func (s *Scheduler) LastSyncReport() (SyncReport, bool) {
	r := s.lastSync.Load()
	if r == nil {
		return SyncReport{}, false
	}
	return *r, true
}

func (s *Scheduler) send(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case s.commands <- cmd:
		return <-cmd.reply
	case <-s.ctx.Done():
		return fmt.Errorf("scheduler is stopped")
	}
}

// run is the owning goroutine. It tracks the next fire time of each
// timer, sleeps until the earliest one, and dispatches ticks. Command
// messages interrupt the sleep so configuration changes reschedule
// without waiting out the old timer.
func (s *Scheduler) run() {
	defer s.wg.Done()

	settings := s.Settings()
	checkSched, _ := cron.ParseStandard(settings.MissingCheckSpec)
	syncSched, _ := cron.ParseStandard(settings.SyncSpec)
	maintSched, _ := cron.ParseStandard(maintenanceSpec)

	now := s.clock.Now()
	nextCheck := checkSched.Next(now)
	nextSync := syncSched.Next(now)
	nextMaint := maintSched.Next(now)

	for {
		now = s.clock.Now()
		next := nextCheck
		if nextSync.Before(next) {
			next = nextSync
		}
		if nextMaint.Before(next) {
			next = nextMaint
		}

		select {
		case <-s.clock.After(next.Sub(now)):
			now = s.clock.Now()
			if !now.Before(nextCheck) {
				s.spawn(&s.checkRunning, "missing-check", func(ctx context.Context) { s.runMissingCheck(ctx) })
				nextCheck = checkSched.Next(now)
			}
			if !now.Before(nextSync) {
				s.spawn(&s.syncRunning, "sync", s.runSync)
				nextSync = syncSched.Next(now)
			}
			if !now.Before(nextMaint) {
				s.spawn(&s.maintRunning, "maintenance", s.runMaintenance)
				nextMaint = maintSched.Next(now)
			}

		case cmd := <-s.commands:
			if cmd.update != nil {
				s.settingsMu.Lock()
				s.settings = *cmd.update
				s.settingsMu.Unlock()

				checkSched, _ = cron.ParseStandard(cmd.update.MissingCheckSpec)
				syncSched, _ = cron.ParseStandard(cmd.update.SyncSpec)
				now = s.clock.Now()
				nextCheck = checkSched.Next(now)
				nextSync = syncSched.Next(now)
				s.log.Info().
					Str("missing_check", cmd.update.MissingCheckSpec).
					Str("sync", cmd.update.SyncSpec).
					Int("threshold", cmd.update.BackfillThreshold).
					Msg("Scheduler reconfigured")
			}
			switch cmd.trigger {
			case "sync":
				s.spawn(&s.syncRunning, "sync", s.runSync)
			case "check":
				s.spawn(&s.checkRunning, "missing-check", func(ctx context.Context) { s.runMissingCheck(ctx) })
			}
			cmd.reply <- nil

		case <-s.ctx.Done():
			return
		}
	}
}

// spawn starts a tick goroutine unless the previous run of the same
// tick is still in progress.
func (s *Scheduler) spawn(guard *atomic.Bool, name string, tick func(ctx context.Context)) {
	if !guard.CompareAndSwap(false, true) {
		s.log.Warn().Str("tick", name).Msg("Previous tick still running, skipping")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer guard.Store(false)
		tick(s.ctx)
	}()
}

// runMissingCheck is the 16:00 tick: sweep for gaps and remember the
// report for the next sync tick. It acts on trading days only.
func (s *Scheduler) runMissingCheck(ctx context.Context) (gaps.Report, bool) {
	today := calendar.Normalize(s.clock.Now().UTC())
	open, err := s.calendar.IsTradingDay(today)
	if err != nil {
		s.log.Error().Err(err).Msg("Missing-data check aborted, calendar unavailable")
		return gaps.Report{}, false
	}
	if !open {
		s.log.Debug().Str("date", calendar.DateKey(today)).Msg("Not a trading day, skipping missing-data check")
		return gaps.Report{}, false
	}

	settings := s.Settings()
	report, err := s.detector.Detect(ctx, settings.LookbackDays)
	if err != nil {
		s.log.Error().Err(err).Msg("Missing-data detection failed")
		return gaps.Report{}, false
	}

	s.lastReport.Store(&report)
	s.log.Info().
		Int("units", len(report.Units)).
		Int("missing_total", report.TotalMissing()).
		Msg("Missing-data sweep complete")
	return report, true
}

// runSync is the 18:00 tick: order the enabled units, decide each
// unit's task shape from the latest gap report, and submit in
// dependency order. Only calendar unavailability and a dependency
// cycle abort the tick; everything else is per-unit.
func (s *Scheduler) runSync(ctx context.Context) {
	settings := s.Settings()
	today := calendar.Normalize(s.clock.Now().UTC())

	sync := SyncReport{StartedAt: s.clock.Now().UTC()}
	defer func() {
		sync.FinishedAt = s.clock.Now().UTC()
		s.lastSync.Store(&sync)
	}()

	report, ok := s.latestReport(ctx)
	if !ok {
		return
	}

	enabled := s.enabledUnits()
	if len(enabled) == 0 {
		s.log.Info().Msg("No enabled units, nothing to sync")
		return
	}

	order, err := s.registry.TopologicalOrder(enabled)
	if err != nil {
		s.log.Error().Err(err).Msg("Sync tick aborted, cannot order units")
		return
	}

	missing, err := missingByUnit(report)
	if err != nil {
		s.log.Error().Err(err).Msg("Sync tick aborted, malformed gap report")
		return
	}

	taskByUnit := make(map[string]string, len(order))
	for _, name := range order {
		if ctx.Err() != nil {
			return
		}

		unit, ok := s.registry.Get(name)
		if !ok || !unit.Enabled() {
			continue
		}

		// A unit starts only after its direct dependencies' tasks
		// from this tick are terminal, success or failure alike.
		for _, dep := range unit.DependsOn {
			if depID, submitted := taskByUnit[dep]; submitted {
				if _, err := s.engine.Wait(ctx, depID); err != nil {
					return
				}
			}
		}

		decision := DecideBackfill(missing[name], today, settings.BackfillThreshold)
		if decision.Action == ActionSkip {
			s.log.Error().
				Str("unit", name).
				Int("missing", len(missing[name])).
				Int("threshold", settings.BackfillThreshold).
				Msg("Gap too large to auto-heal, unit skipped; investigate upstream")
			sync.Units = append(sync.Units, UnitOutcome{
				Unit:    name,
				Outcome: OutcomeGapAlert,
				Missing: len(missing[name]),
				Detail:  fmt.Sprintf("%d missing days exceed threshold %d", len(missing[name]), settings.BackfillThreshold),
			})
			continue
		}

		kind := engine.KindIncremental
		if decision.Action == ActionBackfill {
			kind = engine.KindBackfill
		}

		id, err := s.engine.Submit(ctx, name, kind, decision.Partitions, engine.SubmitOptions{})
		if err != nil {
			var dnse *work.DependencyNotSatisfiedError
			if errors.As(err, &dnse) {
				s.log.Warn().
					Str("unit", name).
					Interface("missing", dnse.Missing).
					Msg("Dependencies not satisfied, unit skipped this tick")
				sync.Units = append(sync.Units, UnitOutcome{
					Unit:    name,
					Outcome: OutcomeDependencyMissing,
					Detail:  err.Error(),
				})
			} else {
				s.log.Error().Err(err).Str("unit", name).Msg("Task submission failed")
				sync.Units = append(sync.Units, UnitOutcome{
					Unit:    name,
					Outcome: OutcomeError,
					Detail:  err.Error(),
				})
			}
			continue
		}
		taskByUnit[name] = id
		sync.Units = append(sync.Units, UnitOutcome{Unit: name, Outcome: OutcomeSubmitted, TaskID: id})

		s.log.Info().
			Str("unit", name).
			Str("task_id", id).
			Str("action", string(decision.Action)).
			Int("partitions", len(decision.Partitions)).
			Msg("Sync task submitted")
	}
}

// latestReport returns the report from the most recent missing-data
// sweep, running one inline when no sweep has happened yet (for
// example right after startup).
func (s *Scheduler) latestReport(ctx context.Context) (gaps.Report, bool) {
	if r := s.lastReport.Load(); r != nil {
		return *r, true
	}

	s.log.Info().Msg("No missing-data report yet, sweeping before sync")
	settings := s.Settings()
	report, err := s.detector.Detect(ctx, settings.LookbackDays)
	if err != nil {
		s.log.Error().Err(err).Msg("Sync tick aborted, missing-data detection failed")
		return gaps.Report{}, false
	}
	s.lastReport.Store(&report)
	return report, true
}

// runMaintenance executes the registered maintenance jobs.
func (s *Scheduler) runMaintenance(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}
		if err := job.Run(ctx); err != nil {
			s.log.Error().Err(err).Str("job", job.Name()).Msg("Maintenance job failed")
			continue
		}
		s.log.Debug().Str("job", job.Name()).Msg("Maintenance job complete")
	}
}

// enabledUnits lists enabled unit names in registration order.
func (s *Scheduler) enabledUnits() []string {
	var names []string
	for _, name := range s.registry.Names() {
		if u, ok := s.registry.Get(name); ok && u.Enabled() {
			names = append(names, name)
		}
	}
	return names
}

// missingByUnit parses the report's date keys back into partitions.
func missingByUnit(report gaps.Report) (map[string][]time.Time, error) {
	missing := make(map[string][]time.Time, len(report.Units))
	for _, ur := range report.Units {
		for _, key := range ur.Missing {
			day, err := time.ParseInLocation("2006-01-02", key, time.UTC)
			if err != nil {
				return nil, fmt.Errorf("parsing missing date %q for %s: %w", key, ur.Unit, err)
			}
			missing[ur.Unit] = append(missing[ur.Unit], day)
		}
	}
	return missing, nil
}
