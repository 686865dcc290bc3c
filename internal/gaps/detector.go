// Package gaps detects missing date partitions by probing units
// against the trading calendar.
package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/datapulse/internal/calendar"
	"github.com/aristath/datapulse/internal/utils"
	"github.com/aristath/datapulse/internal/work"
)

// UnitReport lists the missing trading-day partitions of one unit.
type UnitReport struct {
	Unit    string   `json:"unit"`
	Checked int      `json:"checked"`
	Missing []string `json:"missing,omitempty"` // YYYY-MM-DD, ascending
}

// Report is the outcome of one detection sweep.
type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Window      Window       `json:"window"`
	Units       []UnitReport `json:"units"`
}

// Window describes the trading-day range that was inspected.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  int    `json:"days"`
}

// TotalMissing counts missing partitions across all units.
func (r Report) TotalMissing() int {
	total := 0
	for _, u := range r.Units {
		total += len(u.Missing)
	}
	return total
}

// Detector probes daily units over a recent trading-day window.
type Detector struct {
	registry *work.Registry
	calendar *calendar.Service
	now      func() time.Time
	log      zerolog.Logger
}

// NewDetector creates a gap detector. The now function anchors the
// detection window; nil falls back to the system clock. Callers that
// schedule against an injected clock must pass the same time source
// here, or the window drifts from the tick's notion of today.
func NewDetector(registry *work.Registry, cal *calendar.Service, now func() time.Time, log zerolog.Logger) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{
		registry: registry,
		calendar: cal,
		now:      now,
		log:      log.With().Str("component", "gaps").Logger(),
	}
}

// Detect probes every enabled daily unit for each of the most recent
// lookbackDays trading days ending yesterday. Today is excluded
// because its data may legitimately not exist yet. Probe errors fail
// the sweep rather than masquerading as gaps.
func (d *Detector) Detect(ctx context.Context, lookbackDays int) (Report, error) {
	if lookbackDays < 1 {
		return Report{}, fmt.Errorf("lookback must be at least 1 day, got %d", lookbackDays)
	}
	defer utils.OperationTimer("gap_detection", d.log)()

	yesterday := calendar.Normalize(d.now().UTC()).AddDate(0, 0, -1)
	days, err := d.calendar.RecentTradingDays(lookbackDays, yesterday)
	if err != nil {
		return Report{}, fmt.Errorf("resolving trading days: %w", err)
	}

	report := Report{GeneratedAt: d.now().UTC()}
	if len(days) > 0 {
		report.Window = Window{
			Start: calendar.DateKey(days[0]),
			End:   calendar.DateKey(days[len(days)-1]),
			Days:  len(days),
		}
	}

	for _, name := range d.registry.Names() {
		unit, ok := d.registry.Get(name)
		if !ok || !unit.Enabled() || unit.Cadence != work.CadenceDaily {
			continue
		}

		ur := UnitReport{Unit: name, Checked: len(days)}
		for _, day := range days {
			if err := ctx.Err(); err != nil {
				return Report{}, err
			}

			has, err := unit.Probe(ctx, day)
			if err != nil {
				return Report{}, fmt.Errorf("probing %s for %s: %w", name, calendar.DateKey(day), err)
			}
			if !has {
				ur.Missing = append(ur.Missing, calendar.DateKey(day))
			}
		}

		if len(ur.Missing) > 0 {
			d.log.Info().
				Str("unit", name).
				Int("missing", len(ur.Missing)).
				Int("checked", ur.Checked).
				Msg("Missing partitions detected")
		}
		report.Units = append(report.Units, ur)
	}

	return report, nil
}
