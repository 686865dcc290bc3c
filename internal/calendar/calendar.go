// Package calendar provides the trading-calendar oracle used by the
// sync scheduler. The calendar is loaded wholesale from a reference
// source into an immutable in-memory snapshot; refreshes replace the
// snapshot atomically so readers never observe a partial calendar.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrUnavailable is returned by every query when no calendar data has
// been loaded. An empty calendar must never degrade to "every day is a
// trading day".
var ErrUnavailable = errors.New("trading calendar unavailable")

// Day is one calendar date with its market-open flag, as delivered by
// the reference source.
type Day struct {
	Date   time.Time `msgpack:"date" json:"date"`
	IsOpen bool      `msgpack:"is_open" json:"is_open"`
}

// Source delivers the bulk (date, isOpen) reference dataset.
type Source interface {
	Load(ctx context.Context) ([]Day, error)
}

// DateKey returns the canonical partition key for a date (UTC, day
// precision). All components key partitions and probes by this format.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Normalize truncates a time to its UTC calendar date.
func Normalize(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// snapshot is an immutable view of the loaded calendar.
type snapshot struct {
	open     []time.Time // sorted ascending, open days only
	keys     map[string]struct{}
	loadedAt time.Time
}

// Service answers trading-day queries from an in-memory snapshot.
type Service struct {
	source Source
	cache  *SnapshotCache // optional, may be nil
	log    zerolog.Logger

	snap atomic.Pointer[snapshot]
}

// New creates a calendar service. The snapshot cache is optional; when
// present it is used as a startup fallback and written through on
// every successful refresh.
func New(source Source, cache *SnapshotCache, log zerolog.Logger) *Service {
	return &Service{
		source: source,
		cache:  cache,
		log:    log.With().Str("component", "calendar").Logger(),
	}
}

// Load performs the eager startup load. If the reference source fails
// and a snapshot cache exists, the cached snapshot is used instead so
// the scheduler can keep running through a reference outage.
func (s *Service) Load(ctx context.Context) error {
	days, err := s.source.Load(ctx)
	if err == nil && len(days) > 0 {
		s.install(days)
		if s.cache != nil {
			if cacheErr := s.cache.Save(days); cacheErr != nil {
				s.log.Warn().Err(cacheErr).Msg("Failed to write calendar snapshot cache")
			}
		}
		return nil
	}

	if err != nil {
		s.log.Warn().Err(err).Msg("Calendar reference source failed, trying snapshot cache")
	}

	if s.cache != nil {
		cached, cacheErr := s.cache.Load()
		if cacheErr == nil && len(cached) > 0 {
			s.install(cached)
			s.log.Info().Int("days", len(cached)).Msg("Calendar loaded from snapshot cache")
			return nil
		}
	}

	if err != nil {
		return fmt.Errorf("failed to load trading calendar: %w", err)
	}
	return fmt.Errorf("calendar reference source returned no days: %w", ErrUnavailable)
}

// Refresh reloads the calendar from the reference source and swaps the
// snapshot atomically. On failure the previous snapshot stays in place.
func (s *Service) Refresh(ctx context.Context) error {
	days, err := s.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh trading calendar: %w", err)
	}
	if len(days) == 0 {
		return fmt.Errorf("calendar refresh returned no days: %w", ErrUnavailable)
	}

	s.install(days)

	if s.cache != nil {
		if err := s.cache.Save(days); err != nil {
			s.log.Warn().Err(err).Msg("Failed to write calendar snapshot cache")
		}
	}

	s.log.Info().Int("days", len(days)).Msg("Trading calendar refreshed")
	return nil
}

func (s *Service) install(days []Day) {
	open := make([]time.Time, 0, len(days))
	keys := make(map[string]struct{}, len(days))
	for _, d := range days {
		if !d.IsOpen {
			continue
		}
		norm := Normalize(d.Date)
		key := DateKey(norm)
		if _, seen := keys[key]; seen {
			continue
		}
		keys[key] = struct{}{}
		open = append(open, norm)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].Before(open[j]) })

	s.snap.Store(&snapshot{
		open:     open,
		keys:     keys,
		loadedAt: time.Now(),
	})
}

func (s *Service) current() (*snapshot, error) {
	snap := s.snap.Load()
	if snap == nil || len(snap.open) == 0 {
		return nil, ErrUnavailable
	}
	return snap, nil
}

// IsTradingDay reports whether the market is open on the given date.
func (s *Service) IsTradingDay(t time.Time) (bool, error) {
	snap, err := s.current()
	if err != nil {
		return false, err
	}
	_, open := snap.keys[DateKey(t)]
	return open, nil
}

// RecentTradingDays returns the last n trading days at or before end,
// in ascending order. Fewer than n days are returned when the loaded
// calendar does not reach back far enough.
func (s *Service) RecentTradingDays(n int, end time.Time) ([]time.Time, error) {
	snap, err := s.current()
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	endNorm := Normalize(end)
	// First index strictly after end.
	idx := sort.Search(len(snap.open), func(i int) bool {
		return snap.open[i].After(endNorm)
	})

	start := idx - n
	if start < 0 {
		start = 0
	}

	result := make([]time.Time, idx-start)
	copy(result, snap.open[start:idx])
	return result, nil
}

// TradingDaysBetween returns all trading days in [start, end],
// ascending. Returns an empty slice when the range contains none.
func (s *Service) TradingDaysBetween(start, end time.Time) ([]time.Time, error) {
	snap, err := s.current()
	if err != nil {
		return nil, err
	}

	startNorm := Normalize(start)
	endNorm := Normalize(end)
	if endNorm.Before(startNorm) {
		return nil, fmt.Errorf("invalid range: end %s before start %s", DateKey(endNorm), DateKey(startNorm))
	}

	lo := sort.Search(len(snap.open), func(i int) bool {
		return !snap.open[i].Before(startNorm)
	})
	hi := sort.Search(len(snap.open), func(i int) bool {
		return snap.open[i].After(endNorm)
	})

	result := make([]time.Time, hi-lo)
	copy(result, snap.open[lo:hi])
	return result, nil
}

// Status describes the loaded calendar for the control plane.
type Status struct {
	Loaded      bool      `json:"loaded"`
	TradingDays int       `json:"trading_days"`
	FirstDay    string    `json:"first_day,omitempty"`
	LastDay     string    `json:"last_day,omitempty"`
	LoadedAt    time.Time `json:"loaded_at,omitempty"`
}

// GetStatus returns a summary of the current snapshot.
func (s *Service) GetStatus() Status {
	snap := s.snap.Load()
	if snap == nil || len(snap.open) == 0 {
		return Status{Loaded: false}
	}
	return Status{
		Loaded:      true,
		TradingDays: len(snap.open),
		FirstDay:    DateKey(snap.open[0]),
		LastDay:     DateKey(snap.open[len(snap.open)-1]),
		LoadedAt:    snap.loadedAt,
	}
}
