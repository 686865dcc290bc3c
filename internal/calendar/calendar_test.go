package calendar

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	days []Day
	err  error
}

func (f *fakeSource) Load(ctx context.Context) ([]Day, error) {
	return f.days, f.err
}

func day(key string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", key, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

// A week with a midweek holiday and a weekend.
func weekDays() []Day {
	return []Day{
		{Date: day("2026-08-17"), IsOpen: true},  // Mon
		{Date: day("2026-08-18"), IsOpen: true},  // Tue
		{Date: day("2026-08-19"), IsOpen: false}, // Wed, holiday
		{Date: day("2026-08-20"), IsOpen: true},  // Thu
		{Date: day("2026-08-21"), IsOpen: true},  // Fri
		{Date: day("2026-08-22"), IsOpen: false}, // Sat
		{Date: day("2026-08-23"), IsOpen: false}, // Sun
		{Date: day("2026-08-24"), IsOpen: true},  // Mon
	}
}

func TestService_QueriesBeforeLoadFail(t *testing.T) {
	svc := New(&fakeSource{}, nil, zerolog.Nop())

	_, err := svc.IsTradingDay(day("2026-08-17"))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = svc.RecentTradingDays(5, day("2026-08-17"))
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = svc.TradingDaysBetween(day("2026-08-17"), day("2026-08-24"))
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.False(t, svc.GetStatus().Loaded)
}

func TestService_IsTradingDay(t *testing.T) {
	svc := New(&fakeSource{days: weekDays()}, nil, zerolog.Nop())
	require.NoError(t, svc.Load(context.Background()))

	open, err := svc.IsTradingDay(day("2026-08-18"))
	require.NoError(t, err)
	assert.True(t, open)

	open, err = svc.IsTradingDay(day("2026-08-19"))
	require.NoError(t, err)
	assert.False(t, open)

	// A date outside the loaded range is simply not a trading day.
	open, err = svc.IsTradingDay(day("2030-01-01"))
	require.NoError(t, err)
	assert.False(t, open)
}

func TestService_RecentTradingDays(t *testing.T) {
	svc := New(&fakeSource{days: weekDays()}, nil, zerolog.Nop())
	require.NoError(t, svc.Load(context.Background()))

	t.Run("skips closed days", func(t *testing.T) {
		got, err := svc.RecentTradingDays(3, day("2026-08-21"))
		require.NoError(t, err)
		assert.Equal(t, []time.Time{day("2026-08-18"), day("2026-08-20"), day("2026-08-21")}, got)
	})

	t.Run("end on a closed day", func(t *testing.T) {
		got, err := svc.RecentTradingDays(2, day("2026-08-23"))
		require.NoError(t, err)
		assert.Equal(t, []time.Time{day("2026-08-20"), day("2026-08-21")}, got)
	})

	t.Run("truncates at calendar start", func(t *testing.T) {
		got, err := svc.RecentTradingDays(10, day("2026-08-24"))
		require.NoError(t, err)
		assert.Len(t, got, 6)
		assert.Equal(t, day("2026-08-17"), got[0])
	})

	t.Run("zero count", func(t *testing.T) {
		got, err := svc.RecentTradingDays(0, day("2026-08-24"))
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestService_TradingDaysBetween(t *testing.T) {
	svc := New(&fakeSource{days: weekDays()}, nil, zerolog.Nop())
	require.NoError(t, svc.Load(context.Background()))

	got, err := svc.TradingDaysBetween(day("2026-08-18"), day("2026-08-22"))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day("2026-08-18"), day("2026-08-20"), day("2026-08-21")}, got)

	_, err = svc.TradingDaysBetween(day("2026-08-22"), day("2026-08-18"))
	assert.Error(t, err)
}

func TestService_RefreshSwapsAtomically(t *testing.T) {
	src := &fakeSource{days: weekDays()}
	svc := New(src, nil, zerolog.Nop())
	require.NoError(t, svc.Load(context.Background()))

	// A failing refresh must leave the previous snapshot untouched.
	src.err = fmt.Errorf("reference down")
	require.Error(t, svc.Refresh(context.Background()))
	open, err := svc.IsTradingDay(day("2026-08-18"))
	require.NoError(t, err)
	assert.True(t, open)

	// A successful refresh replaces it wholesale.
	src.err = nil
	src.days = []Day{{Date: day("2026-09-01"), IsOpen: true}}
	require.NoError(t, svc.Refresh(context.Background()))

	open, err = svc.IsTradingDay(day("2026-08-18"))
	require.NoError(t, err)
	assert.False(t, open)
	open, err = svc.IsTradingDay(day("2026-09-01"))
	require.NoError(t, err)
	assert.True(t, open)
}

func TestService_LoadFallsBackToSnapshotCache(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "calendar.snapshot")
	cache := NewSnapshotCache(cachePath)

	// First service run primes the cache.
	svc := New(&fakeSource{days: weekDays()}, cache, zerolog.Nop())
	require.NoError(t, svc.Load(context.Background()))

	// Second run with a dead reference source survives on the cache.
	revived := New(&fakeSource{err: fmt.Errorf("reference down")}, cache, zerolog.Nop())
	require.NoError(t, revived.Load(context.Background()))

	open, err := revived.IsTradingDay(day("2026-08-20"))
	require.NoError(t, err)
	assert.True(t, open)
}

func TestService_LoadFailsWithoutSourceOrCache(t *testing.T) {
	cache := NewSnapshotCache(filepath.Join(t.TempDir(), "missing.snapshot"))
	svc := New(&fakeSource{err: fmt.Errorf("reference down")}, cache, zerolog.Nop())

	err := svc.Load(context.Background())
	require.Error(t, err)
	assert.False(t, svc.GetStatus().Loaded)
}

func TestGetStatus(t *testing.T) {
	svc := New(&fakeSource{days: weekDays()}, nil, zerolog.Nop())
	require.NoError(t, svc.Load(context.Background()))

	status := svc.GetStatus()
	assert.True(t, status.Loaded)
	assert.Equal(t, 6, status.TradingDays)
	assert.Equal(t, "2026-08-17", status.FirstDay)
	assert.Equal(t, "2026-08-24", status.LastDay)
	assert.False(t, status.LoadedAt.IsZero())
}

func TestDateKeyAndNormalize(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// 23:30 in New York is already the next day in UTC.
	local := time.Date(2026, 8, 17, 23, 30, 0, 0, loc)
	assert.Equal(t, "2026-08-18", DateKey(local))
	assert.Equal(t, day("2026-08-18"), Normalize(local))
}
