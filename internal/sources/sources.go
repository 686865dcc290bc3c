// Package sources registers the concrete ingestion units against the
// unit registry. The upstream provider clients and the warehouse are
// opaque collaborators behind the interfaces below.
package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/datapulse/internal/work"
)

// MarketDataClient fetches one partition of one dataset from the
// upstream provider and loads it into the warehouse. The zero date
// means the full available history.
type MarketDataClient interface {
	SyncPrices(ctx context.Context, date time.Time) (int, error)
	SyncExchangeRates(ctx context.Context, date time.Time) (int, error)
	SyncFundamentals(ctx context.Context, date time.Time) (int, error)
	SyncDividends(ctx context.Context, date time.Time) (int, error)
	SyncIndicators(ctx context.Context, date time.Time) (int, error)
	SyncUniverse(ctx context.Context, date time.Time) (int, error)
}

// WarehouseProber answers whether the warehouse already holds data for
// a dataset. The zero date asks whether any data exists at all.
type WarehouseProber interface {
	HasData(ctx context.Context, dataset string, date time.Time) (bool, error)
}

// Deps contains all collaborators for the ingestion units.
type Deps struct {
	Client MarketDataClient
	Prober WarehouseProber
}

// Register adds every ingestion unit to the registry. Registration
// order matters only for deterministic tie-breaking; dependencies are
// declared explicitly.
func Register(registry *work.Registry, deps *Deps) error {
	probe := func(dataset string) work.HasDataFunc {
		return func(ctx context.Context, date time.Time) (bool, error) {
			return deps.Prober.HasData(ctx, dataset, date)
		}
	}
	fetch := func(name string, call func(ctx context.Context, date time.Time) (int, error)) work.FetchFunc {
		return func(ctx context.Context, date time.Time) (work.FetchResult, error) {
			rows, err := call(ctx, date)
			if err != nil {
				return work.FetchResult{}, fmt.Errorf("syncing %s: %w", name, err)
			}
			return work.FetchResult{RowsWritten: rows}, nil
		}
	}

	units := []*work.Unit{
		{
			// prices:daily - end-of-day OHLCV bars, root of the chain
			Name:               "prices:daily",
			Cadence:            work.CadenceDaily,
			RateLimitPerMinute: 60,
			Probe:              probe("prices"),
			Fetch:              fetch("prices", deps.Client.SyncPrices),
		},
		{
			// rates:fx - exchange rates for base-currency conversion
			Name:               "rates:fx",
			Cadence:            work.CadenceDaily,
			RateLimitPerMinute: 30,
			Probe:              probe("rates"),
			Fetch:              fetch("exchange rates", deps.Client.SyncExchangeRates),
		},
		{
			// fundamentals:quarterly - balance sheet and income data
			Name:               "fundamentals:quarterly",
			Cadence:            work.CadenceOther,
			RateLimitPerMinute: 10,
			Probe:              probe("fundamentals"),
			Fetch:              fetch("fundamentals", deps.Client.SyncFundamentals),
		},
		{
			// dividends:daily - dividend events, keyed off price history
			Name:               "dividends:daily",
			DependsOn:          []string{"prices:daily"},
			Cadence:            work.CadenceDaily,
			RateLimitPerMinute: 30,
			Probe:              probe("dividends"),
			Fetch:              fetch("dividends", deps.Client.SyncDividends),
		},
		{
			// indicators:daily - derived technicals over prices and rates
			Name:               "indicators:daily",
			DependsOn:          []string{"prices:daily", "rates:fx"},
			Cadence:            work.CadenceDaily,
			RateLimitPerMinute: 120,
			Probe:              probe("indicators"),
			Fetch:              fetch("indicators", deps.Client.SyncIndicators),
		},
		{
			// universe:weekly - tradable instrument list refresh
			Name:               "universe:weekly",
			Cadence:            work.CadenceWeekly,
			RateLimitPerMinute: 10,
			Probe:              probe("universe"),
			Fetch:              fetch("universe", deps.Client.SyncUniverse),
		},
	}

	for _, u := range units {
		if err := registry.Register(u); err != nil {
			return fmt.Errorf("registering %s: %w", u.Name, err)
		}
	}
	return nil
}
