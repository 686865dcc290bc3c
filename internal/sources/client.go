package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/datapulse/internal/calendar"
	"github.com/aristath/datapulse/internal/work"
)

// Client is the upstream market-data provider client. Each call asks
// the provider to fetch, transform, and load one partition of one
// dataset into the warehouse, then records the partition in the local
// ledger. It implements MarketDataClient.
type Client struct {
	baseURL   string
	apiKey    string
	http      *http.Client
	warehouse *Warehouse
	log       zerolog.Logger
}

// NewClient creates a provider client.
func NewClient(baseURL, apiKey string, warehouse *Warehouse, log zerolog.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		http:      &http.Client{Timeout: 2 * time.Minute},
		warehouse: warehouse,
		log:       log.With().Str("component", "provider").Logger(),
	}
}

type syncResponse struct {
	RowsWritten int `json:"rows_written"`
}

// sync runs one provider-side load and records the partition. Network
// failures, 429s, and 5xx responses are transient; 4xx responses are
// permanent.
func (c *Client) sync(ctx context.Context, dataset string, date time.Time) (int, error) {
	endpoint := fmt.Sprintf("%s/v1/sync/%s", c.baseURL, url.PathEscape(dataset))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("building request for %s: %w", dataset, err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if !date.IsZero() {
		q := req.URL.Query()
		q.Set("date", calendar.DateKey(date))
		req.URL.RawQuery = q.Encode()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, work.Transient(fmt.Errorf("calling provider for %s: %w", dataset, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, work.Transient(fmt.Errorf("provider returned %d for %s", resp.StatusCode, dataset))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("provider returned %d for %s: %s", resp.StatusCode, dataset, body)
	}

	var sr syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return 0, fmt.Errorf("decoding provider response for %s: %w", dataset, err)
	}

	if err := c.warehouse.MarkLoaded(ctx, dataset, date, sr.RowsWritten); err != nil {
		return 0, err
	}

	c.log.Debug().
		Str("dataset", dataset).
		Str("partition", partitionLedgerKey(date)).
		Int("rows", sr.RowsWritten).
		Msg("Partition loaded")
	return sr.RowsWritten, nil
}

func (c *Client) SyncPrices(ctx context.Context, date time.Time) (int, error) {
	return c.sync(ctx, "prices", date)
}

func (c *Client) SyncExchangeRates(ctx context.Context, date time.Time) (int, error) {
	return c.sync(ctx, "rates", date)
}

func (c *Client) SyncFundamentals(ctx context.Context, date time.Time) (int, error) {
	return c.sync(ctx, "fundamentals", date)
}

func (c *Client) SyncDividends(ctx context.Context, date time.Time) (int, error) {
	return c.sync(ctx, "dividends", date)
}

func (c *Client) SyncIndicators(ctx context.Context, date time.Time) (int, error) {
	return c.sync(ctx, "indicators", date)
}

func (c *Client) SyncUniverse(ctx context.Context, date time.Time) (int, error) {
	return c.sync(ctx, "universe", date)
}
