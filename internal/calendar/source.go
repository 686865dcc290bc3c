package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/datapulse/internal/database"
)

// Schema is the reference table for the calendar database.
// The table is populated by an external loader; this service only reads it.
const Schema = `
CREATE TABLE IF NOT EXISTS trading_days (
    date    TEXT PRIMARY KEY,  -- YYYY-MM-DD
    is_open INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trading_days_open ON trading_days(is_open, date);
`

// SQLiteSource loads the reference dataset from the calendar database.
type SQLiteSource struct {
	db *database.DB
}

// NewSQLiteSource creates a calendar source backed by the given database.
func NewSQLiteSource(db *database.DB) *SQLiteSource {
	return &SQLiteSource{db: db}
}

// Load reads the full (date, isOpen) dataset.
func (s *SQLiteSource) Load(ctx context.Context) ([]Day, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT date, is_open FROM trading_days ORDER BY date")
	if err != nil {
		return nil, fmt.Errorf("failed to query trading days: %w", err)
	}
	defer rows.Close()

	var days []Day
	for rows.Next() {
		var dateStr string
		var isOpen int
		if err := rows.Scan(&dateStr, &isOpen); err != nil {
			return nil, fmt.Errorf("failed to scan trading day row: %w", err)
		}

		date, err := time.ParseInLocation("2006-01-02", dateStr, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid trading day date %q: %w", dateStr, err)
		}

		days = append(days, Day{Date: date, IsOpen: isOpen != 0})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trading day rows: %w", err)
	}

	return days, nil
}
