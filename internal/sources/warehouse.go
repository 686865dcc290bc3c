package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/datapulse/internal/calendar"
	"github.com/aristath/datapulse/internal/database"
)

// WarehouseSchema tracks which partitions each dataset has loaded.
// The analytical tables themselves live in the external warehouse;
// this ledger is what the existence probes consult.
const WarehouseSchema = `
CREATE TABLE IF NOT EXISTS loaded_partitions (
    dataset   TEXT NOT NULL,
    date      TEXT NOT NULL,
    rows      INTEGER NOT NULL,
    loaded_at TIMESTAMP NOT NULL,
    PRIMARY KEY (dataset, date)
);
`

// fullHistoryKey marks a complete-history load.
const fullHistoryKey = "all"

// Warehouse is the partition ledger backed by SQLite. It implements
// WarehouseProber.
type Warehouse struct {
	db *database.DB
}

// NewWarehouse creates the ledger and applies its schema.
func NewWarehouse(db *database.DB) (*Warehouse, error) {
	if err := db.Migrate(WarehouseSchema); err != nil {
		return nil, fmt.Errorf("migrating warehouse ledger schema: %w", err)
	}
	return &Warehouse{db: db}, nil
}

func partitionLedgerKey(date time.Time) string {
	if date.IsZero() {
		return fullHistoryKey
	}
	return calendar.DateKey(date)
}

// MarkLoaded records that a partition was loaded.
func (w *Warehouse) MarkLoaded(ctx context.Context, dataset string, date time.Time, rows int) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO loaded_partitions (dataset, date, rows, loaded_at)
		VALUES (?, ?, ?, ?)`,
		dataset, partitionLedgerKey(date), rows, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording loaded partition %s/%s: %w", dataset, partitionLedgerKey(date), err)
	}
	return nil
}

// HasData reports whether a dataset holds the given partition. The
// zero date asks whether the dataset holds anything at all. A
// full-history load counts for every date.
func (w *Warehouse) HasData(ctx context.Context, dataset string, date time.Time) (bool, error) {
	var query string
	var args []interface{}

	if date.IsZero() {
		query = `SELECT COUNT(*) FROM loaded_partitions WHERE dataset = ?`
		args = []interface{}{dataset}
	} else {
		query = `SELECT COUNT(*) FROM loaded_partitions WHERE dataset = ? AND date IN (?, ?)`
		args = []interface{}{dataset, calendar.DateKey(date), fullHistoryKey}
	}

	var count int
	if err := w.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("probing %s/%s: %w", dataset, partitionLedgerKey(date), err)
	}
	return count > 0, nil
}
