// Package history persists terminal task records and answers
// control-plane queries over them. The store is the only component
// that deletes history rows.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/datapulse/internal/database"
	"github.com/aristath/datapulse/internal/engine"
	"github.com/aristath/datapulse/internal/utils"
)

// Schema creates the task history table.
const Schema = `
CREATE TABLE IF NOT EXISTS task_history (
    id           TEXT PRIMARY KEY,
    unit         TEXT NOT NULL,
    kind         TEXT NOT NULL,
    status       TEXT NOT NULL,
    reason       TEXT NOT NULL DEFAULT '',
    partitions   INTEGER NOT NULL,
    processed    INTEGER NOT NULL,
    rows_written INTEGER NOT NULL,
    errors_json  TEXT NOT NULL DEFAULT '[]',
    created_at   TIMESTAMP NOT NULL,
    started_at   TIMESTAMP,
    completed_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_unit ON task_history(unit, completed_at);
CREATE INDEX IF NOT EXISTS idx_task_history_completed ON task_history(completed_at);
`

// Record is one persisted terminal task.
type Record struct {
	ID          string                  `json:"id"`
	Unit        string                  `json:"unit"`
	Kind        string                  `json:"kind"`
	Status      string                  `json:"status"`
	Reason      string                  `json:"reason,omitempty"`
	Partitions  int                     `json:"partitions"`
	Processed   int                     `json:"processed"`
	RowsWritten int                     `json:"rows_written"`
	Errors      []engine.PartitionError `json:"errors,omitempty"`
	CreatedAt   time.Time               `json:"created_at"`
	StartedAt   time.Time               `json:"started_at,omitempty"`
	CompletedAt time.Time               `json:"completed_at"`
}

// Filter narrows a history query. Zero fields match everything.
// Results come back newest first unless Ascending is set.
type Filter struct {
	Unit      string
	Status    string
	Since     time.Time
	Ascending bool
	Limit     int
	Offset    int
}

// Store persists task records in SQLite.
type Store struct {
	db  *database.DB
	log zerolog.Logger
}

// NewStore creates a history store and applies its schema.
func NewStore(db *database.DB, log zerolog.Logger) (*Store, error) {
	if err := db.Migrate(Schema); err != nil {
		return nil, fmt.Errorf("migrating task history schema: %w", err)
	}
	return &Store{
		db:  db,
		log: log.With().Str("component", "history").Logger(),
	}, nil
}

// RecordTask persists a terminal task snapshot. Non-terminal snapshots
// are rejected; the engine only hands over finished tasks.
func (s *Store) RecordTask(view engine.TaskView) error {
	if !view.Status.Terminal() {
		return fmt.Errorf("task %s is not terminal (%s)", view.ID, view.Status)
	}

	errsJSON, err := json.Marshal(view.Errors)
	if err != nil {
		return fmt.Errorf("encoding partition errors: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO task_history
		(id, unit, kind, status, reason, partitions, processed, rows_written, errors_json, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		view.ID, view.Unit, string(view.Kind), string(view.Status), view.Reason,
		view.Total, view.Processed, view.RowsWritten, string(errsJSON),
		view.CreatedAt.UTC(), nullableTime(view.StartedAt), view.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting task record: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// Query returns records matching the filter.
func (s *Store) Query(ctx context.Context, f Filter) ([]Record, error) {
	var conds []string
	var args []interface{}

	if f.Unit != "" {
		conds = append(conds, "unit = ?")
		args = append(args, f.Unit)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "completed_at >= ?")
		args = append(args, f.Since.UTC())
	}

	query := `SELECT id, unit, kind, status, reason, partitions, processed, rows_written, errors_json, created_at, started_at, completed_at
		FROM task_history`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY completed_at ASC"
	} else {
		query += " ORDER BY completed_at DESC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if f.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying task history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var errsJSON string
		var startedAt *time.Time

		if err := rows.Scan(&rec.ID, &rec.Unit, &rec.Kind, &rec.Status, &rec.Reason,
			&rec.Partitions, &rec.Processed, &rec.RowsWritten, &errsJSON,
			&rec.CreatedAt, &startedAt, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning task record: %w", err)
		}
		if startedAt != nil {
			rec.StartedAt = *startedAt
		}
		if err := json.Unmarshal([]byte(errsJSON), &rec.Errors); err != nil {
			return nil, fmt.Errorf("decoding partition errors for %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// LastSuccessful returns the most recent completed record for a unit,
// or false when the unit has never completed a task.
func (s *Store) LastSuccessful(ctx context.Context, unit string) (Record, bool, error) {
	records, err := s.Query(ctx, Filter{Unit: unit, Status: string(engine.StatusCompleted), Limit: 1})
	if err != nil {
		return Record{}, false, err
	}
	if len(records) == 0 {
		return Record{}, false, nil
	}
	return records[0], true, nil
}

// CleanupOlderThan deletes records whose completion is older than the
// retention window and returns how many were removed.
func (s *Store) CleanupOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	done := utils.MeasureQuery("task_history_cleanup", s.log)

	result, err := s.db.ExecContext(ctx, `DELETE FROM task_history WHERE completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting expired task records: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted task records: %w", err)
	}
	done(removed)

	if removed > 0 {
		s.log.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("Expired task history removed")
	}
	return removed, nil
}
