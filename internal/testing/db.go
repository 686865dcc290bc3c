// Package testing provides shared test helpers.
package testing

import (
	"fmt"
	"os"
	"testing"

	"github.com/aristath/datapulse/internal/database"
)

// NewTestDB creates a temporary SQLite database for a test and applies
// the given schema. The returned cleanup function closes the
// connection and removes the file; it is safe to call more than once.
func NewTestDB(t *testing.T, name, schema string) (*database.DB, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", fmt.Sprintf("test_%s_*.db", name))
	if err != nil {
		t.Fatalf("Failed to create temporary database file: %v", err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()

	db, err := database.New(database.Config{
		Path:    tmpPath,
		Profile: database.ProfileStandard,
	})
	if err != nil {
		_ = os.Remove(tmpPath)
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}

	if schema != "" {
		if err := db.Migrate(schema); err != nil {
			_ = db.Close()
			_ = os.Remove(tmpPath)
			t.Fatalf("Failed to migrate test database %s: %v", name, err)
		}
	}

	closed := false
	cleanup := func() {
		if !closed {
			closed = true
			_ = db.Close()
		}
		_ = os.Remove(tmpPath)
	}
	return db, cleanup
}
