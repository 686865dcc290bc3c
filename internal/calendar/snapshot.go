package calendar

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotCache persists the last successfully loaded calendar to disk
// so a restart can survive a reference-source outage. The cache is
// written atomically (temp file + rename).
type SnapshotCache struct {
	path string
}

// NewSnapshotCache creates a cache at the given file path.
func NewSnapshotCache(path string) *SnapshotCache {
	return &SnapshotCache{path: path}
}

// Save writes the dataset to the cache file.
func (c *SnapshotCache) Save(days []Day) error {
	data, err := msgpack.Marshal(days)
	if err != nil {
		return fmt.Errorf("failed to encode calendar snapshot: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write calendar snapshot: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace calendar snapshot: %w", err)
	}

	return nil
}

// Load reads the dataset from the cache file.
func (c *SnapshotCache) Load() ([]Day, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calendar snapshot: %w", err)
	}

	var days []Day
	if err := msgpack.Unmarshal(data, &days); err != nil {
		return nil, fmt.Errorf("failed to decode calendar snapshot: %w", err)
	}

	return days, nil
}
