// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// ProviderBaseURL is the upstream market-data API endpoint.
	ProviderBaseURL string
	// ProviderAPIKey authenticates against the upstream provider.
	ProviderAPIKey string

	Scheduler SchedulerConfig
}

// SchedulerConfig holds the runtime-tunable scheduling parameters.
// These are the startup defaults; the control plane can adjust them
// while the process is running.
type SchedulerConfig struct {
	// MissingCheckSpec is the cron expression for the missing-data check
	// (trading days only).
	MissingCheckSpec string

	// SyncSpec is the cron expression for the daily sync tick.
	SyncSpec string

	// BackfillThreshold is the maximum number of missing trading days the
	// scheduler will backfill automatically. Larger gaps are flagged for
	// manual investigation instead.
	BackfillThreshold int

	// MaxConcurrentTasks bounds how many tasks run simultaneously
	// process-wide.
	MaxConcurrentTasks int

	// MaxPartitionFanout caps intra-task partition concurrency regardless
	// of how generous a unit's rate limit is.
	MaxPartitionFanout int

	// EstimatedCallSeconds is the assumed duration of one upstream call,
	// used to derive partition fan-out from a unit's rate limit.
	EstimatedCallSeconds float64

	// LookbackDays is the missing-data detection window.
	LookbackDays int

	// RetentionDays is how long finished task records are kept.
	RetentionDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATAPULSE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8010),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		ProviderBaseURL: getEnv("PROVIDER_BASE_URL", "http://localhost:9010"),
		ProviderAPIKey:  getEnv("PROVIDER_API_KEY", ""),

		Scheduler: SchedulerConfig{
			MissingCheckSpec:     getEnv("MISSING_CHECK_SCHEDULE", "0 16 * * *"),
			SyncSpec:             getEnv("SYNC_SCHEDULE", "0 18 * * *"),
			BackfillThreshold:    getEnvAsInt("BACKFILL_THRESHOLD", 3),
			MaxConcurrentTasks:   getEnvAsInt("MAX_CONCURRENT_TASKS", 3),
			MaxPartitionFanout:   getEnvAsInt("MAX_PARTITION_FANOUT", 10),
			EstimatedCallSeconds: getEnvAsFloat("ESTIMATED_CALL_SECONDS", 2.0),
			LookbackDays:         getEnvAsInt("LOOKBACK_DAYS", 30),
			RetentionDays:        getEnvAsInt("RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and sane
func (c *Config) Validate() error {
	if c.Scheduler.BackfillThreshold < 0 {
		return fmt.Errorf("backfill threshold must not be negative, got %d", c.Scheduler.BackfillThreshold)
	}
	if c.Scheduler.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max concurrent tasks must be at least 1, got %d", c.Scheduler.MaxConcurrentTasks)
	}
	if c.Scheduler.MaxPartitionFanout < 1 {
		return fmt.Errorf("max partition fanout must be at least 1, got %d", c.Scheduler.MaxPartitionFanout)
	}
	if c.Scheduler.LookbackDays < 1 {
		return fmt.Errorf("lookback days must be at least 1, got %d", c.Scheduler.LookbackDays)
	}
	if c.Scheduler.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1, got %d", c.Scheduler.RetentionDays)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
