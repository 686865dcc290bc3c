// Package main is the entry point for the datapulse market-data sync
// scheduler. The process hosts the trading calendar, the unit
// registry, the task execution engine, the missing-data detector, the
// timer-driven scheduler, and the HTTP control plane.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aristath/datapulse/internal/calendar"
	"github.com/aristath/datapulse/internal/config"
	"github.com/aristath/datapulse/internal/database"
	"github.com/aristath/datapulse/internal/engine"
	"github.com/aristath/datapulse/internal/gaps"
	"github.com/aristath/datapulse/internal/history"
	"github.com/aristath/datapulse/internal/scheduler"
	"github.com/aristath/datapulse/internal/server"
	"github.com/aristath/datapulse/internal/sources"
	"github.com/aristath/datapulse/internal/work"
	"github.com/aristath/datapulse/pkg/logger"
)

// engineGrace bounds how long running tasks may finish after a
// shutdown signal.
const engineGrace = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting datapulse")

	// Databases: calendar reference, task history, warehouse partition
	// ledger. All durable, all WAL.
	calendarDB, err := database.New(database.Config{Path: filepath.Join(cfg.DataDir, "calendar.db")})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open calendar database")
	}
	defer calendarDB.Close()

	historyDB, err := database.New(database.Config{Path: filepath.Join(cfg.DataDir, "history.db")})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer historyDB.Close()

	warehouseDB, err := database.New(database.Config{Path: filepath.Join(cfg.DataDir, "warehouse.db")})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open warehouse database")
	}
	defer warehouseDB.Close()

	// Trading calendar. The process is useless without one: refuse to
	// start when neither the reference table nor the snapshot cache
	// can provide it.
	if err := calendarDB.Migrate(calendar.Schema); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate calendar schema")
	}
	cache := calendar.NewSnapshotCache(filepath.Join(cfg.DataDir, "calendar.snapshot"))
	cal := calendar.New(calendar.NewSQLiteSource(calendarDB), cache, log)
	if err := cal.Load(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to load trading calendar")
	}

	// Unit registry and concrete ingestion units.
	warehouse, err := sources.NewWarehouse(warehouseDB)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize warehouse ledger")
	}
	client := sources.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, warehouse, log)

	registry := work.NewRegistry()
	if err := sources.Register(registry, &sources.Deps{Client: client, Prober: warehouse}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register ingestion units")
	}
	log.Info().Int("units", len(registry.Names())).Msg("Ingestion units registered")

	// Task history store and execution engine.
	store, err := history.NewStore(historyDB, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize task history store")
	}

	eng := engine.New(registry, store, engine.Config{
		Workers:              cfg.Scheduler.MaxConcurrentTasks,
		MaxPartitionFanout:   cfg.Scheduler.MaxPartitionFanout,
		EstimatedCallSeconds: cfg.Scheduler.EstimatedCallSeconds,
	}, log)
	eng.Start()

	// Scheduler with its maintenance jobs.
	detector := gaps.NewDetector(registry, cal, nil, log)
	cleanup := history.NewCleanupJob(store, time.Duration(cfg.Scheduler.RetentionDays)*24*time.Hour)

	sched, err := scheduler.New(registry, eng, cal, detector,
		[]scheduler.Job{cleanup},
		scheduler.Settings{
			MissingCheckSpec:  cfg.Scheduler.MissingCheckSpec,
			SyncSpec:          cfg.Scheduler.SyncSpec,
			BackfillThreshold: cfg.Scheduler.BackfillThreshold,
			LookbackDays:      cfg.Scheduler.LookbackDays,
		},
		scheduler.SystemClock(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}
	sched.Start()

	// HTTP control plane.
	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Calendar:  cal,
		Registry:  registry,
		Engine:    eng,
		Detector:  detector,
		Scheduler: sched,
		History:   store,
		Cleanup:   cleanup,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	// Stop timer fires first so no new tasks arrive, then drain the
	// engine, then close the HTTP listener.
	sched.Stop()
	eng.Shutdown(engineGrace)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Stopped")
}
