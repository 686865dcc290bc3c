// Package server provides the HTTP control plane for the sync
// scheduler.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/datapulse/internal/calendar"
	"github.com/aristath/datapulse/internal/engine"
	"github.com/aristath/datapulse/internal/gaps"
	"github.com/aristath/datapulse/internal/history"
	"github.com/aristath/datapulse/internal/scheduler"
	"github.com/aristath/datapulse/internal/work"
)

// Config holds server construction dependencies.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	Calendar  *calendar.Service
	Registry  *work.Registry
	Engine    *engine.Engine
	Detector  *gaps.Detector
	Scheduler *scheduler.Scheduler
	History   *history.Store
	Cleanup   *history.CleanupJob
}

// Server is the HTTP control plane.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	calendar  *calendar.Service
	registry  *work.Registry
	engine    *engine.Engine
	detector  *gaps.Detector
	scheduler *scheduler.Scheduler
	history   *history.Store
	cleanup   *history.CleanupJob
}

// New creates the control-plane server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		calendar:  cfg.Calendar,
		registry:  cfg.Registry,
		engine:    cfg.Engine,
		detector:  cfg.Detector,
		scheduler: cfg.Scheduler,
		history:   cfg.History,
		cleanup:   cfg.Cleanup,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/calendar/status", s.handleCalendarStatus)
		r.Post("/calendar/refresh", s.handleCalendarRefresh)

		r.Get("/units", s.handleListUnits)
		r.Post("/units/{name}/enable", s.handleEnableUnit)
		r.Post("/units/{name}/disable", s.handleDisableUnit)

		r.Get("/tasks", s.handleListTasks)
		r.Post("/tasks", s.handleSubmitTask)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Post("/tasks/{id}/cancel", s.handleCancelTask)

		r.Get("/history", s.handleHistory)

		r.Get("/gaps", s.handleLatestGaps)
		r.Post("/gaps/detect", s.handleDetectGaps)

		r.Get("/scheduler/config", s.handleGetSchedulerConfig)
		r.Put("/scheduler/config", s.handlePutSchedulerConfig)
		r.Get("/scheduler/last-sync", s.handleLastSync)
	})
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
