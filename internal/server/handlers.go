package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/datapulse/internal/engine"
	"github.com/aristath/datapulse/internal/history"
	"github.com/aristath/datapulse/internal/scheduler"
	"github.com/aristath/datapulse/internal/work"
)

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"calendar": s.calendar.GetStatus(),
	})
}

func (s *Server) handleCalendarStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.calendar.GetStatus())
}

func (s *Server) handleCalendarRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.calendar.Refresh(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.calendar.GetStatus())
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"units": s.registry.Views()})
}

func (s *Server) setUnitEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	name := chi.URLParam(r, "name")
	if err := s.registry.SetEnabled(name, enabled); err != nil {
		var unknown *work.UnknownUnitError
		if errors.As(err, &unknown) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"unit": name, "enabled": enabled})
}

func (s *Server) handleEnableUnit(w http.ResponseWriter, r *http.Request) {
	s.setUnitEnabled(w, r, true)
}

func (s *Server) handleDisableUnit(w http.ResponseWriter, r *http.Request) {
	s.setUnitEnabled(w, r, false)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": s.engine.Tasks()})
}

type submitTaskRequest struct {
	Unit        string   `json:"unit"`
	Kind        string   `json:"kind"`
	Partitions  []string `json:"partitions,omitempty"` // YYYY-MM-DD
	AutoResolve bool     `json:"auto_resolve,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	partitions := make([]time.Time, 0, len(req.Partitions))
	for _, p := range req.Partitions {
		day, err := time.ParseInLocation("2006-01-02", p, time.UTC)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid partition date: "+p)
			return
		}
		partitions = append(partitions, day)
	}

	id, err := s.engine.Submit(r.Context(), req.Unit, engine.Kind(req.Kind), partitions,
		engine.SubmitOptions{AutoResolve: req.AutoResolve})
	if err != nil {
		var unknown *work.UnknownUnitError
		var unsatisfied *work.DependencyNotSatisfiedError
		switch {
		case errors.As(err, &unknown):
			s.writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &unsatisfied):
			s.writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":   err.Error(),
				"missing": unsatisfied.Missing,
			})
		default:
			s.writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, ok := s.engine.Status(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown task: "+id)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.engine.Status(id); !ok {
		s.writeError(w, http.StatusNotFound, "unknown task: "+id)
		return
	}

	canceled := s.engine.Cancel(id)
	if !canceled {
		s.writeError(w, http.StatusConflict, "task already terminal")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"task_id": id, "canceled": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := history.Filter{
		Unit:   q.Get("unit"),
		Status: q.Get("status"),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			since, err = time.ParseInLocation("2006-01-02", v, time.UTC)
		}
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since value: "+v)
			return
		}
		filter.Since = since
	}
	switch q.Get("sort") {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		s.writeError(w, http.StatusBadRequest, "invalid sort value: "+q.Get("sort"))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit: "+v)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid offset: "+v)
			return
		}
		filter.Offset = n
	}

	records, err := s.history.Query(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleLatestGaps(w http.ResponseWriter, r *http.Request) {
	report, ok := s.scheduler.LastReport()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no missing-data sweep has run yet")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDetectGaps(w http.ResponseWriter, r *http.Request) {
	lookback := s.scheduler.Settings().LookbackDays
	if v := r.URL.Query().Get("lookback"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid lookback: "+v)
			return
		}
		lookback = n
	}

	report, err := s.detector.Detect(r.Context(), lookback)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLastSync(w http.ResponseWriter, r *http.Request) {
	report, ok := s.scheduler.LastSyncReport()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no sync tick has run yet")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type schedulerConfigResponse struct {
	scheduler.Settings
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
	RetentionDays      int `json:"retention_days"`
}

func (s *Server) currentSchedulerConfig() schedulerConfigResponse {
	return schedulerConfigResponse{
		Settings:           s.scheduler.Settings(),
		MaxConcurrentTasks: s.engine.Workers(),
		RetentionDays:      int(s.cleanup.Retention() / (24 * time.Hour)),
	}
}

func (s *Server) handleGetSchedulerConfig(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentSchedulerConfig())
}

type schedulerConfigRequest struct {
	MissingCheckSpec   *string `json:"missing_check_schedule,omitempty"`
	SyncSpec           *string `json:"sync_schedule,omitempty"`
	BackfillThreshold  *int    `json:"backfill_threshold,omitempty"`
	LookbackDays       *int    `json:"lookback_days,omitempty"`
	MaxConcurrentTasks *int    `json:"max_concurrent_tasks,omitempty"`
	RetentionDays      *int    `json:"retention_days,omitempty"`
}

// handlePutSchedulerConfig applies a partial configuration update.
// Omitted fields keep their current values. Every field is validated
// before anything is applied, so a rejected request leaves the
// configuration untouched.
func (s *Server) handlePutSchedulerConfig(w http.ResponseWriter, r *http.Request) {
	var req schedulerConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	settings := s.scheduler.Settings()
	if req.MissingCheckSpec != nil {
		settings.MissingCheckSpec = *req.MissingCheckSpec
	}
	if req.SyncSpec != nil {
		settings.SyncSpec = *req.SyncSpec
	}
	if req.BackfillThreshold != nil {
		settings.BackfillThreshold = *req.BackfillThreshold
	}
	if req.LookbackDays != nil {
		settings.LookbackDays = *req.LookbackDays
	}

	if err := settings.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MaxConcurrentTasks != nil && *req.MaxConcurrentTasks < 1 {
		s.writeError(w, http.StatusBadRequest, "max concurrent tasks must be at least 1")
		return
	}
	if req.RetentionDays != nil && *req.RetentionDays < 1 {
		s.writeError(w, http.StatusBadRequest, "retention must be at least 1 day")
		return
	}

	if err := s.scheduler.UpdateSettings(settings); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if req.MaxConcurrentTasks != nil {
		if err := s.engine.SetWorkers(*req.MaxConcurrentTasks); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.RetentionDays != nil {
		s.cleanup.SetRetention(time.Duration(*req.RetentionDays) * 24 * time.Hour)
	}

	s.writeJSON(w, http.StatusOK, s.currentSchedulerConfig())
}
