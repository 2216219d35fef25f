package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/scheduler"
)

// ScheduleRequest is the request body for POST /schedules
type ScheduleRequest struct {
	Payload      dispatch.Item         `json:"payload"`
	ScheduledFor time.Time             `json:"scheduled_for"`
	Recurrence   *scheduler.Recurrence `json:"recurrence,omitempty"`
}

// handleListSchedules handles GET /api/v1/schedules
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	f := scheduler.Filter{
		Status:   scheduler.Status(r.URL.Query().Get("status")),
		SeriesID: r.URL.Query().Get("series_id"),
	}
	switch f.Status {
	case "", scheduler.StatusPending, scheduler.StatusSent, scheduler.StatusCancelled:
	default:
		s.sendError(w, http.StatusBadRequest, "status must be pending, sent, or cancelled")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"schedules": s.svc.Scheduler.List(f),
	})
}

// handleCreateSchedule handles POST /api/v1/schedules. The time must be
// in the future; overdue entries only occur on recovery.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.ScheduledFor.IsZero() {
		s.sendDomainError(w, dispatch.NewValidationError("scheduled_for", "is required"))
		return
	}
	if err := scheduler.CheckFuture(s.svc.Clock.Now(), req.ScheduledFor); err != nil {
		s.sendDomainError(w, err)
		return
	}

	e, err := s.svc.Scheduler.Schedule(req.Payload, req.ScheduledFor, req.Recurrence)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, e)
}

// handleGetSchedule handles GET /api/v1/schedules/{id}
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Scheduler.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, e)
}

// handleCancelSchedule handles POST /api/v1/schedules/{id}/cancel
func (s *Server) handleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Scheduler.Cancel(chi.URLParam(r, "id"))
	if err == nil {
		s.sendJSON(w, http.StatusOK, e)
		return
	}
	if errors.Is(err, scheduler.ErrNotPending) {
		s.sendJSON(w, http.StatusConflict, map[string]any{
			"error":    err.Error(),
			"schedule": e,
		})
		return
	}
	s.sendDomainError(w, err)
}
