package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
)

// EnqueueRequest is the request body for POST /queue/items
type EnqueueRequest struct {
	Items []dispatch.Item `json:"items"`
}

// IntervalRequest is the request body for PUT /queue/interval
type IntervalRequest struct {
	IntervalSeconds *int `json:"interval_seconds"`
}

// QueueResponse is the response for queue endpoints
type QueueResponse struct {
	Status dispatch.Status `json:"status"`
	Items  []dispatch.Item `json:"items,omitempty"`
}

// handleQueueStatus handles GET /api/v1/queue
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, QueueResponse{
		Status: s.svc.Queue.Status(),
		Items:  s.svc.Queue.Items(),
	})
}

// handleQueueEnqueue handles POST /api/v1/queue/items
func (s *Server) handleQueueEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		s.sendDomainError(w, dispatch.NewValidationError("items", "at least one item is required"))
		return
	}
	for _, item := range req.Items {
		if err := item.Validate(); err != nil {
			s.sendDomainError(w, err)
			return
		}
	}

	added := s.svc.Queue.Enqueue(req.Items...)
	s.logger.Info("items queued via API", "count", len(added))

	s.sendJSON(w, http.StatusAccepted, QueueResponse{
		Status: s.svc.Queue.Status(),
		Items:  added,
	})
}

// handleQueueInterval handles PUT /api/v1/queue/interval
func (s *Server) handleQueueInterval(w http.ResponseWriter, r *http.Request) {
	var req IntervalRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.IntervalSeconds == nil || *req.IntervalSeconds < 0 {
		s.sendDomainError(w, dispatch.NewValidationError("interval_seconds", "must be zero or positive"))
		return
	}

	s.svc.Queue.SetInterval(time.Duration(*req.IntervalSeconds) * time.Second)
	s.sendJSON(w, http.StatusOK, QueueResponse{Status: s.svc.Queue.Status()})
}

// handleQueueStart handles POST /api/v1/queue/start. Starting a running
// queue is reported with 409 and changes nothing.
func (s *Server) handleQueueStart(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Queue.Start()
	if err != nil && !errors.Is(err, dispatch.ErrAlreadyRunning) {
		s.sendDomainError(w, err)
		return
	}
	if err != nil {
		s.sendJSON(w, http.StatusConflict, map[string]any{
			"error":  err.Error(),
			"status": s.svc.Queue.Status(),
		})
		return
	}
	s.sendJSON(w, http.StatusOK, QueueResponse{Status: s.svc.Queue.Status()})
}

// handleQueueStop handles POST /api/v1/queue/stop
func (s *Server) handleQueueStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.svc.Queue.Stop()
	s.sendJSON(w, http.StatusOK, map[string]any{
		"stopped": stopped,
		"status":  s.svc.Queue.Status(),
	})
}

// handleQueueClear handles DELETE /api/v1/queue
func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	s.svc.Queue.Clear()
	s.logger.Info("queue cleared via API")
	w.WriteHeader(http.StatusNoContent)
}
