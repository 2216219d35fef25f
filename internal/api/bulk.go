package api

import (
	"net/http"
	"time"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/bulk"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
)

// BulkRequest is the request body for POST /bulk. Recipients is free
// text separated by newlines or commas.
type BulkRequest struct {
	Recipients      string `json:"recipients"`
	Body            string `json:"body"`
	IntervalSeconds *int   `json:"interval_seconds,omitempty"`
}

// ParseResponse is the response for POST /bulk/parse
type ParseResponse struct {
	Recipients []string `json:"recipients"`
	Count      int      `json:"count"`
}

// handleBulkStatus handles GET /api/v1/bulk
func (s *Server) handleBulkStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.svc.Bulk.Snapshot()
	if !ok {
		s.sendError(w, http.StatusNotFound, "no bulk job")
		return
	}
	s.sendJSON(w, http.StatusOK, job)
}

// handleBulkStart handles POST /api/v1/bulk
func (s *Server) handleBulkStart(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	interval := s.svc.BulkInterval
	if req.IntervalSeconds != nil {
		if *req.IntervalSeconds < 0 {
			s.sendDomainError(w, dispatch.NewValidationError("interval_seconds", "must be zero or positive"))
			return
		}
		interval = time.Duration(*req.IntervalSeconds) * time.Second
	}

	job, err := s.svc.Bulk.Start(req.Recipients, req.Body, interval)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusAccepted, job)
}

// handleBulkStop handles POST /api/v1/bulk/stop
func (s *Server) handleBulkStop(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]bool{"stopped": s.svc.Bulk.Stop()})
}

// handleBulkParse handles POST /api/v1/bulk/parse. It previews the
// recipient list a job would use without sending anything.
func (s *Server) handleBulkParse(w http.ResponseWriter, r *http.Request) {
	var req BulkRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	recipients := bulk.ParseRecipients(req.Recipients)
	s.sendJSON(w, http.StatusOK, ParseResponse{Recipients: recipients, Count: len(recipients)})
}
