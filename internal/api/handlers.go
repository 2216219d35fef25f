package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/dispatch"
	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/scheduler"
)

// maxBodyBytes caps request bodies; bulk recipient lists are the largest
const maxBodyBytes = 4 << 20

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Uptime  string           `json:"uptime"`
	Queue   *dispatch.Status `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.svc.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.svc.Queue != nil {
		st := s.svc.Queue.Status()
		resp.Queue = &st
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// decodeJSON reads a JSON body into v, answering 400 on failure
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// sendDomainError maps engine errors onto HTTP statuses
func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	var ve *dispatch.ValidationError
	switch {
	case errors.As(err, &ve):
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: ve.Reason, Field: ve.Field})
	case errors.Is(err, destination.ErrInvalid):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, destination.ErrNotFound), errors.Is(err, scheduler.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrAlreadyRunning), errors.Is(err, scheduler.ErrNotPending):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
