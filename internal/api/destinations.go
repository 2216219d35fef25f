package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/automacoescomerciaisintegradas/aci-telegram/internal/destination"
)

// DestinationRequest is the request body for POST /destinations
type DestinationRequest struct {
	Name    string           `json:"name"`
	Kind    destination.Kind `json:"kind"`
	Address string           `json:"address"`
	Enabled *bool            `json:"enabled,omitempty"`
}

// handleListDestinations handles GET /api/v1/destinations
func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"destinations": s.svc.Destinations.List(),
	})
}

// handleCreateDestination handles POST /api/v1/destinations
func (s *Server) handleCreateDestination(w http.ResponseWriter, r *http.Request) {
	var req DestinationRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	d, err := s.svc.Destinations.Add(destination.Destination{
		Name:    req.Name,
		Kind:    req.Kind,
		Address: req.Address,
		Enabled: req.Enabled == nil || *req.Enabled,
	})
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, d)
}

// handleGetDestination handles GET /api/v1/destinations/{id}
func (s *Server) handleGetDestination(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Destinations.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleUpdateDestination handles PATCH /api/v1/destinations/{id}
func (s *Server) handleUpdateDestination(w http.ResponseWriter, r *http.Request) {
	var u destination.Update
	if !s.decodeJSON(w, r, &u) {
		return
	}

	d, err := s.svc.Destinations.Update(chi.URLParam(r, "id"), u)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}

// handleDeleteDestination handles DELETE /api/v1/destinations/{id}
func (s *Server) handleDeleteDestination(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Destinations.Remove(chi.URLParam(r, "id")); err != nil {
		s.sendDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEnableDestination handles POST /api/v1/destinations/{id}/enable
func (s *Server) handleEnableDestination(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

// handleDisableDestination handles POST /api/v1/destinations/{id}/disable
func (s *Server) handleDisableDestination(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	d, err := s.svc.Destinations.SetEnabled(chi.URLParam(r, "id"), enabled)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, d)
}
