package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/SchirmForge/ssh-tunnel-manager/internal/model"
	"github.com/SchirmForge/ssh-tunnel-manager/internal/profilestore"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tunnels.List())
}

func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.tunnels.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePendingAuth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := s.tunnels.Status(id)
	if err != nil || state.PendingAuth == nil {
		writeError(w, http.StatusNotFound, "no pending authentication request")
		return
	}
	writeJSON(w, http.StatusOK, state.PendingAuth)
}

// startRequest is the optional body for POST /tunnels/{id}/start: an
// empty body means "load the stored profile by this id"; a populated
// one is the hybrid in-request profile from spec.md §3's Hybrid profile
// concept.
type startRequest struct {
	Profile *model.Profile `json:"profile,omitempty"`
}

func (s *Server) handleStartTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req startRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	profile, err := s.resolveStartProfile(id, req.Profile)
	if err != nil {
		if errors.Is(err, model.ErrProfileNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.tunnels.Start(id, profile); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) resolveStartProfile(id string, hybrid *model.Profile) (model.Profile, error) {
	if hybrid != nil {
		return profilestore.ResolveHybrid(*hybrid)
	}
	return s.profiles.LoadByID(id)
}

func (s *Server) handleStopTunnel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.tunnels.Stop(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "stopping"})
}

type authDeliveryRequest struct {
	Value string `json:"value"`
}

func (s *Server) handleDeliverAuth(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req authDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.tunnels.DeliverAuth(id, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}
