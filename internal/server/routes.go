package server

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zsiec/playcore/internal/errors"
	"github.com/zsiec/playcore/internal/logger"
	"github.com/zsiec/playcore/internal/player"
	"github.com/zsiec/playcore/internal/registry"
	"github.com/zsiec/playcore/internal/session"
)

// maxControlBody bounds the size of a control request.
const maxControlBody = 4 << 10

// SessionList is the body of the session listing endpoints.
type SessionList struct {
	Sessions []session.Snapshot `json:"sessions"`
	Count    int                `json:"count"`
}

// RegistryList is the body of the fleet listing endpoint.
type RegistryList struct {
	Sessions []*registry.Entry `json:"sessions"`
	Count    int               `json:"count"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	snaps := s.sessions.Snapshots()
	s.writeJSON(w, r, http.StatusOK, SessionList{Sessions: snaps, Count: len(snaps)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := s.sessions.Lookup(id)
	if !ok {
		s.errorHandler.HandleError(w, r, errors.NewNotFoundError("session "+id))
		return
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) handleSinkUsage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	usage, ok := s.sessions.SinkUsage(id)
	if !ok {
		s.errorHandler.HandleError(w, r, errors.NewNotFoundError("session "+id))
		return
	}
	s.writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"id":         id,
		"used_bytes": usage,
	})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var cmd player.Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxControlBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		s.errorHandler.HandleError(w, r, errors.Wrap(err, errors.ErrorTypeValidation, "invalid control request", http.StatusBadRequest))
		return
	}

	snap, err := s.sessions.Control(r.Context(), mux.Vars(r)["id"], cmd)
	if err != nil {
		s.errorHandler.HandleError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, snap)
}

func (s *Server) handleListRegistry(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorHandler.HandleError(w, r, errors.NewServiceDownError("registry"))
		return
	}
	entries, err := s.registry.List(r.Context())
	if err != nil {
		s.errorHandler.HandleError(w, r, errors.Wrap(err, errors.ErrorTypeServiceDown, "failed to list registry", http.StatusServiceUnavailable))
		return
	}
	s.writeJSON(w, r, http.StatusOK, RegistryList{Sessions: entries, Count: len(entries)})
}

func (s *Server) handleGetRegistry(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		s.errorHandler.HandleError(w, r, errors.NewServiceDownError("registry"))
		return
	}
	id := mux.Vars(r)["id"]
	entry, err := s.registry.Get(r.Context(), id)
	switch {
	case stderrors.Is(err, registry.ErrSessionNotFound):
		s.errorHandler.HandleError(w, r, errors.NewNotFoundError("session "+id))
	case err != nil:
		s.errorHandler.HandleError(w, r, errors.Wrap(err, errors.ErrorTypeServiceDown, "failed to read registry", http.StatusServiceUnavailable))
	default:
		s.writeJSON(w, r, http.StatusOK, entry)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("Failed to encode response")
	}
}
