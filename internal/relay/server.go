package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/voxlink/internal/observe"
)

// Server exposes a [Registry] over HTTP.
type Server struct {
	reg *Registry
}

// NewServer creates a handler set for reg.
func NewServer(reg *Registry) *Server {
	return &Server{reg: reg}
}

// Register mounts the relay endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+sessionsPath, s.handleCreate)
	mux.HandleFunc("POST "+sessionsPath+"/{id}/frames", s.handleFrame)
	mux.HandleFunc("DELETE "+sessionsPath+"/{id}", s.handleDelete)
}

// handleCreate handles POST /v1/live/sessions.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	e, created, err := s.reg.Open(r.Context(), req.SessionID, req.SessionConfig)
	switch {
	case errors.Is(err, ErrInvalidID):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		observe.Logger(r.Context()).Warn("relay: open session failed", "err", err)
		writeError(w, http.StatusBadGateway, "failed to open upstream session")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, CreateResponse{SessionID: e.ID()})
}

// handleFrame handles POST /v1/live/sessions/{id}/frames.
func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req FrameRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	chunk, send, err := req.chunk()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := s.reg.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	reg := s.reg
	msg, err := e.Exchange(r.Context(), req.Seq, chunk, send, reg.Policy().ResponseWait, reg.now())
	switch {
	case errors.Is(err, ErrSessionEnded):
		observe.SessionLogger(r.Context(), id).Info("relay session ended upstream", "err", err)
		_ = reg.Close(id)
		writeError(w, http.StatusGone, err.Error())
		return
	case err != nil:
		// Client went away mid-wait; nothing to answer.
		return
	}
	writeJSON(w, http.StatusOK, newFrameResponse(msg))
}

// handleDelete handles DELETE /v1/live/sessions/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Close(r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
