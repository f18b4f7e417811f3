package api

import (
	"net/http"

	"github.com/patze/control/internal/security"
)

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	writeJSON(w, http.StatusOK, s.journal.List(limit))
}

// handleGetAuth reports the auth mode without leaking the token.
func (s *Server) handleGetAuth(w http.ResponseWriter, r *http.Request) {
	cfg := s.auth.Config()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":     cfg.Mode,
		"hasToken": cfg.Token != "",
	})
}

func (s *Server) handleSetAuth(w http.ResponseWriter, r *http.Request) {
	var cfg security.AuthConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if err := s.auth.Set(cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", scrub(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"mode": cfg.Mode})
}
