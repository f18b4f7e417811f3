package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/patze/control/internal/cron"
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tasks.List())
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t cron.Task
	if !decodeJSON(w, r, &t) {
		return
	}
	created, err := s.tasks.Create(t)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", scrub(err))
		return
	}
	s.bus.Emit("task.created", "cron", created)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tasks.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch cron.Task
	if !decodeJSON(w, r, &patch) {
		return
	}
	updated, err := s.tasks.Update(mux.Vars(r)["id"], patch)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(mux.Vars(r)["id"]); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTaskRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	writeJSON(w, http.StatusOK, s.tasks.RunHistory(mux.Vars(r)["id"], limit))
}
