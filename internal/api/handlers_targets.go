package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/patze/control/internal/openclaw"
)

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.targets.List())
}

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var t openclaw.Target
	if !decodeJSON(w, r, &t) {
		return
	}
	created, err := s.targets.Create(t)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", scrub(err))
		return
	}
	if created.Enabled {
		if err := s.sync.StartTarget(created.ID); err != nil {
			fail(w, err)
			return
		}
	}
	s.bus.Emit("target.created", "targets", created)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := s.targets.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTarget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var patch openclaw.Target
	if !decodeJSON(w, r, &patch) {
		return
	}
	updated, err := s.targets.Update(id, patch)
	if err != nil {
		if _, ok := s.targets.Get(id); !ok {
			writeError(w, http.StatusNotFound, "target_not_found", "target not found")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body", scrub(err))
		return
	}
	if updated.Enabled {
		if err := s.sync.RestartTarget(id); err != nil {
			fail(w, err)
			return
		}
	} else {
		s.sync.StopTarget(id)
	}
	s.bus.Emit("target.updated", "targets", updated)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.targets.Get(id); !ok {
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
		return
	}
	s.sync.StopTarget(id)
	if err := s.targets.Delete(id); err != nil {
		fail(w, err)
		return
	}
	s.bus.Emit("target.deleted", "targets", map[string]string{"targetId": id})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAllSyncStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sync.GetAllStatuses())
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.targets.Get(id); !ok {
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
		return
	}
	writeJSON(w, http.StatusOK, s.sync.GetStatus(id))
}

func (s *Server) handleSyncAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	var err error
	switch vars["action"] {
	case "start":
		err = s.sync.StartTarget(id)
	case "stop":
		s.sync.StopTarget(id)
	case "restart":
		err = s.sync.RestartTarget(id)
	default:
		writeError(w, http.StatusBadRequest, "invalid_body", "unknown sync action")
		return
	}
	if err != nil {
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
		return
	}
	writeJSON(w, http.StatusOK, s.sync.GetStatus(id))
}

func (s *Server) handleTargetJobs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.targets.Get(id); !ok {
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
		return
	}
	writeJSON(w, http.StatusOK, s.sync.GetJobs(id))
}

func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, ok := s.targets.Get(vars["id"]); !ok {
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
		return
	}
	limit := queryInt(r, "limit", 50)
	writeJSON(w, http.StatusOK, s.sync.GetRunHistory(vars["id"], vars["jobId"], limit))
}

func (s *Server) handleMergedView(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		UserTasks []openclaw.MergedEntry `json:"userTasks"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, ok := s.targets.Get(id); !ok {
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
		return
	}
	writeJSON(w, http.StatusOK, s.sync.CreateMergedView(id, body.UserTasks))
}
