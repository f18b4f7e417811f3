package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/patze/control/internal/configqueue"
)

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.ListPending(mux.Vars(r)["id"]))
}

func (s *Server) handleClearPending(w http.ResponseWriter, r *http.Request) {
	s.queue.ClearPending(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleEnqueueConfig(w http.ResponseWriter, r *http.Request) {
	var cmd configqueue.PendingCommand
	if !decodeJSON(w, r, &cmd) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.queue.Enqueue(id, cmd); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.queue.ListPending(id))
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Preview(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleApply runs the pending queue transactionally. A failed command rolls
// the config back and reports ok=false with HTTP 200; the journal records
// the outcome either way.
func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source,omitempty"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	jid := s.journal.Begin("config.apply", map[string]string{"targetId": id})

	res, err := s.queue.Apply(r.Context(), id, body.Source)
	if err != nil {
		s.journal.Fail(jid, err.Error())
		fail(w, err)
		return
	}
	if res.OK {
		s.journal.Succeed(jid, map[string]string{"snapshotId": res.SnapshotID})
	} else {
		s.journal.Fail(jid, res.Error)
	}
	s.bus.Emit("config.applied", "configqueue", map[string]interface{}{
		"targetId":   id,
		"ok":         res.OK,
		"snapshotId": res.SnapshotID,
	})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps := s.queue.ListSnapshots(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	snap, err := s.queue.GetSnapshot(vars["id"], vars["snapshotId"])
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SnapshotID string `json:"snapshotId"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	jid := s.journal.Begin("config.rollback", map[string]string{
		"targetId": id, "snapshotId": body.SnapshotID,
	})
	preRollbackID, err := s.queue.RollbackToSnapshot(id, body.SnapshotID)
	if err != nil {
		s.journal.Fail(jid, err.Error())
		fail(w, err)
		return
	}
	s.journal.Succeed(jid, map[string]string{"preRollbackSnapshotId": preRollbackID})
	s.bus.Emit("config.rolled_back", "configqueue", map[string]string{
		"targetId":              id,
		"snapshotId":            body.SnapshotID,
		"preRollbackSnapshotId": preRollbackID,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":                    true,
		"preRollbackSnapshotId": preRollbackID,
	})
}
