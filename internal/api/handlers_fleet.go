package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/patze/control/internal/fleet"
)

func (s *Server) handleAssessments(w http.ResponseWriter, r *http.Request) {
	assessments, err := s.fleet.EvaluateAll()
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assessments)
}

func (s *Server) handleAssessment(w http.ResponseWriter, r *http.Request) {
	if !s.fleet.Enabled() {
		fail(w, fleet.ErrFleetDisabled)
		return
	}
	target, ok := s.targets.Get(mux.Vars(r)["targetId"])
	if !ok {
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
		return
	}
	writeJSON(w, http.StatusOK, s.fleet.Evaluate(target))
}

// handleBatchApply answers 409 with the one-time token when the preview
// crosses the critical threshold; resubmission with the token applies.
func (s *Server) handleBatchApply(w http.ResponseWriter, r *http.Request) {
	var req fleet.BatchApplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	jid := s.journal.Begin("fleet.batch_apply", map[string]int{"items": len(req.Items)})
	summary, err := s.fleet.BatchApply(req)
	if err != nil {
		s.journal.Fail(jid, err.Error())
		fail(w, err)
		return
	}
	s.journal.Succeed(jid, summary)
	s.bus.Emit("fleet.batch_applied", "fleet", summary)
	writeJSON(w, http.StatusOK, map[string]interface{}{"summary": summary})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policies.List())
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	var p fleet.PolicyProfile
	if !decodeJSON(w, r, &p) {
		return
	}
	created, err := s.policies.Create(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", scrub(err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Delete(mux.Vars(r)["id"]); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAssignPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TargetID string `json:"targetId"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, ok := s.targets.Get(body.TargetID); !ok {
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
		return
	}
	if err := s.policies.Assign(body.TargetID, mux.Vars(r)["id"]); err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alerts.Destinations())
}

func (s *Server) handleAddDestination(w http.ResponseWriter, r *http.Request) {
	var d fleet.Destination
	if !decodeJSON(w, r, &d) {
		return
	}
	created, err := s.alerts.AddDestination(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", scrub(err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleRemoveDestination(w http.ResponseWriter, r *http.Request) {
	if err := s.alerts.RemoveDestination(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "destination not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alerts.Rules())
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule fleet.Rule
	if !decodeJSON(w, r, &rule) {
		return
	}
	created, err := s.alerts.AddRule(rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", scrub(err))
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
