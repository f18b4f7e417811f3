package api

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/patze/control/internal/bridgecmd"
	"github.com/patze/control/internal/fleet"
	"github.com/patze/control/internal/openclaw"
)

// bridgeSpoolDir is the per-machine spool a remote bridge syncs into.
func (s *Server) bridgeSpoolDir(machineID string) string {
	return filepath.Join(s.cfg.CronStoreDir, "bridges", openclaw.SafeJobID(machineID))
}

// handleCronSync is the bridge check-in: rate-limited per (machineId,
// sourceIp), idempotent on disk, and feeds the fleet engine's reported
// state.
func (s *Server) handleCronSync(w http.ResponseWriter, r *http.Request) {
	var req openclaw.CronSyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "machineId is required")
		return
	}

	key := req.MachineID + "|" + clientIP(r)
	if ok, retryAfter := s.limiter.Allow(key); !ok {
		if s.metrics != nil {
			s.metrics.CronSyncs.WithLabelValues("rate_limited").Inc()
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "cron-sync budget exhausted")
		return
	}

	label := req.MachineLabel
	if label == "" {
		label = req.MachineID
	}
	target, err := s.targets.EnsureAutoTarget(s.bridgeSpoolDir(req.MachineID), label)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CronSyncs.WithLabelValues("rejected").Inc()
		}
		writeError(w, http.StatusBadRequest, "invalid_body", scrub(err))
		return
	}

	res, err := openclaw.ApplyCronSync(target.OpenClawDir, &req)
	if err != nil {
		if s.metrics != nil {
			s.metrics.CronSyncs.WithLabelValues("rejected").Inc()
		}
		fail(w, err)
		return
	}
	res.TargetID = target.ID

	// Auto-created targets are first-class: run their sync worker right
	// away instead of waiting for a restart or a manual start.
	if target.Enabled && !s.sync.GetStatus(target.ID).Running {
		if err := s.sync.StartTarget(target.ID); err != nil {
			fail(w, err)
			return
		}
	}

	if s.fleet != nil && s.fleet.Enabled() {
		s.fleet.RecordCheckin(target.ID, fleet.Checkin{
			BridgeVersion: req.BridgeVersion,
			ConfigHash:    req.ConfigHash,
			HeartbeatAt:   time.Now().UTC(),
		})
	}
	if s.metrics != nil {
		s.metrics.CronSyncs.WithLabelValues("ok").Inc()
	}
	s.bus.Emit("bridge.cron_sync", "bridge", res)
	writeJSON(w, http.StatusOK, res)
}

// --- bridge command pull endpoints ---

func (s *Server) handlePollCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MachineID  string `json:"machineId"`
		LeaseTTLMs int64  `json:"leaseTtlMs,omitempty"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.MachineID == "" {
		writeError(w, http.StatusBadRequest, "invalid_body", "machineId is required")
		return
	}
	cmd, ok := s.commands.Poll(body.MachineID, time.Duration(body.LeaseTTLMs)*time.Millisecond)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]bool{"available": false})
		return
	}
	s.noteCommandState(cmd)
	writeJSON(w, http.StatusOK, map[string]interface{}{"available": true, "command": cmd})
}

func (s *Server) handleAckCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MachineID string `json:"machineId"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	cmd, err := s.commands.Ack(mux.Vars(r)["id"], body.MachineID)
	if err != nil {
		fail(w, err)
		return
	}
	s.noteCommandState(cmd)
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleHeartbeatCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MachineID  string `json:"machineId"`
		LeaseTTLMs int64  `json:"leaseTtlMs,omitempty"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	cmd, err := s.commands.Heartbeat(mux.Vars(r)["id"], body.MachineID,
		time.Duration(body.LeaseTTLMs)*time.Millisecond)
	if err != nil {
		fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleResultCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MachineID string          `json:"machineId"`
		Result    bridgecmd.Result `json:"result"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	res, err := s.commands.ApplyResult(id, body.MachineID, body.Result)
	if err != nil {
		fail(w, err)
		return
	}
	if cmd, ok := s.commands.Get(id); ok {
		s.noteCommandState(cmd)
	}
	writeJSON(w, http.StatusOK, res)
}

// --- operator command endpoints ---

func (s *Server) handleEnqueueCommand(w http.ResponseWriter, r *http.Request) {
	var snap bridgecmd.Snapshot
	if !decodeJSON(w, r, &snap) {
		return
	}
	target, ok := s.targets.Get(snap.TargetID)
	if !ok {
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
		return
	}
	if snap.TargetVersion == "" {
		raw, _, err := openclaw.ReadConfig(target.OpenClawDir)
		if err == nil {
			snap.TargetVersion = openclaw.HashConfig(raw)
		}
	}
	jid := s.journal.Begin("command.enqueue", map[string]string{
		"targetId": snap.TargetID, "intent": snap.Intent,
	})
	cmd, err := s.commands.Enqueue(snap)
	if err != nil {
		s.journal.Fail(jid, err.Error())
		writeError(w, http.StatusBadRequest, "invalid_body", scrub(err))
		return
	}
	s.journal.Succeed(jid, map[string]string{"commandId": cmd.ID})
	s.noteCommandState(cmd)
	writeJSON(w, http.StatusCreated, cmd)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.commands.ListByTarget(r.URL.Query().Get("targetId")))
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.commands.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "command not found")
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleApproveCommand gates approval on the target's current config hash.
func (s *Server) handleApproveCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ApprovedBy    string `json:"approvedBy"`
		TargetVersion string `json:"targetVersion"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	existing, ok := s.commands.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "command not found")
		return
	}
	current := ""
	if target, ok := s.targets.Get(existing.Snapshot.TargetID); ok {
		if raw, _, err := openclaw.ReadConfig(target.OpenClawDir); err == nil {
			current = openclaw.HashConfig(raw)
		}
	}
	cmd, err := s.commands.Approve(id, body.ApprovedBy, body.TargetVersion, current)
	if err != nil {
		fail(w, err)
		return
	}
	s.bus.Emit("command.approved", "commands", cmd)
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleRejectCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	cmd, err := s.commands.Reject(mux.Vars(r)["id"], body.Reason)
	if err != nil {
		fail(w, err)
		return
	}
	s.noteCommandState(cmd)
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) noteCommandState(cmd *bridgecmd.Command) {
	if s.metrics != nil {
		s.metrics.CommandStates.WithLabelValues(string(cmd.State)).Inc()
	}
	s.bus.Emit("command.transition", "commands", map[string]interface{}{
		"commandId": cmd.ID,
		"state":     cmd.State,
		"targetId":  cmd.Snapshot.TargetID,
	})
}
