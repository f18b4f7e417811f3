package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/patze/control/internal/attach"
	"github.com/patze/control/internal/bridgesetup"
	"github.com/patze/control/internal/security"
)

func (s *Server) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.attachments.ListAttachments())
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var ep attach.Endpoint
	if !decodeJSON(w, r, &ep) {
		return
	}
	jid := s.journal.Begin("attachment.attach", map[string]string{"endpointId": ep.ID, "host": ep.Host})
	att, err := s.attachments.AttachEndpoint(r.Context(), ep)
	if err != nil {
		s.journal.Fail(jid, err.Error())
		writeError(w, http.StatusBadGateway, "preflight_failed", scrub(err))
		return
	}
	s.journal.Succeed(jid, map[string]string{"tunnelId": att.Tunnel.ID})
	if s.metrics != nil {
		s.metrics.TunnelsOpen.Set(float64(len(s.tunnels.ListTunnels())))
	}
	s.bus.Emit("attachment.attached", "attach", att)
	writeJSON(w, http.StatusCreated, att)
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	closeTunnel := r.URL.Query().Get("closeTunnel") != "false"
	s.attachments.DetachEndpoint(id, closeTunnel)
	if s.metrics != nil {
		s.metrics.TunnelsOpen.Set(float64(len(s.tunnels.ListTunnels())))
	}
	s.bus.Emit("attachment.detached", "attach", map[string]string{"endpointId": id})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleProbeAttachment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.attachments.ProbeHealth(r.Context(), id); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"healthy": false, "error": scrub(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

func (s *Server) handleReattach(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	jid := s.journal.Begin("attachment.reattach", map[string]string{"endpointId": id})
	att, err := s.attachments.Reattach(r.Context(), id)
	if err != nil {
		s.journal.Fail(jid, err.Error())
		writeError(w, http.StatusBadGateway, "preflight_failed", scrub(err))
		return
	}
	s.journal.Succeed(jid, map[string]string{"tunnelId": att.Tunnel.ID})
	writeJSON(w, http.StatusOK, att)
}

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tunnels.ListTunnels())
}

func (s *Server) handleCloseTunnel(w http.ResponseWriter, r *http.Request) {
	s.tunnels.Close(mux.Vars(r)["id"])
	if s.metrics != nil {
		s.metrics.TunnelsOpen.Set(float64(len(s.tunnels.ListTunnels())))
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListSSHConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sshConns.List())
}

func (s *Server) handleSaveSSHConnection(w http.ResponseWriter, r *http.Request) {
	var conn security.SSHConnection
	if !decodeJSON(w, r, &conn) {
		return
	}
	saved, err := s.sshConns.Save(conn)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", scrub(err))
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleDeleteSSHConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.sshConns.Delete(mux.Vars(r)["id"]); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "connection not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- bridge setup ---

func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var in bridgesetup.ConnectInput
	if !decodeJSON(w, r, &in) {
		return
	}
	res := s.bridges.Preflight(r.Context(), in)
	if !res.OK {
		writeJSON(w, http.StatusBadGateway, errorBody{
			Error:     "preflight_failed",
			Message:   "ssh preflight failed",
			Diagnosis: res.Diagnosis,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridges.List())
}

func (s *Server) handleSetupBridge(w http.ResponseWriter, r *http.Request) {
	var in bridgesetup.SetupInput
	if !decodeJSON(w, r, &in) {
		return
	}
	jid := s.journal.Begin("bridge.setup", map[string]string{"host": in.Host})
	bridge, err := s.bridges.Setup(r.Context(), in)
	if err != nil {
		s.journal.Fail(jid, err.Error())
		body := errorBody{Error: "install_failed", Message: "bridge install failed"}
		if bridge != nil && bridge.Error != nil {
			body.Diagnosis = bridge.Error
		}
		writeJSON(w, http.StatusBadGateway, body)
		return
	}
	s.journal.Succeed(jid, map[string]string{"bridgeId": bridge.ID, "state": string(bridge.State)})
	s.bus.Emit("bridge.state", "bridgesetup", bridge)
	writeJSON(w, http.StatusCreated, bridge)
}

func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	bridge, ok := s.bridges.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "bridge not found")
		return
	}
	writeJSON(w, http.StatusOK, bridge)
}

func (s *Server) handleRemoveBridge(w http.ResponseWriter, r *http.Request) {
	s.bridges.Remove(mux.Vars(r)["id"])
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleBridgeLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bridges.Logs(mux.Vars(r)["id"]))
}

func (s *Server) handleRetrySudo(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	bridge, err := s.bridges.RetryInstallWithSudoPassword(r.Context(), mux.Vars(r)["id"], body.Password)
	if err != nil {
		resp := errorBody{Error: "install_failed", Message: "bridge install failed"}
		if bridge != nil && bridge.Error != nil {
			resp.Diagnosis = bridge.Error
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	s.bus.Emit("bridge.state", "bridgesetup", bridge)
	writeJSON(w, http.StatusOK, bridge)
}

func (s *Server) handleRetryUserMode(w http.ResponseWriter, r *http.Request) {
	bridge, err := s.bridges.RetryInstallUserMode(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		resp := errorBody{Error: "install_failed", Message: "bridge install failed"}
		if bridge != nil && bridge.Error != nil {
			resp.Diagnosis = bridge.Error
		}
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	s.bus.Emit("bridge.state", "bridgesetup", bridge)
	writeJSON(w, http.StatusOK, bridge)
}
