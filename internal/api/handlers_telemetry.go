package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/patze/control/internal/telemetry"
)

// handleIngestEvents accepts one event object or an array of them, runs them
// through the local node's validating ingest, and reports per-event
// outcomes.
func (s *Server) handleIngestEvents(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !decodeJSON(w, r, &raw) {
		return
	}

	var batch []json.RawMessage
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &batch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
			return
		}
	} else {
		batch = []json.RawMessage{raw}
	}

	results := s.node.IngestMany(batch)
	accepted := 0
	for _, res := range results {
		if s.metrics != nil {
			s.metrics.TelemetryEvents.WithLabelValues(string(res.Outcome)).Inc()
		}
		if res.Outcome == telemetry.AppendAccepted {
			accepted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": accepted,
		"results":  results,
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Snapshot())
}

func (s *Server) handleUnifiedLog(w http.ResponseWriter, r *http.Request) {
	log := s.agg.UnifiedLog()
	if limit := queryInt(r, "limit", 0); limit > 0 && limit < len(log) {
		log = log[len(log)-limit:]
	}
	writeJSON(w, http.StatusOK, log)
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
