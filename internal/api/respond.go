package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/patze/control/internal/bridgecmd"
	"github.com/patze/control/internal/configqueue"
	"github.com/patze/control/internal/cron"
	"github.com/patze/control/internal/fleet"
)

// maxBodyBytes caps request bodies; larger payloads get payload_too_large.
const maxBodyBytes = 1 << 20

// errorBody is the wire shape of every error response. Messages are scrubbed
// of paths and internals before they reach the caller.
type errorBody struct {
	Error     string      `json:"error"`
	Message   string      `json:"message,omitempty"`
	Diagnosis interface{} `json:"diagnosis,omitempty"`
	Approval  interface{} `json:"approval,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Warn("response encode failed", "error", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: code, Message: message})
}

// decodeJSON reads and validates a JSON body. It enforces the content type,
// the size cap, and strict field syntax, answering with the taxonomy code on
// failure. Returns false when a response has already been written.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type",
				"request body must be application/json")
			return false
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("request body exceeds %d bytes", maxBodyBytes))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON")
		return false
	}
	return true
}

// fail maps component errors onto the HTTP error taxonomy.
func fail(w http.ResponseWriter, err error) {
	var approval *fleet.ApprovalRequiredError
	if errors.As(err, &approval) {
		writeJSON(w, http.StatusConflict, errorBody{
			Error:    "approval_required",
			Message:  approval.Error(),
			Approval: approval,
		})
		return
	}

	switch {
	case errors.Is(err, configqueue.ErrTargetNotFound):
		writeError(w, http.StatusNotFound, "target_not_found", "target not found")
	case errors.Is(err, configqueue.ErrSnapshotNotFound):
		writeError(w, http.StatusNotFound, "snapshot_not_found", "snapshot not found")
	case errors.Is(err, configqueue.ErrNoPendingCommands):
		writeError(w, http.StatusBadRequest, "invalid_body", "no pending commands for target")
	case errors.Is(err, bridgecmd.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "command not found")
	case errors.Is(err, bridgecmd.ErrInvalidTransition), errors.Is(err, bridgecmd.ErrNotOwner):
		writeError(w, http.StatusConflict, "invalid_transition", scrub(err))
	case errors.Is(err, bridgecmd.ErrTargetVersionMismatch):
		writeError(w, http.StatusConflict, "target_version_mismatch",
			"approval target version does not match the current config hash")
	case errors.Is(err, fleet.ErrPolicyNotFound):
		writeError(w, http.StatusNotFound, "not_found", "policy not found")
	case errors.Is(err, cron.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, fleet.ErrFleetDisabled):
		writeError(w, http.StatusServiceUnavailable, "smart_fleet_disabled", "fleet engine is disabled")
	case errors.Is(err, fleet.ErrApprovalNotFound):
		writeError(w, http.StatusConflict, "approval_not_found", "approval token unknown or already used")
	case errors.Is(err, fleet.ErrApprovalExpired):
		writeError(w, http.StatusConflict, "approval_expired", "approval token expired")
	case errors.Is(err, fleet.ErrApprovalSignatureMismatch):
		writeError(w, http.StatusConflict, "approval_signature_mismatch",
			"approval token was issued for a different batch")
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_server_error", "")
	}
}

// scrub drops anything that looks like a filesystem path from err before it
// is surfaced to the caller.
func scrub(err error) string {
	fields := strings.Fields(err.Error())
	kept := fields[:0]
	for _, f := range fields {
		if strings.HasPrefix(f, "/") || strings.HasPrefix(f, "~") {
			continue
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}
