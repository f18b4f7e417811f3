// Package telemetry implements the event log, read-model projection, and
// multi-node aggregation for bridge telemetry.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventVersion is the only accepted envelope version.
const EventVersion = "telemetry.v1"

// Trace carries optional correlation ids attached to an event.
type Trace struct {
	TraceID string `json:"traceId"`
	SpanID  string `json:"spanId,omitempty"`
}

// Event is one validated telemetry event. Events are immutable once appended
// to a store.
type Event struct {
	Version   string                 `json:"version"`
	ID        string                 `json:"id"`
	TS        string                 `json:"ts"`
	MachineID string                 `json:"machineId"`
	Severity  string                 `json:"severity"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Trace     *Trace                 `json:"trace,omitempty"`

	// parsedTS caches the decoded timestamp for merge ordering.
	parsedTS time.Time
}

// Time returns the parsed event timestamp.
func (e *Event) Time() time.Time { return e.parsedTS }

// RunState is one entry of the run/session lifecycle set.
type RunState string

const (
	StateCreated     RunState = "created"
	StateQueued      RunState = "queued"
	StateRunning     RunState = "running"
	StateWaitingTool RunState = "waiting_tool"
	StateStreaming   RunState = "streaming"
	StateCompleted   RunState = "completed"
	StateFailed      RunState = "failed"
	StateCancelled   RunState = "cancelled"
)

// IsTerminal reports whether the state is sticky: once a run reaches it,
// later non-terminal events for the same id are discarded.
func (s RunState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// IsLifecycleState reports whether s belongs to the lifecycle set at all.
func IsLifecycleState(s string) bool {
	switch RunState(s) {
	case StateCreated, StateQueued, StateRunning, StateWaitingTool,
		StateStreaming, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ValidationError describes why an inbound event was rejected. The code is
// stable and machine-readable; the message is for operators.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

const (
	maxIDLen       = 128
	maxMachineID   = 256
	maxTypeLen     = 64
	maxStringField = 4096
)

var severities = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// eventTypeFamilies are the accepted discriminator prefixes. Exact types
// (machine.registered, machine.heartbeat) are listed alongside the wildcard
// families.
var exactEventTypes = map[string]bool{
	"machine.registered": true,
	"machine.heartbeat":  true,
}

var eventTypeFamilies = []string{"session.", "run.", "tool.", "log.", "span."}

func knownEventType(t string) bool {
	if exactEventTypes[t] {
		return true
	}
	for _, prefix := range eventTypeFamilies {
		if strings.HasPrefix(t, prefix) && len(t) > len(prefix) {
			return true
		}
	}
	return false
}

// DecodeEvent parses and validates a raw telemetry event. It is the single
// entry point for untrusted input: downstream code only ever sees validated
// Event values.
func DecodeEvent(raw json.RawMessage) (*Event, *ValidationError) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, invalid("invalid_json", "malformed event: %v", err)
	}
	if verr := ValidateEvent(&ev); verr != nil {
		return nil, verr
	}
	return &ev, nil
}

// ValidateEvent checks required fields, discriminator, and bounds, and caches
// the parsed timestamp on success.
func ValidateEvent(ev *Event) *ValidationError {
	if ev.Version != EventVersion {
		return invalid("unsupported_version", "version must be %q", EventVersion)
	}
	if ev.ID == "" || len(ev.ID) > maxIDLen {
		return invalid("invalid_id", "id is required and must be at most %d bytes", maxIDLen)
	}
	if ev.MachineID == "" || len(ev.MachineID) > maxMachineID {
		return invalid("invalid_machine_id", "machineId is required and must be at most %d bytes", maxMachineID)
	}
	if ev.Type == "" || len(ev.Type) > maxTypeLen {
		return invalid("invalid_type", "type is required and must be at most %d bytes", maxTypeLen)
	}
	if !knownEventType(ev.Type) {
		return invalid("unknown_type", "unknown event type %q", ev.Type)
	}
	if !severities[ev.Severity] {
		return invalid("invalid_severity", "severity %q is not one of debug|info|warn|error", ev.Severity)
	}
	ts, err := time.Parse(time.RFC3339Nano, ev.TS)
	if err != nil {
		return invalid("invalid_ts", "ts must be ISO-8601 UTC")
	}
	ev.parsedTS = ts.UTC()
	if ev.Trace != nil && ev.Trace.TraceID == "" {
		return invalid("invalid_trace", "trace.traceId is required when trace is present")
	}
	if verr := validatePayloadStrings(ev.Payload); verr != nil {
		return verr
	}
	// Per-type required payload fields.
	switch {
	case strings.HasPrefix(ev.Type, "session."):
		if payloadString(ev.Payload, "sessionId") == "" {
			return invalid("missing_field", "%s requires payload.sessionId", ev.Type)
		}
	case strings.HasPrefix(ev.Type, "run."):
		if payloadString(ev.Payload, "runId") == "" {
			return invalid("missing_field", "%s requires payload.runId", ev.Type)
		}
	case strings.HasPrefix(ev.Type, "tool."):
		if payloadString(ev.Payload, "runId") == "" {
			return invalid("missing_field", "%s requires payload.runId", ev.Type)
		}
	}
	return nil
}

func validatePayloadStrings(payload map[string]interface{}) *ValidationError {
	for k, v := range payload {
		if s, ok := v.(string); ok && len(s) > maxStringField {
			return invalid("field_too_long", "payload.%s exceeds %d bytes", k, maxStringField)
		}
	}
	return nil
}

func payloadString(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}
