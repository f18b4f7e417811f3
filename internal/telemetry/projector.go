package telemetry

import "strings"

// Machine is the folded read model for one bridge host.
type Machine struct {
	MachineID       string `json:"machineId"`
	Label           string `json:"label,omitempty"`
	BridgeVersion   string `json:"bridgeVersion,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
	Platform        string `json:"platform,omitempty"`
	RegisteredAt    string `json:"registeredAt,omitempty"`
	LastSeenAt      string `json:"lastSeenAt,omitempty"`
	LastHeartbeatAt string `json:"lastHeartbeatAt,omitempty"`
}

// Session is the folded read model for one agent session.
type Session struct {
	SessionID string   `json:"sessionId"`
	MachineID string   `json:"machineId"`
	State     RunState `json:"state"`
	Title     string   `json:"title,omitempty"`
	StartedAt string   `json:"startedAt,omitempty"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
}

// Run is the folded read model for one agent run.
type Run struct {
	RunID     string   `json:"runId"`
	SessionID string   `json:"sessionId,omitempty"`
	MachineID string   `json:"machineId"`
	State     RunState `json:"state"`
	Model     string   `json:"model,omitempty"`
	Error     string   `json:"error,omitempty"`
	CreatedAt string   `json:"createdAt,omitempty"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
}

// Projection holds the machine/session/run read models derived from folding
// an event log. The fold is deterministic: the same ordered sequence always
// produces the same projection.
type Projection struct {
	Machines map[string]*Machine `json:"machines"`
	Sessions map[string]*Session `json:"sessions"`
	Runs     map[string]*Run     `json:"runs"`
}

// NewProjection returns an empty projection.
func NewProjection() *Projection {
	return &Projection{
		Machines: make(map[string]*Machine),
		Sessions: make(map[string]*Session),
		Runs:     make(map[string]*Run),
	}
}

// Apply folds one event into the projection. Unknown types update machine
// presence only. Apply never panics on malformed payloads: missing fields
// simply leave the prior value in place (last-writer-wins per field).
func (p *Projection) Apply(ev *Event) {
	m := p.machine(ev.MachineID)
	m.LastSeenAt = ev.TS

	switch {
	case ev.Type == "machine.registered":
		m.RegisteredAt = ev.TS
		applyIfSet(&m.Label, ev.Payload, "label")
		applyIfSet(&m.BridgeVersion, ev.Payload, "bridgeVersion")
		applyIfSet(&m.Hostname, ev.Payload, "hostname")
		applyIfSet(&m.Platform, ev.Payload, "platform")
	case ev.Type == "machine.heartbeat":
		m.LastHeartbeatAt = ev.TS
		applyIfSet(&m.BridgeVersion, ev.Payload, "bridgeVersion")
	case strings.HasPrefix(ev.Type, "session."):
		p.applySession(ev)
	case strings.HasPrefix(ev.Type, "run."), strings.HasPrefix(ev.Type, "tool."):
		p.applyRun(ev)
	}
}

func (p *Projection) machine(id string) *Machine {
	m, ok := p.Machines[id]
	if !ok {
		m = &Machine{MachineID: id}
		p.Machines[id] = m
	}
	return m
}

func (p *Projection) applySession(ev *Event) {
	id := payloadString(ev.Payload, "sessionId")
	s, ok := p.Sessions[id]
	if !ok {
		s = &Session{SessionID: id, MachineID: ev.MachineID, State: StateCreated, StartedAt: ev.TS}
		p.Sessions[id] = s
	}
	next := stateForEvent(ev, "session.")
	if next != "" && !s.State.IsTerminal() {
		s.State = next
	}
	applyIfSet(&s.Title, ev.Payload, "title")
	s.UpdatedAt = ev.TS
}

func (p *Projection) applyRun(ev *Event) {
	id := payloadString(ev.Payload, "runId")
	r, ok := p.Runs[id]
	if !ok {
		r = &Run{RunID: id, MachineID: ev.MachineID, State: StateCreated, CreatedAt: ev.TS}
		p.Runs[id] = r
	}
	// Terminal states are sticky: later events for the same run are
	// discarded entirely, field updates included.
	if r.State.IsTerminal() {
		return
	}
	applyIfSet(&r.SessionID, ev.Payload, "sessionId")
	applyIfSet(&r.Model, ev.Payload, "model")

	var next RunState
	switch {
	case strings.HasPrefix(ev.Type, "tool."):
		// Tool activity implies the run is waiting on a tool, unless the
		// tool event itself carries a lifecycle state.
		next = StateWaitingTool
		if s := stateForEvent(ev, "tool."); s != "" {
			next = s
		}
	default:
		next = stateForEvent(ev, "run.")
	}
	if next != "" {
		r.State = next
	}
	if next.IsTerminal() {
		applyIfSet(&r.Error, ev.Payload, "error")
	}
	r.UpdatedAt = ev.TS
}

// stateForEvent derives the lifecycle state from either an explicit
// payload.state or the event type suffix (run.started -> running).
func stateForEvent(ev *Event, prefix string) RunState {
	if s := payloadString(ev.Payload, "state"); IsLifecycleState(s) {
		return RunState(s)
	}
	suffix := strings.TrimPrefix(ev.Type, prefix)
	switch suffix {
	case "created":
		return StateCreated
	case "queued":
		return StateQueued
	case "started", "running", "resumed":
		return StateRunning
	case "waiting_tool":
		return StateWaitingTool
	case "streaming":
		return StateStreaming
	case "completed":
		return StateCompleted
	case "failed":
		return StateFailed
	case "cancelled":
		return StateCancelled
	}
	return ""
}

func applyIfSet(dst *string, payload map[string]interface{}, key string) {
	if v := payloadString(payload, key); v != "" {
		*dst = v
	}
}
