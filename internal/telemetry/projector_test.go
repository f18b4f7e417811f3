package telemetry

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runEvent(id, ts, machineID, typ, runID string, extra map[string]interface{}) *Event {
	payload := map[string]interface{}{"runId": runID}
	for k, v := range extra {
		payload[k] = v
	}
	return makeEvent(id, ts, machineID, typ, payload)
}

func TestProjectionRunLifecycle(t *testing.T) {
	p := NewProjection()

	evs := []*Event{
		runEvent("e1", "2026-01-01T00:00:00Z", "m1", "run.created", "r1", map[string]interface{}{"sessionId": "s1"}),
		runEvent("e2", "2026-01-01T00:00:01Z", "m1", "run.queued", "r1", nil),
		runEvent("e3", "2026-01-01T00:00:02Z", "m1", "run.started", "r1", nil),
		runEvent("e4", "2026-01-01T00:00:03Z", "m1", "run.streaming", "r1", nil),
		runEvent("e5", "2026-01-01T00:00:04Z", "m1", "run.completed", "r1", nil),
	}
	for _, ev := range evs {
		require.Nil(t, ValidateEvent(ev))
		p.Apply(ev)
	}

	r := p.Runs["r1"]
	require.NotNil(t, r)
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, "s1", r.SessionID)
	assert.Equal(t, "2026-01-01T00:00:00Z", r.CreatedAt)
}

func TestProjectionTerminalStateIsSticky(t *testing.T) {
	p := NewProjection()

	done := runEvent("e1", "2026-01-01T00:00:00Z", "m1", "run.failed", "r1", map[string]interface{}{"error": "boom"})
	late := runEvent("e2", "2026-01-01T00:00:01Z", "m1", "run.started", "r1", nil)
	require.Nil(t, ValidateEvent(done))
	require.Nil(t, ValidateEvent(late))

	p.Apply(done)
	p.Apply(late)

	r := p.Runs["r1"]
	require.NotNil(t, r)
	assert.Equal(t, StateFailed, r.State, "terminal state must not regress")
	assert.Equal(t, "boom", r.Error)
}

func TestProjectionTerminalRunDiscardsLateFields(t *testing.T) {
	p := NewProjection()

	done := runEvent("e1", "2026-01-01T00:00:00Z", "m1", "run.completed", "r1", map[string]interface{}{
		"sessionId": "s1", "model": "m-large",
	})
	late := runEvent("e2", "2026-01-01T00:00:01Z", "m1", "run.started", "r1", map[string]interface{}{
		"sessionId": "s2", "model": "m-small",
	})
	require.Nil(t, ValidateEvent(done))
	require.Nil(t, ValidateEvent(late))

	p.Apply(done)
	p.Apply(late)

	r := p.Runs["r1"]
	require.NotNil(t, r)
	assert.Equal(t, "s1", r.SessionID, "terminal run must not absorb later fields")
	assert.Equal(t, "m-large", r.Model)
	assert.Equal(t, "2026-01-01T00:00:00Z", r.UpdatedAt)
}

func TestProjectionMachineHeartbeat(t *testing.T) {
	p := NewProjection()

	reg := makeEvent("e1", "2026-01-01T00:00:00Z", "m1", "machine.registered", map[string]interface{}{
		"label": "edge-1", "bridgeVersion": "1.2.3",
	})
	hb := heartbeat("e2", "2026-01-01T00:05:00Z", "m1")
	require.Nil(t, ValidateEvent(reg))
	require.Nil(t, ValidateEvent(hb))

	p.Apply(reg)
	p.Apply(hb)

	m := p.Machines["m1"]
	require.NotNil(t, m)
	assert.Equal(t, "edge-1", m.Label)
	assert.Equal(t, "1.2.3", m.BridgeVersion)
	assert.Equal(t, "2026-01-01T00:05:00Z", m.LastHeartbeatAt)
	assert.Equal(t, "2026-01-01T00:00:00Z", m.RegisteredAt)
}

func TestProjectionDeterministicFold(t *testing.T) {
	build := func() *Projection {
		p := NewProjection()
		for i := 0; i < 50; i++ {
			ev := runEvent(fmt.Sprintf("e%d", i), fmt.Sprintf("2026-01-01T00:00:%02dZ", i), "m1",
				"run.started", fmt.Sprintf("r%d", i%5), nil)
			require.Nil(t, ValidateEvent(ev))
			p.Apply(ev)
		}
		return p
	}

	a, _ := json.Marshal(build())
	b, _ := json.Marshal(build())
	assert.JSONEq(t, string(a), string(b))
}

func TestNodeIngest(t *testing.T) {
	n := NewNode()

	res := n.Ingest(json.RawMessage(`{
		"version": "telemetry.v1",
		"id": "e1",
		"ts": "2026-01-01T00:00:00Z",
		"machineId": "m1",
		"severity": "info",
		"type": "session.started",
		"payload": {"sessionId": "s1"}
	}`))
	require.True(t, res.OK)
	require.NotNil(t, res.Event)

	proj := n.Projection()
	require.Contains(t, proj.Sessions, "s1")
	assert.Equal(t, StateRunning, proj.Sessions["s1"].State)
}

func TestNodeIngestManyReportsPerIndex(t *testing.T) {
	n := NewNode()

	good := json.RawMessage(`{"version":"telemetry.v1","id":"e1","ts":"2026-01-01T00:00:00Z","machineId":"m1","severity":"info","type":"machine.heartbeat"}`)
	bad := json.RawMessage(`{"version":"telemetry.v1","id":"e2","ts":"nope","machineId":"m1","severity":"info","type":"machine.heartbeat"}`)
	dup := json.RawMessage(`{"version":"telemetry.v1","id":"e1","ts":"2026-01-01T00:00:01Z","machineId":"m1","severity":"info","type":"machine.heartbeat"}`)

	results := n.IngestMany([]json.RawMessage{good, bad, dup})
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, "invalid_ts", results[1].Err.Code)
	assert.False(t, results[2].OK)
	assert.Equal(t, AppendDuplicate, results[2].Outcome)
}
