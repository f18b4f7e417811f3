package telemetry

import (
	"encoding/json"
	"sync"
)

// IngestResult is the per-event outcome of Node.Ingest.
type IngestResult struct {
	OK      bool             `json:"ok"`
	Event   *Event           `json:"event,omitempty"`
	Err     *ValidationError `json:"error,omitempty"`
	Outcome AppendOutcome    `json:"outcome"`
}

// Node wraps one EventStore and one projection. The projection is bound to
// the store, so any subscriber-visible append also updates the read models.
// Validation errors are reported to the caller and never retried.
type Node struct {
	store *EventStore

	mu   sync.Mutex
	proj *Projection
}

// NewNode creates a node with an empty store and projection.
func NewNode() *Node {
	n := &Node{
		store: NewEventStore(),
		proj:  NewProjection(),
	}
	n.store.Subscribe(func(ev *Event) {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.proj.Apply(ev)
	})
	return n
}

// Store exposes the underlying event store for aggregation.
func (n *Node) Store() *EventStore { return n.store }

// Ingest decodes, validates, and appends one raw event.
func (n *Node) Ingest(raw json.RawMessage) IngestResult {
	ev, verr := DecodeEvent(raw)
	if verr != nil {
		return IngestResult{OK: false, Err: verr, Outcome: AppendInvalid}
	}
	res := n.store.Append(ev)
	if res.Outcome != AppendAccepted {
		return IngestResult{OK: false, Err: res.Err, Outcome: res.Outcome}
	}
	return IngestResult{OK: true, Event: ev, Outcome: AppendAccepted}
}

// IngestMany ingests a batch and returns per-index results. A failing entry
// does not stop the rest of the batch.
func (n *Node) IngestMany(raws []json.RawMessage) []IngestResult {
	out := make([]IngestResult, len(raws))
	for i, raw := range raws {
		out[i] = n.Ingest(raw)
	}
	return out
}

// Projection returns a deep copy of the node's current read models.
func (n *Node) Projection() *Projection {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := NewProjection()
	for id, m := range n.proj.Machines {
		c := *m
		cp.Machines[id] = &c
	}
	for id, s := range n.proj.Sessions {
		c := *s
		cp.Sessions[id] = &c
	}
	for id, r := range n.proj.Runs {
		c := *r
		cp.Runs[id] = &c
	}
	return cp
}
