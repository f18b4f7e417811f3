package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// UnifiedSnapshot is the deterministic, merged read model across all attached
// nodes. Maps and index slices are rebuilt whole on each recomputation and
// must be treated as read-only by consumers.
type UnifiedSnapshot struct {
	Machines map[string]*Machine `json:"machines"`
	Sessions map[string]*Session `json:"sessions"`
	Runs     map[string]*Run     `json:"runs"`

	SessionsByMachineID   map[string][]string `json:"sessionsByMachineId"`
	RunsBySessionID       map[string][]string `json:"runsBySessionId"`
	ActiveRunsByMachineID map[string][]string `json:"activeRunsByMachineId"`

	NodeIDs    []string  `json:"nodeIds"`
	EventCount int       `json:"eventCount"`
	ComputedAt time.Time `json:"computedAt"`
}

// SnapshotListener receives the unified snapshot after each recomputation.
// Listeners run synchronously under the aggregator lock and must not block.
type SnapshotListener func(snap *UnifiedSnapshot)

// EventListener receives each merged event exactly once per (node, event id).
type EventListener func(nodeID string, ev *Event)

type aggEntry struct {
	nodeID     string
	localIndex int
	ev         *Event
}

// Aggregator attaches N telemetry nodes and maintains a single totally
// ordered merge of their logs. The merge key is (ts, id, nodeId, localIndex),
// so the unified projection is independent of attach order.
type Aggregator struct {
	mu        sync.Mutex
	nodes     map[string]*Node
	unsubs    map[string]func()
	entries   []aggEntry
	seen      map[string]bool
	localIdx  map[string]int
	snapshot  *UnifiedSnapshot
	snapSubs  []aggSub[SnapshotListener]
	eventSubs []aggSub[EventListener]
	nextSub   int
}

type aggSub[T any] struct {
	id int
	fn T
}

// NewAggregator creates an aggregator with no attached nodes.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		nodes:    make(map[string]*Node),
		unsubs:   make(map[string]func()),
		seen:     make(map[string]bool),
		localIdx: make(map[string]int),
	}
	a.snapshot = a.recomputeLocked()
	return a
}

// AttachNode binds a node under the given id. The aggregator seeds from the
// node's existing log and subscribes to its stream; events arriving through
// both paths are deduped by (nodeId, eventId). The aggregator borrows the
// node: detaching does not close it.
func (a *Aggregator) AttachNode(nodeID string, node *Node) error {
	if nodeID == "" || node == nil {
		return fmt.Errorf("nodeId and node are required")
	}
	a.mu.Lock()
	if _, exists := a.nodes[nodeID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("node %q is already attached", nodeID)
	}
	a.nodes[nodeID] = node
	a.mu.Unlock()

	// Subscribe before seeding so no event is missed; the seen map absorbs
	// any event delivered through both paths.
	unsub := node.Store().Subscribe(func(ev *Event) {
		a.ingest(nodeID, ev)
	})
	for _, ev := range node.Store().Log() {
		a.ingest(nodeID, ev)
	}

	a.mu.Lock()
	if _, still := a.nodes[nodeID]; !still {
		a.mu.Unlock()
		unsub()
		return fmt.Errorf("node %q was detached during attach", nodeID)
	}
	a.unsubs[nodeID] = unsub
	a.mu.Unlock()
	return nil
}

// DetachNode removes a node and its contribution from the unified snapshot.
// Detaching an unknown id is a no-op.
func (a *Aggregator) DetachNode(nodeID string) {
	a.mu.Lock()
	unsub := a.unsubs[nodeID]
	if _, ok := a.nodes[nodeID]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.nodes, nodeID)
	delete(a.unsubs, nodeID)
	delete(a.localIdx, nodeID)

	kept := a.entries[:0]
	for _, e := range a.entries {
		if e.nodeID == nodeID {
			delete(a.seen, seenKey(nodeID, e.ev.ID))
			continue
		}
		kept = append(kept, e)
	}
	a.entries = kept
	snap := a.recomputeLocked()
	a.snapshot = snap
	subs := append([]aggSub[SnapshotListener](nil), a.snapSubs...)
	a.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, s := range subs {
		s.fn(snap)
	}
}

// NodeIDs lists currently attached node ids, sorted.
func (a *Aggregator) NodeIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.nodes))
	for id := range a.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the latest unified snapshot.
func (a *Aggregator) Snapshot() *UnifiedSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

// UnifiedLog returns the merged, totally ordered event sequence.
func (a *Aggregator) UnifiedLog() []*Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Event, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.ev
	}
	return out
}

// SubscribeSnapshots registers a snapshot listener.
func (a *Aggregator) SubscribeSnapshots(fn SnapshotListener) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.snapSubs = append(a.snapSubs, aggSub[SnapshotListener]{id: id, fn: fn})
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, s := range a.snapSubs {
			if s.id == id {
				a.snapSubs = append(a.snapSubs[:i], a.snapSubs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeEvents registers a merged-event listener.
func (a *Aggregator) SubscribeEvents(fn EventListener) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSub
	a.nextSub++
	a.eventSubs = append(a.eventSubs, aggSub[EventListener]{id: id, fn: fn})
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, s := range a.eventSubs {
			if s.id == id {
				a.eventSubs = append(a.eventSubs[:i], a.eventSubs[i+1:]...)
				return
			}
		}
	}
}

func seenKey(nodeID, eventID string) string {
	return nodeID + "\x00" + eventID
}

// ingest merges one event, recomputes the snapshot, and fans out. Snapshot
// subscribers never observe an intermediate state: the recompute happens
// before any listener fires.
func (a *Aggregator) ingest(nodeID string, ev *Event) {
	a.mu.Lock()
	if _, attached := a.nodes[nodeID]; !attached {
		a.mu.Unlock()
		return
	}
	key := seenKey(nodeID, ev.ID)
	if a.seen[key] {
		a.mu.Unlock()
		return
	}
	a.seen[key] = true
	idx := a.localIdx[nodeID]
	a.localIdx[nodeID] = idx + 1

	a.entries = append(a.entries, aggEntry{nodeID: nodeID, localIndex: idx, ev: ev})
	sortEntries(a.entries)
	snap := a.recomputeLocked()
	a.snapshot = snap

	snapSubs := append([]aggSub[SnapshotListener](nil), a.snapSubs...)
	eventSubs := append([]aggSub[EventListener](nil), a.eventSubs...)
	a.mu.Unlock()

	for _, s := range eventSubs {
		s.fn(nodeID, ev)
	}
	for _, s := range snapSubs {
		s.fn(snap)
	}
}

// sortEntries applies the total merge order (ts asc, id asc, nodeId asc,
// localIndex asc).
func sortEntries(entries []aggEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.ev.Time().Equal(b.ev.Time()) {
			return a.ev.Time().Before(b.ev.Time())
		}
		if a.ev.ID != b.ev.ID {
			return a.ev.ID < b.ev.ID
		}
		if a.nodeID != b.nodeID {
			return a.nodeID < b.nodeID
		}
		return a.localIndex < b.localIndex
	})
}

// activeStates are the non-terminal run states surfaced in the active index.
var activeStates = map[RunState]bool{
	StateCreated:     true,
	StateQueued:      true,
	StateRunning:     true,
	StateWaitingTool: true,
	StateStreaming:   true,
}

// recomputeLocked rebuilds the whole unified projection and its indexes from
// the merged log. Correctness over incrementality.
func (a *Aggregator) recomputeLocked() *UnifiedSnapshot {
	proj := NewProjection()
	for _, e := range a.entries {
		proj.Apply(e.ev)
	}

	snap := &UnifiedSnapshot{
		Machines:              proj.Machines,
		Sessions:              proj.Sessions,
		Runs:                  proj.Runs,
		SessionsByMachineID:   make(map[string][]string),
		RunsBySessionID:       make(map[string][]string),
		ActiveRunsByMachineID: make(map[string][]string),
		EventCount:            len(a.entries),
		ComputedAt:            time.Now().UTC(),
	}
	for id := range a.nodes {
		snap.NodeIDs = append(snap.NodeIDs, id)
	}
	sort.Strings(snap.NodeIDs)

	for id, s := range proj.Sessions {
		snap.SessionsByMachineID[s.MachineID] = append(snap.SessionsByMachineID[s.MachineID], id)
	}
	for id, r := range proj.Runs {
		if r.SessionID != "" {
			snap.RunsBySessionID[r.SessionID] = append(snap.RunsBySessionID[r.SessionID], id)
		}
		if activeStates[r.State] {
			snap.ActiveRunsByMachineID[r.MachineID] = append(snap.ActiveRunsByMachineID[r.MachineID], id)
		}
	}
	for _, idx := range []map[string][]string{snap.SessionsByMachineID, snap.RunsBySessionID, snap.ActiveRunsByMachineID} {
		for k := range idx {
			sort.Strings(idx[k])
		}
	}
	return snap
}
