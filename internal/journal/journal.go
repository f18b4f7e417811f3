// Package journal keeps the in-memory operation journal: a bounded ring of
// recent control-plane operations with monotonically increasing ids.
package journal

import (
	"sync"
	"time"
)

// State of one journal entry.
const (
	StateStarted   = "started"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// maxEntries bounds the ring; the oldest entries fall off.
const maxEntries = 300

// Entry is one recorded operation.
type Entry struct {
	ID        uint64      `json:"id"`
	Operation string      `json:"operation"`
	State     string      `json:"state"`
	StartedAt string      `json:"startedAt"`
	EndedAt   string      `json:"endedAt,omitempty"`
	Error     string      `json:"error,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}

// Listener receives every entry change.
type Listener func(e Entry)

// Journal is the ring. Ids increase monotonically for the process lifetime
// even as old entries are evicted.
type Journal struct {
	mu       sync.Mutex
	nextID   uint64
	entries  []Entry
	listener Listener
	now      func() time.Time
}

// New creates an empty journal.
func New() *Journal {
	return &Journal{
		nextID: 1,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnChange registers a single listener for entry transitions.
func (j *Journal) OnChange(fn Listener) {
	j.mu.Lock()
	j.listener = fn
	j.mu.Unlock()
}

// Begin records a started operation and returns its id.
func (j *Journal) Begin(operation string, details interface{}) uint64 {
	j.mu.Lock()
	e := Entry{
		ID:        j.nextID,
		Operation: operation,
		State:     StateStarted,
		StartedAt: j.now().Format(time.RFC3339),
		Details:   details,
	}
	j.nextID++
	j.entries = append(j.entries, e)
	if len(j.entries) > maxEntries {
		j.entries = j.entries[len(j.entries)-maxEntries:]
	}
	fn := j.listener
	j.mu.Unlock()
	if fn != nil {
		fn(e)
	}
	return e.ID
}

// Succeed marks an entry succeeded. Unknown or evicted ids are ignored.
func (j *Journal) Succeed(id uint64, details interface{}) {
	j.finish(id, StateSucceeded, "", details)
}

// Fail marks an entry failed with the error message.
func (j *Journal) Fail(id uint64, errMsg string) {
	j.finish(id, StateFailed, errMsg, nil)
}

func (j *Journal) finish(id uint64, state, errMsg string, details interface{}) {
	j.mu.Lock()
	var done *Entry
	for i := range j.entries {
		if j.entries[i].ID != id {
			continue
		}
		if j.entries[i].State != StateStarted {
			break
		}
		j.entries[i].State = state
		j.entries[i].EndedAt = j.now().Format(time.RFC3339)
		j.entries[i].Error = errMsg
		if details != nil {
			j.entries[i].Details = details
		}
		cp := j.entries[i]
		done = &cp
		break
	}
	fn := j.listener
	j.mu.Unlock()
	if done != nil && fn != nil {
		fn(*done)
	}
}

// List returns up to limit most recent entries, newest first. limit <= 0
// returns the whole ring.
func (j *Journal) List(limit int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := len(j.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, j.entries[i])
	}
	return out
}

// Len reports the current ring size.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}
