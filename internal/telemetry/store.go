package telemetry

import (
	"log/slog"
	"sync"
)

// AppendOutcome is the result of EventStore.Append.
type AppendOutcome string

const (
	AppendAccepted  AppendOutcome = "accepted"
	AppendDuplicate AppendOutcome = "duplicate"
	AppendInvalid   AppendOutcome = "invalid"
)

// AppendResult carries the outcome plus the validation error for invalid
// events.
type AppendResult struct {
	Outcome AppendOutcome
	Err     *ValidationError
}

// Listener receives appended events synchronously, in append order.
type Listener func(ev *Event)

// EventStore is an append-only, in-memory log of validated telemetry events
// with synchronous fan-out. Duplicate ids are rejected without emission.
// All mutations are serialized by the store's lock.
type EventStore struct {
	mu        sync.Mutex
	events    []*Event
	ids       map[string]bool
	listeners []storeSub
	nextSub   int
}

type storeSub struct {
	id int
	fn Listener
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	return &EventStore{ids: make(map[string]bool)}
}

// Append validates and appends one event. Listeners observe accepted events
// in append order; a panicking listener does not prevent the others from
// firing.
func (s *EventStore) Append(ev *Event) AppendResult {
	if verr := ValidateEvent(ev); verr != nil {
		return AppendResult{Outcome: AppendInvalid, Err: verr}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ids[ev.ID] {
		return AppendResult{Outcome: AppendDuplicate}
	}
	s.ids[ev.ID] = true
	s.events = append(s.events, ev)

	for _, sub := range s.listeners {
		notify(sub.fn, ev)
	}
	return AppendResult{Outcome: AppendAccepted}
}

// notify isolates listener panics so one bad subscriber cannot break fan-out.
func notify(fn Listener, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telemetry listener panicked", "event_id", ev.ID, "panic", r)
		}
	}()
	fn(ev)
}

// Log returns a copy of the ordered event sequence.
func (s *EventStore) Log() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// Len returns the number of appended events.
func (s *EventStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Subscribe registers a listener and returns its unsubscribe function.
func (s *EventStore) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.listeners = append(s.listeners, storeSub{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.listeners {
			if sub.id == id {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}
