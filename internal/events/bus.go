// Package events is the in-process pub/sub bus for control-plane events:
// unified telemetry snapshots, sync statuses, command transitions, fleet
// alerts and journal entries. An optional Redis mirror republishes every
// event for external consumers.
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope every bus message travels in.
type Event struct {
	ID     string      `json:"id"`
	Type   string      `json:"type"`
	Source string      `json:"source"`
	Time   time.Time   `json:"time"`
	Data   interface{} `json:"data,omitempty"`
}

// NewEvent builds an envelope with id and timestamp filled in.
func NewEvent(eventType, source string, data interface{}) *Event {
	return &Event{
		ID:     uuid.NewString(),
		Type:   eventType,
		Source: source,
		Time:   time.Now().UTC(),
		Data:   data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSEFormat renders the event as one Server-Sent Events frame.
func (e *Event) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", e.Type, data, e.ID)), nil
}

// Mirror republishes events outside the process. Implementations must not
// block; failures are the mirror's problem, not the bus's.
type Mirror interface {
	Mirror(e *Event)
}

// Bus fans events out to channel subscribers. Delivery is non-blocking: a
// full subscriber channel drops the event for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event
	allSubs     []chan *Event
	bufferSize  int
	mirror      Mirror
}

// NewBus creates a bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		bufferSize:  128,
	}
}

// SetMirror attaches an external mirror. Pass nil to detach.
func (b *Bus) SetMirror(m Mirror) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = m
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no type is named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// SubscribeBuffered is Subscribe with an explicit channel capacity, for
// consumers that need their own backpressure policy (SSE, WebSocket).
func (b *Bus) SubscribeBuffered(capacity int, eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if capacity <= 0 {
		capacity = b.bufferSize
	}
	ch := make(chan *Event, capacity)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = removeChan(subs, ch)
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

func removeChan(subs []chan *Event, ch chan *Event) []chan *Event {
	kept := subs[:0]
	for _, s := range subs {
		if s != ch {
			kept = append(kept, s)
		}
	}
	return kept
}

// Publish delivers the event to matching subscribers and the mirror.
func (b *Bus) Publish(e *Event) {
	b.mu.RLock()
	mirror := b.mirror
	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.RUnlock()

	if mirror != nil {
		mirror.Mirror(e)
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(eventType, source string, data interface{}) {
	b.Publish(NewEvent(eventType, source, data))
}

// SubscriberCount reports active subscriptions, for diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}
