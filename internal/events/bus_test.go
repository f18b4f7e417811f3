package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusTypedAndAllSubscribers(t *testing.T) {
	b := NewBus()
	typed := b.Subscribe("sync.status")
	all := b.Subscribe()

	b.Emit("sync.status", "sync-manager", map[string]string{"targetId": "t1"})
	b.Emit("command.transition", "command-store", nil)

	select {
	case e := <-typed:
		assert.Equal(t, "sync.status", e.Type)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("typed subscriber got nothing")
	}
	select {
	case e := <-typed:
		t.Fatalf("typed subscriber received unexpected %s", e.Type)
	default:
	}

	first := <-all
	second := <-all
	assert.Equal(t, "sync.status", first.Type)
	assert.Equal(t, "command.transition", second.Type)
}

func TestBusFullSubscriberDropsWithoutBlocking(t *testing.T) {
	b := NewBus()
	b.bufferSize = 1
	slow := b.Subscribe()
	fast := b.Subscribe()

	b.Emit("a", "test", nil)
	b.Emit("b", "test", nil) // dropped for slow, delivered to fast

	assert.Len(t, slow, 1)
	require.Len(t, fast, 2)
	assert.Equal(t, "a", (<-fast).Type)
	assert.Equal(t, "b", (<-fast).Type)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("x")
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)

	b.Emit("x", "test", nil) // no panic with zero subscribers
}

func TestEventSSEFormat(t *testing.T) {
	e := NewEvent("journal.entry", "journal", map[string]int{"id": 1})
	frame, err := e.SSEFormat()
	require.NoError(t, err)
	s := string(frame)
	assert.Contains(t, s, "event: journal.entry\n")
	assert.Contains(t, s, "data: {")
	assert.Contains(t, s, "id: "+e.ID+"\n\n")
}

type captureMirror struct{ got []*Event }

func (c *captureMirror) Mirror(e *Event) { c.got = append(c.got, e) }

func TestBusMirror(t *testing.T) {
	b := NewBus()
	m := &captureMirror{}
	b.SetMirror(m)

	b.Emit("alert", "fleet", nil)
	require.Len(t, m.got, 1)
	assert.Equal(t, "alert", m.got[0].Type)

	b.SetMirror(nil)
	b.Emit("alert", "fleet", nil)
	assert.Len(t, m.got, 1)
}
