package journal

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalLifecycle(t *testing.T) {
	j := New()

	id := j.Begin("config.apply", map[string]string{"targetId": "t1"})
	assert.Equal(t, uint64(1), id)

	entries := j.List(0)
	require.Len(t, entries, 1)
	assert.Equal(t, StateStarted, entries[0].State)

	j.Succeed(id, map[string]string{"snapshotId": "s1"})
	entries = j.List(0)
	assert.Equal(t, StateSucceeded, entries[0].State)
	assert.NotEmpty(t, entries[0].EndedAt)

	// Terminal entries never transition again.
	j.Fail(id, "late failure")
	assert.Equal(t, StateSucceeded, j.List(0)[0].State)

	fid := j.Begin("tunnel.open", nil)
	j.Fail(fid, "dial timeout")
	got := j.List(1)[0]
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "dial timeout", got.Error)
}

func TestJournalIDsStayMonotoneAcrossEviction(t *testing.T) {
	j := New()
	for i := 0; i < 350; i++ {
		j.Begin(fmt.Sprintf("op-%d", i), nil)
	}
	assert.Equal(t, 300, j.Len(), "ring holds at most 300 entries")

	entries := j.List(0)
	assert.Equal(t, uint64(350), entries[0].ID, "newest first")
	assert.Equal(t, uint64(51), entries[len(entries)-1].ID)

	next := j.Begin("more", nil)
	assert.Equal(t, uint64(351), next, "ids keep increasing after eviction")

	// Finishing an evicted id is a no-op.
	j.Succeed(1, nil)
}

func TestJournalListLimitNewestFirst(t *testing.T) {
	j := New()
	for i := 0; i < 5; i++ {
		j.Begin(fmt.Sprintf("op-%d", i), nil)
	}
	got := j.List(2)
	require.Len(t, got, 2)
	assert.Equal(t, "op-4", got[0].Operation)
	assert.Equal(t, "op-3", got[1].Operation)
}

func TestJournalListener(t *testing.T) {
	j := New()
	var seen []Entry
	j.OnChange(func(e Entry) { seen = append(seen, e) })

	id := j.Begin("op", nil)
	j.Succeed(id, nil)

	require.Len(t, seen, 2)
	assert.Equal(t, StateStarted, seen[0].State)
	assert.Equal(t, StateSucceeded, seen[1].State)
}
