package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedBreaker(maxFailures int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New("test", maxFailures, cooldown)
	now := time.Now().UTC()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newClockedBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrOpen)
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	b, _ := newClockedBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenProbeAfterCooldown(t *testing.T) {
	b, now := newClockedBreaker(1, time.Minute)

	b.Failure()
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// A failed probe reopens immediately.
	b.Failure()
	assert.ErrorIs(t, b.Allow(), ErrOpen)

	*now = now.Add(61 * time.Second)
	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestManagerHandsOutPerKeyBreakers(t *testing.T) {
	m := NewManager(1, time.Minute)

	m.Get("a").Failure()
	assert.Equal(t, StateOpen, m.Get("a").State())
	assert.Equal(t, StateClosed, m.Get("b").State())

	states := m.States()
	assert.Equal(t, StateOpen, states["a"])
	assert.Equal(t, StateClosed, states["b"])

	m.Remove("a")
	assert.Equal(t, StateClosed, m.Get("a").State())
}
