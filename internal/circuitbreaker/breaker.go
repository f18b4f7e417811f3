// Package circuitbreaker gates calls to flaky external endpoints. A breaker
// opens after consecutive failures, rejects calls while open, and lets a
// single probe through after the cooldown.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned by Allow while the breaker is open.
var ErrOpen = errors.New("circuit open")

const (
	// DefaultMaxFailures trips the breaker.
	DefaultMaxFailures = 3
	// DefaultCooldown is the open period before a probe is allowed.
	DefaultCooldown = 2 * time.Minute
)

// Breaker tracks one endpoint. Callers bracket each attempt with Allow and
// then Success or Failure.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	now      func() time.Time
}

// New creates a closed breaker. Non-positive knobs fall back to the
// defaults.
func New(name string, maxFailures int, cooldown time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		state:       StateClosed,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// State returns the current position, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed. While open it fails with ErrOpen
// until the cooldown elapses; then exactly one probe passes (half-open).
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return ErrOpen
	}
	b.state = StateHalfOpen
	return nil
}

// Success records a completed call and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		slog.Info("circuit closed", "name", b.name)
	}
	b.state = StateClosed
	b.failures = 0
}

// Failure records a failed call. The breaker opens after maxFailures
// consecutive failures, or immediately when a half-open probe fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		if b.state != StateOpen {
			slog.Warn("circuit opened", "name", b.name, "failures", b.failures)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// Manager hands out one breaker per key.
type Manager struct {
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager creates a manager whose breakers share the given knobs.
func NewManager(maxFailures int, cooldown time.Duration) *Manager {
	return &Manager{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		breakers:    make(map[string]*Breaker),
	}
}

// Get returns the breaker for key, creating it closed on first use.
func (m *Manager) Get(key string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[key]
	if !ok {
		b = New(key, m.maxFailures, m.cooldown)
		m.breakers[key] = b
	}
	return b
}

// Remove forgets the breaker for key.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, key)
}

// States reports every known breaker's position.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	keys := make([]string, 0, len(m.breakers))
	for k := range m.breakers {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	out := make(map[string]State, len(keys))
	for _, k := range keys {
		out[k] = m.Get(k).State()
	}
	return out
}
