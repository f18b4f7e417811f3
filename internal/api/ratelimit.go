package api

import (
	"sync"
	"time"
)

// rateLimiter enforces the bridge cron-sync budget: a sliding 60-second
// window per (machineId, sourceIp) key. Expired entries are pruned on access
// and swept periodically.
type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	hits   map[string][]time.Time
	done   chan struct{}
	once   sync.Once
	now    func() time.Time
}

func newRateLimiter(max int) *rateLimiter {
	if max <= 0 {
		max = 60
	}
	rl := &rateLimiter{
		window: time.Minute,
		max:    max,
		hits:   make(map[string][]time.Time),
		done:   make(chan struct{}),
		now:    time.Now,
	}
	go rl.sweep()
	return rl
}

// Allow records one hit and reports whether the key is within budget. When
// over budget it returns the seconds until the oldest hit leaves the window.
func (rl *rateLimiter) Allow(key string) (ok bool, retryAfter int) {
	now := rl.now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	kept := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.max {
		rl.hits[key] = kept
		retry := int(kept[0].Sub(cutoff).Seconds()) + 1
		return false, retry
	}
	rl.hits[key] = append(kept, now)
	return true, 0
}

func (rl *rateLimiter) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		cutoff := rl.now().Add(-rl.window)
		rl.mu.Lock()
		for key, hits := range rl.hits {
			if len(hits) == 0 || !hits[len(hits)-1].After(cutoff) {
				delete(rl.hits, key)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) Stop() {
	rl.once.Do(func() { close(rl.done) })
}
