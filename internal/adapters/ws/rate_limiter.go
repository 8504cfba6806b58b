package ws

import (
	"sync"
	"time"
)

// ConnectLimiter bounds how many connect commands one UI client may issue
// within a sliding window. Each attempt allocates a peer connection and a
// capture device, and hits the voice service.
type ConnectLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewConnectLimiter(limit int, interval time.Duration) *ConnectLimiter {
	return &ConnectLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *ConnectLimiter) Allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[client]
	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[client] = fresh
		return false
	}

	rl.history[client] = append(fresh, now)
	return true
}

// Forget drops the history of a client that went away.
func (rl *ConnectLimiter) Forget(client string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, client)
}
