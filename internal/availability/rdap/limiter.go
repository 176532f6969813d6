package rdap

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiter keeps one token bucket per RDAP server host and forgets hosts
// that have been idle for idleTTL.
type hostLimiter struct {
	mu           sync.Mutex
	entries      map[string]*limiterEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
	lastCleanup  time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newHostLimiter(rps float64, burst int) *hostLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{
		entries:      make(map[string]*limiterEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
		lastCleanup:  time.Now(),
	}
}

func (h *hostLimiter) wait(ctx context.Context, host string) error {
	return h.get(host).Wait(ctx)
}

func (h *hostLimiter) get(host string) *rate.Limiter {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if now.Sub(h.lastCleanup) >= h.cleanupEvery {
		h.cleanup(now)
	}

	if ent, ok := h.entries[host]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(h.rps, h.burst)
	h.entries[host] = &limiterEntry{lim: lim, lastSeen: now}
	return lim
}

// cleanup must be called with h.mu held.
func (h *hostLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-h.idleTTL)
	for k, ent := range h.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(h.entries, k)
		}
	}
	h.lastCleanup = now
}

func (h *hostLimiter) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}
