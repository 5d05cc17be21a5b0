package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// entry holds a rate limiter and its last access time for cleanup.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// GreedyLimiter is an in-memory rate limiter backed by golang.org/x/time/rate.
// Tokens drip in continuously at refillTokens per refillInterval instead of
// arriving in whole batches. Each unique key gets its own bucket, and a
// background goroutine evicts entries idle for longer than idleTTL.
type GreedyLimiter struct {
	rate     rate.Limit
	capacity int
	idleTTL  time.Duration
	clock    clock.Clock

	mu        sync.Mutex
	entries   map[string]*entry
	done      chan struct{}
	closeOnce sync.Once
}

// NewGreedyLimiter creates a drip-refill limiter with the same average rate as
// an interval limiter configured with the same arguments.
func NewGreedyLimiter(capacity, refillTokens int, refillInterval, cleanupInterval, idleTTL time.Duration, clk clock.Clock) *GreedyLimiter {
	if clk == nil {
		clk = clock.New()
	}
	m := &GreedyLimiter{
		rate:     rate.Every(refillInterval / time.Duration(refillTokens)),
		capacity: capacity,
		idleTTL:  idleTTL,
		clock:    clk,
		entries:  make(map[string]*entry),
		done:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanup(m.clock.Ticker(cleanupInterval))
	}
	return m
}

// Allow checks whether a request from the given key should be allowed.
func (m *GreedyLimiter) Allow(key string) (bool, Info) {
	if key == "" {
		key = "anonymous"
	}
	now := m.clock.Now()

	m.mu.Lock()
	e, exists := m.entries[key]
	if !exists {
		e = &entry{
			limiter: rate.NewLimiter(m.rate, m.capacity),
		}
		m.entries[key] = e
	}
	e.lastSeen = now
	m.mu.Unlock()

	allowed := e.limiter.AllowN(now, 1)

	tokens := e.limiter.TokensAt(now)
	info := Info{
		Limit:     m.capacity,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetAt:   now,
	}

	// Time until the bucket is full again
	if missing := float64(m.capacity) - tokens; missing > 0 {
		info.ResetAt = now.Add(time.Duration(missing / float64(m.rate) * float64(time.Second)))
	}

	if !allowed {
		reservation := e.limiter.ReserveN(now, 1)
		info.RetryAfter = reservation.DelayFrom(now)
		reservation.CancelAt(now)
	}

	return allowed, info
}

// Close stops the background cleanup goroutine.
func (m *GreedyLimiter) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *GreedyLimiter) cleanup(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

// evictStale removes entries not seen within the idle TTL.
func (m *GreedyLimiter) evictStale() {
	cutoff := m.clock.Now().Add(-m.idleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if e.lastSeen.Before(cutoff) {
			delete(m.entries, key)
		}
	}
}
