package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// bucket is one client's token pool. Its fields are guarded by mu. When both
// locks are needed the table lock is taken first.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// IntervalLimiter is an in-memory token bucket limiter with interval refill:
// every full RefillInterval that elapses adds RefillTokens, capped at
// Capacity. Refill is computed lazily when a client consumes, so there is no
// per-bucket timer.
type IntervalLimiter struct {
	capacity       int
	refillTokens   int
	refillInterval time.Duration
	idleTTL        time.Duration
	clock          clock.Clock

	mu      sync.RWMutex
	buckets map[string]*bucket

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures optional limiter behavior.
type Option func(*IntervalLimiter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(l *IntervalLimiter) { l.clock = c }
}

// WithIdleTTL sets how long an untouched bucket is kept before eviction.
func WithIdleTTL(d time.Duration) Option {
	return func(l *IntervalLimiter) { l.idleTTL = d }
}

// NewIntervalLimiter creates a limiter with the given bucket capacity and
// refill policy. When cleanupInterval is positive a janitor goroutine evicts
// idle buckets; call Close to stop it.
func NewIntervalLimiter(capacity, refillTokens int, refillInterval, cleanupInterval time.Duration, opts ...Option) *IntervalLimiter {
	l := &IntervalLimiter{
		capacity:       capacity,
		refillTokens:   refillTokens,
		refillInterval: refillInterval,
		idleTTL:        10 * time.Minute,
		clock:          clock.New(),
		buckets:        make(map[string]*bucket),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if cleanupInterval > 0 {
		go l.cleanup(l.clock.Ticker(cleanupInterval))
	}
	return l
}

// Allow consumes a single token for key.
func (l *IntervalLimiter) Allow(key string) (bool, Info) {
	return l.TryConsume(key, 1)
}

// TryConsume removes cost tokens from key's bucket if that many are
// available. A request that cannot be fully paid consumes nothing.
func (l *IntervalLimiter) TryConsume(key string, cost int) (bool, Info) {
	if key == "" {
		key = "anonymous"
	}
	now := l.clock.Now()
	b := l.bucketFor(key, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	l.refill(b, now)
	b.lastSeen = now

	info := Info{
		Limit:   l.capacity,
		ResetAt: b.lastRefill.Add(l.refillInterval),
	}

	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		info.Remaining = int(b.tokens)
		return true, info
	}

	info.Remaining = int(b.tokens)
	info.RetryAfter = info.ResetAt.Sub(now)
	return false, info
}

// bucketFor returns the bucket for key, creating a full one on first use.
func (l *IntervalLimiter) bucketFor(key string, now time.Time) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{
		tokens:     float64(l.capacity),
		lastRefill: now,
		lastSeen:   now,
	}
	l.buckets[key] = b
	return b
}

// refill adds tokens for every whole interval elapsed since the last refill.
// lastRefill advances by whole intervals so partial progress is preserved.
func (l *IntervalLimiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < l.refillInterval {
		return
	}
	periods := int64(elapsed / l.refillInterval)
	b.tokens += float64(periods) * float64(l.refillTokens)
	if b.tokens > float64(l.capacity) {
		b.tokens = float64(l.capacity)
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(periods) * l.refillInterval)
}

// Close stops the background cleanup goroutine. It is safe to call twice.
func (l *IntervalLimiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Len reports the number of live buckets.
func (l *IntervalLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *IntervalLimiter) cleanup(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictStale()
		}
	}
}

// evictStale drops buckets nobody has touched for longer than both the idle
// TTL and the time needed to refill from empty. Past that point a recreated
// bucket is indistinguishable from the evicted one.
func (l *IntervalLimiter) evictStale() {
	now := l.clock.Now()
	idle := l.idleTTL
	if full := l.fullRefillAfter(); full > idle {
		idle = full
	}
	cutoff := now.Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
		}
	}
}

func (l *IntervalLimiter) fullRefillAfter() time.Duration {
	periods := (l.capacity + l.refillTokens - 1) / l.refillTokens
	return time.Duration(periods) * l.refillInterval
}
