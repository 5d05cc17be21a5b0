// Package ratelimit provides per-client admission control for HTTP requests
// using the token bucket algorithm. Buckets are refilled either in whole
// intervals (the default) or greedily, and idle buckets are reclaimed by a
// background janitor. The package includes HTTP middleware that sets standard
// rate limit response headers and rejects over-limit clients with 429.
package ratelimit

import (
	"time"

	"github.com/benbjohnson/clock"

	"storefront/internal/models"
)

// Limiter defines the rate limiting contract. Implementations must be safe for
// concurrent use, and consumption for a single key must be linearizable.
type Limiter interface {
	// Allow consumes one token for key. It returns whether the request is
	// admitted and rate information for populating response headers.
	Allow(key string) (allowed bool, info Info)

	// Close stops background goroutines and releases resources.
	Close()
}

// Info contains rate limit state for populating response headers.
type Info struct {
	Limit      int           // Bucket capacity
	Remaining  int           // Tokens left after this call
	ResetAt    time.Time     // When the next refill happens
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
}

// New builds the limiter selected by cfg.Mode. A nil clock means wall time.
func New(cfg models.RateLimitConfig, clk clock.Clock) Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Mode == models.RefillModeGreedy {
		return NewGreedyLimiter(cfg.Capacity, cfg.RefillTokens, cfg.RefillInterval, cfg.CleanupInterval, cfg.IdleTTL, clk)
	}
	return NewIntervalLimiter(cfg.Capacity, cfg.RefillTokens, cfg.RefillInterval, cfg.CleanupInterval,
		WithClock(clk), WithIdleTTL(cfg.IdleTTL))
}
