package auth

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// FailureTracker counts failed logins per subject within a sliding window.
type FailureTracker struct {
	threshold int
	window    time.Duration
	clock     clock.Clock

	mu       sync.Mutex
	failures map[string][]time.Time
}

func NewFailureTracker(threshold int, window time.Duration, clk clock.Clock) *FailureTracker {
	if clk == nil {
		clk = clock.New()
	}
	return &FailureTracker{
		threshold: threshold,
		window:    window,
		clock:     clk,
		failures:  make(map[string][]time.Time),
	}
}

// RecordFailure notes a failure for key and returns the number of failures
// inside the window. alert is true once the count reaches the threshold.
func (f *FailureTracker) RecordFailure(key string) (count int, alert bool) {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()

	recent := prune(f.failures[key], now.Add(-f.window))
	recent = append(recent, now)
	f.failures[key] = recent
	return len(recent), len(recent) >= f.threshold
}

// Reset forgets key, typically after a successful login.
func (f *FailureTracker) Reset(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, key)
}

// Failures returns the current in-window failure count for key.
func (f *FailureTracker) Failures(key string) int {
	now := f.clock.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(prune(f.failures[key], now.Add(-f.window)))
}

// Prune drops windows with no recent failures.
func (f *FailureTracker) Prune() int {
	cutoff := f.clock.Now().Add(-f.window)
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key, times := range f.failures {
		recent := prune(times, cutoff)
		if len(recent) == 0 {
			delete(f.failures, key)
			removed++
			continue
		}
		f.failures[key] = recent
	}
	return removed
}

// prune returns the suffix of times after cutoff. times is ascending.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
