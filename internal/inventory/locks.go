// Package inventory serializes read-modify-write cycles on per-product stock
// counters and derives the stock status shown to customers.
package inventory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// lockEntry is the mutex for one resource. Holding the lock means owning the
// single slot in sem. refs counts holders and waiters and, like lastUsed, is
// guarded by the table mutex.
type lockEntry struct {
	sem      chan struct{}
	refs     int
	lastUsed time.Time
}

// LockTableOptions configures a LockTable. Zero values disable the
// corresponding behavior.
type LockTableOptions struct {
	// Timeout bounds how long WithLock waits for a busy lock.
	Timeout time.Duration
	// IdleTTL is how long an unused entry is kept before compaction.
	IdleTTL time.Duration
	// CompactInterval is how often the janitor runs.
	CompactInterval time.Duration
	Clock           clock.Clock
}

// LockTable hands out one mutex per resource id. Different ids never contend;
// the table mutex is held only to find or create an entry.
type LockTable struct {
	timeout time.Duration
	idleTTL time.Duration
	clock   clock.Clock

	mu      sync.Mutex
	entries map[int64]*lockEntry

	done      chan struct{}
	closeOnce sync.Once
}

// NewLockTable creates a lock table. When CompactInterval is positive a
// janitor drops entries idle for longer than IdleTTL; call Close to stop it.
func NewLockTable(opts LockTableOptions) *LockTable {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	t := &LockTable{
		timeout: opts.Timeout,
		idleTTL: opts.IdleTTL,
		clock:   clk,
		entries: make(map[int64]*lockEntry),
		done:    make(chan struct{}),
	}
	if opts.CompactInterval > 0 {
		go t.janitor(t.clock.Ticker(opts.CompactInterval))
	}
	return t
}

// WithLock runs fn while holding id's lock. The lock is released on every
// exit path, including a panic in fn. Waiting is bounded by ctx and the
// table timeout; the latter yields ErrLockTimeout.
func (t *LockTable) WithLock(ctx context.Context, id int64, fn func() error) error {
	e := t.retain(id)
	defer t.release(e)

	if err := t.acquire(ctx, e); err != nil {
		return err
	}
	defer func() { <-e.sem }()

	return fn()
}

// WithLocks runs fn while holding the locks of all ids. Locks are taken in
// ascending id order so two callers with overlapping sets cannot deadlock.
func (t *LockTable) WithLocks(ctx context.Context, ids []int64, fn func() error) error {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	return t.withSorted(ctx, sorted, fn)
}

func (t *LockTable) withSorted(ctx context.Context, ids []int64, fn func() error) error {
	if len(ids) == 0 {
		return fn()
	}
	return t.WithLock(ctx, ids[0], func() error {
		return t.withSorted(ctx, ids[1:], fn)
	})
}

func (t *LockTable) acquire(ctx context.Context, e *lockEntry) error {
	// Uncontended fast path.
	select {
	case e.sem <- struct{}{}:
		return nil
	default:
	}

	var timeout <-chan time.Time
	if t.timeout > 0 {
		timer := t.clock.Timer(t.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-timeout:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *LockTable) retain(id int64) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[id] = e
	}
	e.refs++
	return e
}

func (t *LockTable) release(e *lockEntry) {
	t.mu.Lock()
	e.refs--
	e.lastUsed = t.clock.Now()
	t.mu.Unlock()
}

// Len reports the number of entries currently in the table.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Compact removes entries nobody holds or waits on that have been idle for
// at least IdleTTL, returning how many were removed.
func (t *LockTable) Compact() int {
	cutoff := t.clock.Now().Add(-t.idleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, e := range t.entries {
		if e.refs == 0 && !e.lastUsed.After(cutoff) {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Close stops the janitor. It is safe to call more than once.
func (t *LockTable) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *LockTable) janitor(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.Compact()
		}
	}
}
