// Package idempotency gives mutating endpoints at-most-once semantics keyed by
// the client supplied Idempotency-Key header. The first request for a key runs
// the handler; later requests with the same key and body receive the stored
// response, and requests reusing a key with a different body are refused.
package idempotency

import (
	"container/list"
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	// ErrInFlight is returned when another request holding the same key did
	// not finish within the wait timeout. The caller may retry.
	ErrInFlight = errors.New("idempotency: request with the same key is still in progress")

	// ErrConflict marks reuse of a key with a different request body.
	ErrConflict = errors.New("idempotency: key reused with a different payload")
)

// Kind is the outcome of Begin.
type Kind int

const (
	// Proceed means the caller owns the key and must run the handler, then
	// call Complete or Abort.
	Proceed Kind = iota
	// Replay means a stored response exists for the same key and body.
	Replay
	// Conflict means a stored response exists for a different body.
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case Replay:
		return "replay"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Record is an immutable stored response.
type Record struct {
	Key         string
	RequestHash [sha256.Size]byte
	Status      int
	ContentType string
	Body        []byte
	StoredAt    time.Time
}

// Decision tells the caller what to do with a request.
type Decision struct {
	Kind        Kind
	Record      *Record      // set for Replay and Conflict
	Reservation *Reservation // set for Proceed
}

// Err returns ErrConflict for a Conflict decision and nil otherwise.
func (d Decision) Err() error {
	if d.Kind == Conflict {
		return ErrConflict
	}
	return nil
}

// Reservation marks a key as in flight. Exactly one of Complete or Abort
// releases it; further calls are no-ops.
type Reservation struct {
	key  string
	hash [sha256.Size]byte
	done chan struct{}
	once sync.Once
}

// Key returns the reserved idempotency key.
func (r *Reservation) Key() string { return r.key }

// Cache stores completed responses by key and serializes requests that share
// a key. The table lock only guards map access; waiting happens on the
// per-reservation done channel so unrelated keys never block each other.
type Cache struct {
	ttl         time.Duration
	maxEntries  int
	waitTimeout time.Duration
	clock       clock.Clock

	mu       sync.Mutex
	records  map[string]*list.Element // values are *Record
	order    *list.List               // oldest first
	inflight map[string]*Reservation

	done      chan struct{}
	closeOnce sync.Once
}

// Options configures a Cache.
type Options struct {
	TTL             time.Duration
	MaxEntries      int
	WaitTimeout     time.Duration
	CleanupInterval time.Duration
	Clock           clock.Clock
}

// NewCache creates a cache. When CleanupInterval is positive a janitor
// goroutine drops expired records; call Close to stop it.
func NewCache(opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	c := &Cache{
		ttl:         opts.TTL,
		maxEntries:  opts.MaxEntries,
		waitTimeout: opts.WaitTimeout,
		clock:       opts.Clock,
		records:     make(map[string]*list.Element),
		order:       list.New(),
		inflight:    make(map[string]*Reservation),
		done:        make(chan struct{}),
	}
	if opts.CleanupInterval > 0 {
		go c.cleanup(c.clock.Ticker(opts.CleanupInterval))
	}
	return c
}

// HashBody returns the SHA-256 digest used to compare request bodies.
func HashBody(body []byte) [sha256.Size]byte {
	return sha256.Sum256(body)
}

// Begin decides how to treat a request with the given key and body. If
// another request holds the key, Begin waits until it finishes, the wait
// timeout elapses (ErrInFlight) or ctx is done.
func (c *Cache) Begin(ctx context.Context, key string, body []byte) (Decision, error) {
	hash := HashBody(body)
	var timer *clock.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		c.mu.Lock()
		if rec := c.lookupLocked(key); rec != nil {
			c.mu.Unlock()
			if rec.RequestHash == hash {
				return Decision{Kind: Replay, Record: rec}, nil
			}
			return Decision{Kind: Conflict, Record: rec}, nil
		}

		if owner, busy := c.inflight[key]; busy {
			c.mu.Unlock()
			if timer == nil {
				timer = c.clock.Timer(c.waitTimeout)
			}
			select {
			case <-owner.done:
				continue
			case <-timer.C:
				return Decision{}, ErrInFlight
			case <-ctx.Done():
				return Decision{}, ctx.Err()
			}
		}

		res := &Reservation{key: key, hash: hash, done: make(chan struct{})}
		c.inflight[key] = res
		c.mu.Unlock()
		return Decision{Kind: Proceed, Reservation: res}, nil
	}
}

// Complete releases res and stores the response when status is cacheable.
// Only 2xx and 4xx responses are stored so server errors can be retried.
func (c *Cache) Complete(res *Reservation, status int, contentType string, body []byte) {
	res.once.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if Cacheable(status) {
			c.storeLocked(&Record{
				Key:         res.key,
				RequestHash: res.hash,
				Status:      status,
				ContentType: contentType,
				Body:        append([]byte(nil), body...),
				StoredAt:    c.clock.Now(),
			})
		}
		c.releaseLocked(res)
	})
}

// Abort releases res without storing anything.
func (c *Cache) Abort(res *Reservation) {
	res.once.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.releaseLocked(res)
	})
}

// Cacheable reports whether a response status is retained.
func Cacheable(status int) bool {
	return (status >= 200 && status < 300) || (status >= 400 && status < 500)
}

// Len reports the number of stored records, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Close stops the janitor goroutine.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache) releaseLocked(res *Reservation) {
	if c.inflight[res.key] == res {
		delete(c.inflight, res.key)
	}
	close(res.done)
}

// lookupLocked returns the live record for key, dropping it if expired.
func (c *Cache) lookupLocked(key string) *Record {
	el, ok := c.records[key]
	if !ok {
		return nil
	}
	rec := el.Value.(*Record)
	if c.expired(rec, c.clock.Now()) {
		c.order.Remove(el)
		delete(c.records, key)
		return nil
	}
	return rec
}

func (c *Cache) storeLocked(rec *Record) {
	if el, ok := c.records[rec.Key]; ok {
		c.order.Remove(el)
	}
	c.records[rec.Key] = c.order.PushBack(rec)

	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.records, oldest.Value.(*Record).Key)
	}
}

func (c *Cache) expired(rec *Record, now time.Time) bool {
	return c.ttl > 0 && !now.Before(rec.StoredAt.Add(c.ttl))
}

func (c *Cache) cleanup(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

// evictExpired drops expired records from the front of the insertion list.
// Records are appended in StoredAt order, so the scan stops at the first live
// one.
func (c *Cache) evictExpired() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		rec := el.Value.(*Record)
		if !c.expired(rec, now) {
			break
		}
		c.order.Remove(el)
		delete(c.records, rec.Key)
		removed++
	}
	return removed
}
