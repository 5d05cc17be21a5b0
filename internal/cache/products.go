// Package cache holds read models that embed inventory state. Entries expire
// after a TTL and are dropped explicitly whenever stock changes.
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"storefront/internal/models"
)

type detailEntry struct {
	view     models.ProductView
	storedAt time.Time
}

type listingEntry struct {
	views    []models.ProductView
	storedAt time.Time
}

// ProductCache caches product detail views and the product listing.
// Concurrent misses for the same key share one load.
type ProductCache struct {
	enabled    bool
	ttl        time.Duration
	maxEntries int
	clock      clock.Clock

	mu      sync.Mutex
	details map[int64]detailEntry
	listing *listingEntry
	// generation changes on every invalidation. A load that started before
	// an invalidation is returned to its caller but not stored.
	generation uint64

	group singleflight.Group
}

// NewProductCache creates a cache from cfg. A disabled cache always loads.
func NewProductCache(cfg models.CacheConfig, clk clock.Clock) *ProductCache {
	if clk == nil {
		clk = clock.New()
	}
	return &ProductCache{
		enabled:    cfg.Enabled,
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		clock:      clk,
		details:    make(map[int64]detailEntry),
	}
}

// Product returns the cached view of id, calling load on a miss.
func (c *ProductCache) Product(ctx context.Context, id int64, load func(context.Context) (*models.ProductView, error)) (*models.ProductView, error) {
	if !c.enabled {
		return load(ctx)
	}

	c.mu.Lock()
	if e, ok := c.details[id]; ok && c.fresh(e.storedAt) {
		view := e.view
		c.mu.Unlock()
		return &view, nil
	}
	gen := c.generation
	c.mu.Unlock()

	v, err, _ := c.group.Do("product:"+strconv.FormatInt(id, 10), func() (any, error) {
		view, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.makeRoom()
			c.details[id] = detailEntry{view: *view, storedAt: c.clock.Now()}
		}
		c.mu.Unlock()
		return *view, nil
	})
	if err != nil {
		return nil, err
	}
	view := v.(models.ProductView)
	return &view, nil
}

// Products returns the cached listing, calling load on a miss.
func (c *ProductCache) Products(ctx context.Context, load func(context.Context) ([]models.ProductView, error)) ([]models.ProductView, error) {
	if !c.enabled {
		return load(ctx)
	}

	c.mu.Lock()
	if c.listing != nil && c.fresh(c.listing.storedAt) {
		views := append([]models.ProductView(nil), c.listing.views...)
		c.mu.Unlock()
		return views, nil
	}
	gen := c.generation
	c.mu.Unlock()

	v, err, _ := c.group.Do("products", func() (any, error) {
		views, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.listing = &listingEntry{views: append([]models.ProductView(nil), views...), storedAt: c.clock.Now()}
		}
		c.mu.Unlock()
		return views, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]models.ProductView(nil), v.([]models.ProductView)...), nil
}

// InvalidateProduct drops the detail view of id and the listing, both of
// which embed its stock.
func (c *ProductCache) InvalidateProduct(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.details, id)
	c.listing = nil
	c.generation++
	c.group.Forget("product:" + strconv.FormatInt(id, 10))
	c.group.Forget("products")
}

// Len reports the number of cached detail views.
func (c *ProductCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.details)
}

func (c *ProductCache) fresh(storedAt time.Time) bool {
	return c.ttl <= 0 || c.clock.Now().Before(storedAt.Add(c.ttl))
}

// makeRoom evicts expired views, then arbitrary ones, until a new entry
// fits. Must be called with mu held.
func (c *ProductCache) makeRoom() {
	if c.maxEntries <= 0 || len(c.details) < c.maxEntries {
		return
	}
	for id, e := range c.details {
		if !c.fresh(e.storedAt) {
			delete(c.details, id)
		}
	}
	for id := range c.details {
		if len(c.details) < c.maxEntries {
			break
		}
		delete(c.details, id)
	}
}
