package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"storefront/internal/models"
)

// ErrRoleChanged is returned when a role update lost a race with another
// update.
var ErrRoleChanged = errors.New("role was changed concurrently")

// UserStore is the subset of storage the role resolver needs.
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	CompareAndSwapRole(ctx context.Context, id int64, expected, next models.Role) (bool, error)
}

// RoleResolver assigns roles from email allow-lists and, when a store is
// configured, re-resolves the live role of token holders so role changes
// take effect before tokens expire.
type RoleResolver struct {
	admins     map[string]struct{}
	staff      map[string]struct{}
	store      UserStore
	ttl        time.Duration
	maxEntries int
	clock      clock.Clock

	mu    sync.Mutex
	cache map[int64]roleEntry
	// generations counts invalidations per user. A lookup that started
	// before an invalidation of the same user is answered but not cached.
	generations map[int64]uint64
}

type roleEntry struct {
	role     models.Role
	storedAt time.Time
}

// NewRoleResolver builds a resolver. store may be nil, in which case token
// role claims are trusted as issued. Looked up roles are kept for
// cfg.RoleCacheTTL; a zero TTL looks the role up on every request.
func NewRoleResolver(cfg models.OAuth2Config, store UserStore, clk clock.Clock) *RoleResolver {
	if clk == nil {
		clk = clock.New()
	}
	r := &RoleResolver{
		admins:      emailSet(cfg.AdminEmails),
		staff:       emailSet(cfg.StaffEmails),
		ttl:         cfg.RoleCacheTTL,
		maxEntries:  cfg.RoleCacheMaxEntries,
		clock:       clk,
		cache:       make(map[int64]roleEntry),
		generations: make(map[int64]uint64),
	}
	if cfg.LiveRoles {
		r.store = store
	}
	return r
}

// ResolveForEmail returns the role granted by the allow-lists. ADMIN wins
// when an email appears in both lists.
func (r *RoleResolver) ResolveForEmail(email string) models.Role {
	email = normalizeEmail(email)
	if _, ok := r.admins[email]; ok {
		return models.RoleAdmin
	}
	if _, ok := r.staff[email]; ok {
		return models.RoleStaff
	}
	return models.RoleCustomer
}

// CurrentRole returns the live role for userID, falling back to claimed when
// live roles are disabled or the lookup fails.
func (r *RoleResolver) CurrentRole(ctx context.Context, userID int64, claimed models.Role) models.Role {
	if r.store == nil || userID == 0 {
		return claimed
	}

	r.mu.Lock()
	if e, ok := r.cache[userID]; ok && r.clock.Now().Sub(e.storedAt) < r.ttl {
		r.mu.Unlock()
		return e.role
	}
	gen := r.generations[userID]
	r.mu.Unlock()

	user, err := r.store.GetUserByID(ctx, userID)
	if err != nil {
		return claimed
	}

	r.mu.Lock()
	if r.ttl > 0 && r.generations[userID] == gen {
		r.storeLocked(userID, user.Role)
	}
	r.mu.Unlock()
	return user.Role
}

func (r *RoleResolver) storeLocked(userID int64, role models.Role) {
	now := r.clock.Now()
	if _, ok := r.cache[userID]; !ok && r.maxEntries > 0 && len(r.cache) >= r.maxEntries {
		for id, e := range r.cache {
			if now.Sub(e.storedAt) >= r.ttl {
				delete(r.cache, id)
			}
		}
		if len(r.cache) >= r.maxEntries {
			return
		}
	}
	r.cache[userID] = roleEntry{role: role, storedAt: now}
}

// UpdateRole changes userID's role from expected to next. The cached role is
// invalidated before UpdateRole returns, so the next request sees next.
func (r *RoleResolver) UpdateRole(ctx context.Context, userID int64, expected, next models.Role) error {
	if r.store == nil {
		return errors.New("role updates require a user store")
	}

	swapped, err := r.store.CompareAndSwapRole(ctx, userID, expected, next)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}

	r.Invalidate(userID)
	if !swapped {
		return ErrRoleChanged
	}
	return nil
}

// Invalidate drops the cached role for userID and keeps lookups already in
// flight from caching what they read.
func (r *RoleResolver) Invalidate(userID int64) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.generations[userID]++
	r.mu.Unlock()
}

func emailSet(emails []string) map[string]struct{} {
	set := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		if e = normalizeEmail(e); e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
