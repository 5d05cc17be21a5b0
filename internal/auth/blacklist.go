package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"storefront/internal/models"
)

// BlacklistStore persists revoked token digests until they expire.
type BlacklistStore interface {
	Add(ctx context.Context, tokenHash string, expiresAt time.Time) error
	// AddIfAbsent adds tokenHash unless a live entry exists and reports
	// whether it was added.
	AddIfAbsent(ctx context.Context, tokenHash string, expiresAt time.Time) (bool, error)
	Contains(ctx context.Context, tokenHash string) (bool, error)
	// Sweep removes expired entries and returns how many were dropped.
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// Blacklist records revoked tokens by SHA-256 digest. Entries live exactly
// as long as the token would have been valid.
type Blacklist struct {
	store BlacklistStore
	clock clock.Clock

	done      chan struct{}
	closeOnce sync.Once
}

// NewBlacklist wraps store. When sweepInterval is positive a janitor calls
// Sweep periodically; call Close to stop it.
func NewBlacklist(store BlacklistStore, sweepInterval time.Duration, clk clock.Clock) *Blacklist {
	if clk == nil {
		clk = clock.New()
	}
	b := &Blacklist{
		store: store,
		clock: clk,
		done:  make(chan struct{}),
	}
	if sweepInterval > 0 {
		go b.sweepLoop(b.clock.Ticker(sweepInterval))
	}
	return b
}

// Revoke blacklists token until expiresAt. Tokens that have already expired
// are ignored since verification rejects them anyway.
func (b *Blacklist) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	if !expiresAt.After(b.clock.Now()) {
		return nil
	}
	if err := b.store.Add(ctx, models.HashToken(token), expiresAt); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// Consume revokes token and reports whether this call was the one that did
// it. Of several concurrent callers presenting the same token exactly one
// gets true.
func (b *Blacklist) Consume(ctx context.Context, token string, expiresAt time.Time) (bool, error) {
	if !expiresAt.After(b.clock.Now()) {
		return false, nil
	}
	added, err := b.store.AddIfAbsent(ctx, models.HashToken(token), expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	return added, nil
}

// RevokeSession blacklists every refresh token of a session until
// expiresAt.
func (b *Blacklist) RevokeSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	return b.Revoke(ctx, sessionKey(sessionID), expiresAt)
}

// IsSessionRevoked reports whether a session was ended by logout or by
// refresh token reuse.
func (b *Blacklist) IsSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	return b.IsRevoked(ctx, sessionKey(sessionID))
}

func sessionKey(sessionID string) string {
	return "session:" + sessionID
}

// IsRevoked reports whether token is blacklisted.
func (b *Blacklist) IsRevoked(ctx context.Context, token string) (bool, error) {
	return b.store.Contains(ctx, models.HashToken(token))
}

// Sweep drops expired entries.
func (b *Blacklist) Sweep(ctx context.Context) (int, error) {
	return b.store.Sweep(ctx)
}

// Close stops the janitor and closes the store.
func (b *Blacklist) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.store.Close()
	})
	return err
}

func (b *Blacklist) sweepLoop(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			n, err := b.store.Sweep(context.Background())
			if err != nil {
				slog.Error("Token blacklist sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Swept expired revoked tokens", "count", n)
			}
		}
	}
}

// MemoryBlacklistStore keeps revoked digests in process memory. Expired
// entries are dropped when read and by Sweep.
type MemoryBlacklistStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   clock.Clock
}

func NewMemoryBlacklistStore(clk clock.Clock) *MemoryBlacklistStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryBlacklistStore{
		entries: make(map[string]time.Time),
		clock:   clk,
	}
}

func (m *MemoryBlacklistStore) Add(_ context.Context, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keep the later expiry if the same token is revoked twice.
	if cur, ok := m.entries[tokenHash]; !ok || expiresAt.After(cur) {
		m.entries[tokenHash] = expiresAt
	}
	return nil
}

func (m *MemoryBlacklistStore) AddIfAbsent(_ context.Context, tokenHash string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[tokenHash]; ok && cur.After(m.clock.Now()) {
		return false, nil
	}
	m.entries[tokenHash] = expiresAt
	return true, nil
}

func (m *MemoryBlacklistStore) Contains(_ context.Context, tokenHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiresAt, ok := m.entries[tokenHash]
	if !ok {
		return false, nil
	}
	if !expiresAt.After(m.clock.Now()) {
		delete(m.entries, tokenHash)
		return false, nil
	}
	return true, nil
}

func (m *MemoryBlacklistStore) Sweep(_ context.Context) (int, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for hash, expiresAt := range m.entries {
		if !expiresAt.After(now) {
			delete(m.entries, hash)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored entries, including expired ones not yet
// swept.
func (m *MemoryBlacklistStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryBlacklistStore) Close() error { return nil }

// RedisBlacklistStore shares revocations across instances. Each digest is a
// key whose TTL is the token's remaining lifetime, so Redis expires entries
// itself.
type RedisBlacklistStore struct {
	client *redis.Client
	prefix string
	clock  clock.Clock
}

// NewRedisBlacklistStore connects to Redis and verifies the connection.
func NewRedisBlacklistStore(cfg models.RedisConfig, clk clock.Clock) (*RedisBlacklistStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if clk == nil {
		clk = clock.New()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisBlacklistStore{client: client, prefix: cfg.KeyPrefix, clock: clk}, nil
}

func (r *RedisBlacklistStore) Add(ctx context.Context, tokenHash string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, r.prefix+tokenHash, "1", ttl).Err()
}

func (r *RedisBlacklistStore) AddIfAbsent(ctx context.Context, tokenHash string, expiresAt time.Time) (bool, error) {
	ttl := expiresAt.Sub(r.clock.Now())
	if ttl <= 0 {
		return false, nil
	}
	return r.client.SetNX(ctx, r.prefix+tokenHash, "1", ttl).Result()
}

func (r *RedisBlacklistStore) Contains(ctx context.Context, tokenHash string) (bool, error) {
	exists, err := r.client.Exists(ctx, r.prefix+tokenHash).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Sweep is a no-op; Redis expires keys on its own.
func (r *RedisBlacklistStore) Sweep(context.Context) (int, error) { return 0, nil }

// Ping reports whether Redis is reachable.
func (r *RedisBlacklistStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBlacklistStore) Close() error {
	return r.client.Close()
}

// NewBlacklistStore builds the store selected by cfg.
func NewBlacklistStore(cfg models.BlacklistConfig, clk clock.Clock) (BlacklistStore, error) {
	switch cfg.Store {
	case models.BlacklistStoreMemory, "":
		return NewMemoryBlacklistStore(clk), nil
	case models.BlacklistStoreRedis:
		return NewRedisBlacklistStore(cfg.Redis, clk)
	default:
		return nil, fmt.Errorf("unsupported blacklist store: %s", cfg.Store)
	}
}
