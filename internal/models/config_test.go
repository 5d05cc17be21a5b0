package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	config := NewDefaultConfig()
	config.Security.JWT.Secret = strings.Repeat("k", MinJWTSecretLength)
	return config
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	// Test server defaults
	assert.Equal(t, 8080, config.Server.Port)
	assert.Equal(t, "0.0.0.0", config.Server.Host)
	assert.Equal(t, 30*time.Second, config.Server.ReadTimeout)
	assert.False(t, config.Server.TLSEnabled)

	// Test storage defaults
	assert.Equal(t, StorageTypeMemory, config.Storage.Type)
	assert.Equal(t, 25, config.Storage.Database.MaxOpenConns)

	// Test rate limit defaults: 100 tokens, refilled by 100 every minute
	rl := config.Security.RateLimit
	assert.True(t, rl.Enabled)
	assert.Equal(t, RefillModeInterval, rl.Mode)
	assert.Equal(t, 100, rl.Capacity)
	assert.Equal(t, 100, rl.RefillTokens)
	assert.Equal(t, time.Minute, rl.RefillInterval)

	// Test idempotency defaults
	idem := config.Security.Idempotency
	assert.True(t, idem.Enabled)
	assert.Equal(t, 30*time.Minute, idem.TTL)
	assert.Equal(t, 100_000, idem.MaxEntries)
	assert.Equal(t, 10*time.Second, idem.WaitTimeout)
	assert.Equal(t, 1<<20, idem.MaxBodyBytes)
	assert.Equal(t, []string{"/api/v1/orders", "/api/v1/cart/items", "/api/v1/reviews"}, idem.Endpoints)
	assert.Equal(t, []string{"createOrder", "addReview"}, idem.GraphQLMutations)

	// Test authentication defaults
	assert.Empty(t, config.Security.JWT.Secret)
	assert.Equal(t, time.Hour, config.Security.JWT.Expiration)
	assert.Equal(t, 7*24*time.Hour, config.Security.JWT.RefreshExpiration)
	assert.Equal(t, 30*time.Second, config.Security.OAuth2.RoleCacheTTL)
	assert.Equal(t, BlacklistStoreMemory, config.Security.Blacklist.Store)
	assert.Equal(t, 5, config.Security.Events.FailureThreshold)
	assert.Equal(t, 15*time.Minute, config.Security.Events.FailureWindow)

	// Test inventory defaults
	assert.Equal(t, 5*time.Second, config.Inventory.LockTimeout)

	// Test logging, cache and metrics defaults
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "json", config.Logging.Format)
	assert.True(t, config.Cache.Enabled)
	assert.Equal(t, 5*time.Minute, config.Cache.TTL)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, "/metrics", config.Metrics.Path)
	assert.Equal(t, "storefront", config.Observability.ServiceName)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid defaults with secret", mutate: func(*Config) {}},
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "invalid server config"},
		{name: "empty host", mutate: func(c *Config) { c.Server.Host = "" }, wantErr: "host cannot be empty"},
		{name: "tls without cert", mutate: func(c *Config) { c.Server.TLSEnabled = true }, wantErr: "TLS cert file is required"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage.Type = "json" }, wantErr: "invalid storage type"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Type = StorageTypePostgres }, wantErr: "DSN is required"},
		{name: "missing secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: "JWT secret"},
		{name: "short secret", mutate: func(c *Config) { c.Security.JWT.Secret = "abc" }, wantErr: "JWT secret"},
		{name: "zero expiration", mutate: func(c *Config) { c.Security.JWT.Expiration = 0 }, wantErr: "JWT expiration"},
		{name: "bad rate limit mode", mutate: func(c *Config) { c.Security.RateLimit.Mode = "leaky" }, wantErr: "invalid rate limit mode"},
		{name: "zero capacity", mutate: func(c *Config) { c.Security.RateLimit.Capacity = 0 }, wantErr: "capacity must be positive"},
		{name: "zero refill tokens", mutate: func(c *Config) { c.Security.RateLimit.RefillTokens = 0 }, wantErr: "refill tokens must be positive"},
		{name: "zero refill interval", mutate: func(c *Config) { c.Security.RateLimit.RefillInterval = 0 }, wantErr: "refill interval must be positive"},
		{name: "disabled rate limit skips checks", mutate: func(c *Config) {
			c.Security.RateLimit.Enabled = false
			c.Security.RateLimit.Capacity = 0
		}},
		{name: "zero idempotency ttl", mutate: func(c *Config) { c.Security.Idempotency.TTL = 0 }, wantErr: "idempotency TTL"},
		{name: "negative max entries", mutate: func(c *Config) { c.Security.Idempotency.MaxEntries = -1 }, wantErr: "max entries"},
		{name: "zero wait timeout", mutate: func(c *Config) { c.Security.Idempotency.WaitTimeout = 0 }, wantErr: "wait timeout"},
		{name: "zero max body bytes", mutate: func(c *Config) { c.Security.Idempotency.MaxBodyBytes = 0 }, wantErr: "max body bytes"},
		{name: "refresh shorter than access", mutate: func(c *Config) { c.Security.JWT.RefreshExpiration = time.Minute }, wantErr: "refresh expiration"},
		{name: "negative role cache ttl", mutate: func(c *Config) {
			c.Security.OAuth2.LiveRoles = true
			c.Security.OAuth2.RoleCacheTTL = -time.Second
		}, wantErr: "role cache TTL"},
		{name: "unknown blacklist store", mutate: func(c *Config) { c.Security.Blacklist.Store = "etcd" }, wantErr: "invalid blacklist store"},
		{name: "redis blacklist without address", mutate: func(c *Config) { c.Security.Blacklist.Store = BlacklistStoreRedis }, wantErr: "Redis address"},
		{name: "zero event workers", mutate: func(c *Config) { c.Security.Events.Workers = 0 }, wantErr: "workers must be positive"},
		{name: "zero failure window", mutate: func(c *Config) { c.Security.Events.FailureWindow = 0 }, wantErr: "failure threshold and window"},
		{name: "zero lock timeout", mutate: func(c *Config) { c.Inventory.LockTimeout = 0 }, wantErr: "lock timeout"},
		{name: "negative lock idle ttl", mutate: func(c *Config) { c.Inventory.LockIdleTTL = -time.Second }, wantErr: "lock idle TTL"},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, wantErr: "invalid log level"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "file log without path", mutate: func(c *Config) { c.Logging.Output = "file" }, wantErr: "file path is required"},
		{name: "negative cache ttl", mutate: func(c *Config) { c.Cache.TTL = -time.Second }, wantErr: "cache TTL"},
		{name: "disabled cache skips checks", mutate: func(c *Config) {
			c.Cache.Enabled = false
			c.Cache.TTL = -time.Second
		}},
		{name: "empty metrics path", mutate: func(c *Config) { c.Metrics.Path = "" }, wantErr: "metrics path"},
		{name: "bad metrics port", mutate: func(c *Config) { c.Metrics.Port = 70000 }, wantErr: "invalid metrics config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)

			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestJWTConfig_SecretNeverSerialized(t *testing.T) {
	config := validConfig()
	config.Security.Blacklist.Redis.Password = "redis-pass"

	data, err := json.Marshal(config)
	assert.NoError(t, err)
	assert.NotContains(t, string(data), config.Security.JWT.Secret)
	assert.NotContains(t, string(data), "redis-pass")
}
