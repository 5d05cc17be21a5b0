// Package models - Service configuration and operational settings.
// This file defines the configuration structures for the storefront service and
// its request-safety layer (rate limiting, idempotency, authentication, locking).
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, storage, security, etc.)
// - Environment-friendly defaults that work out of the box
// - Validation catches misconfigurations before the server starts
package models

import (
	"errors"
	"fmt"
	"time"
)

// Storage type constants
const (
	StorageTypeMemory   = "memory"
	StorageTypePostgres = "postgres"
	StorageTypeSQLite   = "sqlite"
)

// Rate limiter refill modes
const (
	RefillModeInterval = "interval"
	RefillModeGreedy   = "greedy"
)

// Blacklist store types
const (
	BlacklistStoreMemory = "memory"
	BlacklistStoreRedis  = "redis"
)

// MinJWTSecretLength is the minimum accepted HMAC secret length in bytes.
const MinJWTSecretLength = 32

// Config is the root configuration structure containing all service settings.
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Security      SecurityConfig      `yaml:"security" json:"security"`
	Inventory     InventoryConfig     `yaml:"inventory" json:"inventory"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Cache         CacheConfig         `yaml:"cache" json:"cache"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port         int           `yaml:"port" json:"port"`
	Host         string        `yaml:"host" json:"host"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string        `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file" json:"tls_key_file"`
}

type StorageConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Database DatabaseConfig `yaml:"database" json:"database"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// SecurityConfig groups the four request-safety mechanisms.
type SecurityConfig struct {
	RateLimit   RateLimitConfig   `yaml:"rate_limit" json:"rate_limit"`
	Idempotency IdempotencyConfig `yaml:"idempotency" json:"idempotency"`
	JWT         JWTConfig         `yaml:"jwt" json:"jwt"`
	Blacklist   BlacklistConfig   `yaml:"blacklist" json:"blacklist"`
	OAuth2      OAuth2Config      `yaml:"oauth2" json:"oauth2"`
	Events      EventsConfig      `yaml:"events" json:"events"`
}

// RateLimitConfig configures per-client token buckets. In interval mode the
// bucket is topped up by RefillTokens once per RefillInterval; in greedy mode
// tokens drip in continuously at the same average rate.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Mode            string        `yaml:"mode" json:"mode"`
	Capacity        int           `yaml:"capacity" json:"capacity"`
	RefillTokens    int           `yaml:"refill_tokens" json:"refill_tokens"`
	RefillInterval  time.Duration `yaml:"refill_interval" json:"refill_interval"`
	IdleTTL         time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// IdempotencyConfig selects which requests get at-most-once treatment and how
// long their results are retained.
type IdempotencyConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	TTL              time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries       int           `yaml:"max_entries" json:"max_entries"`
	WaitTimeout      time.Duration `yaml:"wait_timeout" json:"wait_timeout"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	MaxBodyBytes     int           `yaml:"max_body_bytes" json:"max_body_bytes"`
	Endpoints        []string      `yaml:"endpoints" json:"endpoints"`
	GraphQLPath      string        `yaml:"graphql_path" json:"graphql_path"`
	GraphQLMutations []string      `yaml:"graphql_mutations" json:"graphql_mutations"`
}

// JWTConfig signs access tokens and the longer lived refresh tokens that
// are rotated on every use.
type JWTConfig struct {
	Secret            string        `yaml:"secret" json:"-"`
	Expiration        time.Duration `yaml:"expiration" json:"expiration"`
	RefreshExpiration time.Duration `yaml:"refresh_expiration" json:"refresh_expiration"`
	Issuer            string        `yaml:"issuer" json:"issuer"`
}

type BlacklistConfig struct {
	Store         string        `yaml:"store" json:"store"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	Redis         RedisConfig   `yaml:"redis" json:"redis"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"-"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// OAuth2Config holds the email allow-lists used to resolve roles for
// externally authenticated users. ADMIN wins when an email is in both lists.
// With LiveRoles the stored role of each token holder is looked up and kept
// for at most RoleCacheTTL.
type OAuth2Config struct {
	AdminEmails         []string      `yaml:"admin_emails" json:"admin_emails"`
	StaffEmails         []string      `yaml:"staff_emails" json:"staff_emails"`
	LiveRoles           bool          `yaml:"live_roles" json:"live_roles"`
	RoleCacheTTL        time.Duration `yaml:"role_cache_ttl" json:"role_cache_ttl"`
	RoleCacheMaxEntries int           `yaml:"role_cache_max_entries" json:"role_cache_max_entries"`
}

// EventsConfig sizes the asynchronous security event pipeline and the
// failed-login tracker fed by it.
type EventsConfig struct {
	QueueSize        int           `yaml:"queue_size" json:"queue_size"`
	Workers          int           `yaml:"workers" json:"workers"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window" json:"failure_window"`
}

type InventoryConfig struct {
	LockTimeout  time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
	LockIdleTTL  time.Duration `yaml:"lock_idle_ttl" json:"lock_idle_ttl"`
	CompactEvery time.Duration `yaml:"compact_every" json:"compact_every"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// The rate limit defaults reproduce a classic bucket of 100 tokens refilled
// with 100 tokens every minute. Idempotency records live for 30 minutes and
// the table holds at most 100k keys.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Storage: StorageConfig{
			Type: StorageTypeMemory,
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:         true,
				Mode:            RefillModeInterval,
				Capacity:        100,
				RefillTokens:    100,
				RefillInterval:  time.Minute,
				IdleTTL:         10 * time.Minute,
				CleanupInterval: 5 * time.Minute,
			},
			Idempotency: IdempotencyConfig{
				Enabled:          true,
				TTL:              30 * time.Minute,
				MaxEntries:       100_000,
				WaitTimeout:      10 * time.Second,
				CleanupInterval:  time.Minute,
				MaxBodyBytes:     1 << 20,
				Endpoints:        []string{"/api/v1/orders", "/api/v1/cart/items", "/api/v1/reviews"},
				GraphQLPath:      "/graphql",
				GraphQLMutations: []string{"createOrder", "addReview"},
			},
			JWT: JWTConfig{
				Expiration:        60 * time.Minute,
				RefreshExpiration: 7 * 24 * time.Hour,
				Issuer:            "storefront",
			},
			Blacklist: BlacklistConfig{
				Store:         BlacklistStoreMemory,
				SweepInterval: time.Hour,
				Redis: RedisConfig{
					KeyPrefix: "storefront:blacklist:",
				},
			},
			OAuth2: OAuth2Config{
				RoleCacheTTL:        30 * time.Second,
				RoleCacheMaxEntries: 10_000,
			},
			Events: EventsConfig{
				QueueSize:        1024,
				Workers:          2,
				FailureThreshold: 5,
				FailureWindow:    15 * time.Minute,
			},
		},
		Inventory: InventoryConfig{
			LockTimeout:  5 * time.Second,
			LockIdleTTL:  10 * time.Minute,
			CompactEvery: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTL:        5 * time.Minute,
			MaxEntries: 10_000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "storefront",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.Inventory.Validate(); err != nil {
		return fmt.Errorf("invalid inventory config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("invalid cache config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 || sc.WriteTimeout < 0 || sc.IdleTimeout < 0 {
		return errors.New("timeouts cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	return nil
}

func (stc *StorageConfig) Validate() error {
	switch stc.Type {
	case StorageTypeMemory:
		return nil
	case StorageTypePostgres, StorageTypeSQLite:
		if stc.Database.DSN == "" {
			return errors.New("database DSN is required for database storage")
		}
		return nil
	default:
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}
}

func (sec *SecurityConfig) Validate() error {
	rl := sec.RateLimit
	if rl.Enabled {
		if rl.Mode != RefillModeInterval && rl.Mode != RefillModeGreedy {
			return fmt.Errorf("invalid rate limit mode: %s", rl.Mode)
		}
		if rl.Capacity <= 0 {
			return errors.New("rate limit capacity must be positive")
		}
		if rl.RefillTokens <= 0 {
			return errors.New("rate limit refill tokens must be positive")
		}
		if rl.RefillInterval <= 0 {
			return errors.New("rate limit refill interval must be positive")
		}
	}

	idem := sec.Idempotency
	if idem.Enabled {
		if idem.TTL <= 0 {
			return errors.New("idempotency TTL must be positive")
		}
		if idem.MaxEntries < 0 {
			return errors.New("idempotency max entries cannot be negative")
		}
		if idem.WaitTimeout <= 0 {
			return errors.New("idempotency wait timeout must be positive")
		}
		if idem.MaxBodyBytes <= 0 {
			return errors.New("idempotency max body bytes must be positive")
		}
	}

	if len(sec.JWT.Secret) < MinJWTSecretLength {
		return fmt.Errorf("JWT secret must be at least %d characters", MinJWTSecretLength)
	}
	if sec.JWT.Expiration <= 0 {
		return errors.New("JWT expiration must be positive")
	}
	if sec.JWT.RefreshExpiration < sec.JWT.Expiration {
		return errors.New("JWT refresh expiration must not be shorter than the access token expiration")
	}

	if sec.OAuth2.LiveRoles {
		if sec.OAuth2.RoleCacheTTL < 0 {
			return errors.New("role cache TTL cannot be negative")
		}
		if sec.OAuth2.RoleCacheMaxEntries < 0 {
			return errors.New("role cache max entries cannot be negative")
		}
	}

	switch sec.Blacklist.Store {
	case BlacklistStoreMemory:
	case BlacklistStoreRedis:
		if sec.Blacklist.Redis.Addr == "" {
			return errors.New("Redis address is required when blacklist store is redis")
		}
	default:
		return fmt.Errorf("invalid blacklist store: %s", sec.Blacklist.Store)
	}

	if sec.Events.QueueSize <= 0 || sec.Events.Workers <= 0 {
		return errors.New("event queue size and workers must be positive")
	}
	if sec.Events.FailureThreshold <= 0 || sec.Events.FailureWindow <= 0 {
		return errors.New("failure threshold and window must be positive")
	}

	return nil
}

func (ic *InventoryConfig) Validate() error {
	if ic.LockTimeout <= 0 {
		return errors.New("lock timeout must be positive")
	}
	if ic.LockIdleTTL < 0 {
		return errors.New("lock idle TTL cannot be negative")
	}
	return nil
}

func (lc *LoggingConfig) Validate() error {
	switch lc.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	switch lc.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	switch lc.Output {
	case "stdout", "stderr":
	case "file":
		if lc.FilePath == "" {
			return errors.New("file path is required when output is file")
		}
	default:
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	return nil
}

func (cc *CacheConfig) Validate() error {
	if !cc.Enabled {
		return nil
	}
	if cc.TTL < 0 {
		return errors.New("cache TTL cannot be negative")
	}
	if cc.MaxEntries < 0 {
		return errors.New("cache max entries cannot be negative")
	}
	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}
