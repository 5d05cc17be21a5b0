package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"storefront/internal/models"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "STOREFRONT_"

// Load loads configuration from file and environment variables
func Load(configPath string) (*models.Config, error) {
	// Start with default configuration
	config := models.NewDefaultConfig()

	// Load from file if provided and exists
	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	loadFromEnvironment(config)

	// Validate the final configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// deprecatedConfig mirrors moved config fields for detecting stale operator configs.
type deprecatedConfig struct {
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Security struct {
		JWTSecret         string      `yaml:"jwt_secret"`
		RequestsPerMinute interface{} `yaml:"requests_per_minute"`
	} `yaml:"security"`
}

// warnDeprecatedKeys logs a warning for each moved config key found in the YAML data.
// The service continues to start normally - these keys are silently ignored by the main decoder.
func warnDeprecatedKeys(data []byte) {
	var dep deprecatedConfig
	if err := yaml.Unmarshal(data, &dep); err != nil {
		return
	}
	if dep.Storage.Path != "" {
		slog.Warn("Config key is no longer supported; file storage was replaced by sqlite. Set storage.type and storage.database.dsn.", "config_key", "storage.path")
	}
	if dep.Security.JWTSecret != "" {
		slog.Warn("Config key has moved; use security.jwt.secret or STOREFRONT_JWT_SECRET.", "config_key", "security.jwt_secret")
	}
	if dep.Security.RequestsPerMinute != nil {
		slog.Warn("Config key has moved; use security.rate_limit.capacity and refill_tokens.", "config_key", "security.requests_per_minute")
	}
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	warnDeprecatedKeys(data)
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func getenv(name string) string {
	return os.Getenv(EnvPrefix + name)
}

func envDuration(name string, target *time.Duration) {
	if v := getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func envInt(name string, target *int) {
	if v := getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envBool(name string, target *bool) {
	if v := getenv(name); v != "" {
		*target = strings.ToLower(v) == "true"
	}
}

func envList(name string, target *[]string) {
	if v := getenv(name); v != "" {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*target = items
	}
}

// loadFromEnvironment loads configuration from environment variables
func loadFromEnvironment(config *models.Config) {
	// Server configuration
	envInt("PORT", &config.Server.Port)
	if host := getenv("HOST"); host != "" {
		config.Server.Host = host
	}
	envDuration("READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envBool("TLS_ENABLED", &config.Server.TLSEnabled)
	if certFile := getenv("TLS_CERT_FILE"); certFile != "" {
		config.Server.TLSCertFile = certFile
	}
	if keyFile := getenv("TLS_KEY_FILE"); keyFile != "" {
		config.Server.TLSKeyFile = keyFile
	}

	// Storage configuration
	if storageType := getenv("STORAGE_TYPE"); storageType != "" {
		config.Storage.Type = storageType
	}
	if dsn := getenv("DATABASE_DSN"); dsn != "" {
		config.Storage.Database.DSN = dsn
	}
	envInt("DATABASE_MAX_OPEN_CONNS", &config.Storage.Database.MaxOpenConns)
	envInt("DATABASE_MAX_IDLE_CONNS", &config.Storage.Database.MaxIdleConns)

	// Rate limiting
	sec := &config.Security
	envBool("RATE_LIMIT_ENABLED", &sec.RateLimit.Enabled)
	if mode := getenv("RATE_LIMIT_MODE"); mode != "" {
		sec.RateLimit.Mode = mode
	}
	envInt("RATE_LIMIT_CAPACITY", &sec.RateLimit.Capacity)
	envInt("RATE_LIMIT_REFILL_TOKENS", &sec.RateLimit.RefillTokens)
	envDuration("RATE_LIMIT_REFILL_INTERVAL", &sec.RateLimit.RefillInterval)

	// Idempotency
	envBool("IDEMPOTENCY_ENABLED", &sec.Idempotency.Enabled)
	envDuration("IDEMPOTENCY_TTL", &sec.Idempotency.TTL)
	envInt("IDEMPOTENCY_MAX_ENTRIES", &sec.Idempotency.MaxEntries)
	envDuration("IDEMPOTENCY_WAIT_TIMEOUT", &sec.Idempotency.WaitTimeout)
	envInt("IDEMPOTENCY_MAX_BODY_BYTES", &sec.Idempotency.MaxBodyBytes)
	envList("IDEMPOTENCY_ENDPOINTS", &sec.Idempotency.Endpoints)

	// Authentication
	if secret := getenv("JWT_SECRET"); secret != "" {
		sec.JWT.Secret = secret
	}
	envDuration("JWT_EXPIRATION", &sec.JWT.Expiration)
	envDuration("JWT_REFRESH_EXPIRATION", &sec.JWT.RefreshExpiration)
	envList("ADMIN_EMAILS", &sec.OAuth2.AdminEmails)
	envList("STAFF_EMAILS", &sec.OAuth2.StaffEmails)
	envBool("LIVE_ROLES", &sec.OAuth2.LiveRoles)
	envDuration("ROLE_CACHE_TTL", &sec.OAuth2.RoleCacheTTL)

	// Token blacklist
	if store := getenv("BLACKLIST_STORE"); store != "" {
		sec.Blacklist.Store = store
	}
	if addr := getenv("REDIS_ADDR"); addr != "" {
		sec.Blacklist.Redis.Addr = addr
	}
	if password := getenv("REDIS_PASSWORD"); password != "" {
		sec.Blacklist.Redis.Password = password
	}
	envInt("REDIS_DB", &sec.Blacklist.Redis.DB)

	// Inventory locking
	envDuration("LOCK_TIMEOUT", &config.Inventory.LockTimeout)
	envDuration("LOCK_IDLE_TTL", &config.Inventory.LockIdleTTL)

	// Logging configuration
	if level := getenv("LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := getenv("LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := getenv("LOG_OUTPUT"); output != "" {
		config.Logging.Output = output
	}
	if filePath := getenv("LOG_FILE_PATH"); filePath != "" {
		config.Logging.FilePath = filePath
	}

	// Cache configuration
	envBool("CACHE_ENABLED", &config.Cache.Enabled)
	envDuration("CACHE_TTL", &config.Cache.TTL)

	// Metrics configuration
	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	if path := getenv("METRICS_PATH"); path != "" {
		config.Metrics.Path = path
	}
	envInt("METRICS_PORT", &config.Metrics.Port)

	// Tracing
	envBool("TRACING_ENABLED", &config.Observability.Tracing.Enabled)
	if exporter := getenv("TRACING_EXPORTER"); exporter != "" {
		config.Observability.Tracing.Exporter = exporter
	}
	if endpoint := getenv("OTLP_ENDPOINT"); endpoint != "" {
		config.Observability.Tracing.OTLPEndpoint = endpoint
	}
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.Storage.Type = models.StorageTypeSQLite
	config.Storage.Database.DSN = "./data/storefront.db"
	config.Security.OAuth2.AdminEmails = []string{"admin@example.com"}
	config.Security.OAuth2.StaffEmails = []string{"staff@example.com"}

	// The JWT secret stays empty; supply it through STOREFRONT_JWT_SECRET.
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// Write to file
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
