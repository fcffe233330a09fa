package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTPPort  string
	JWTSecret []byte
	Database  DatabaseConfig
	Redis     RedisConfig
	Quota     QuotaConfig
	Billing   BillingConfig
	Provider  ProviderConfig
	RateLimit RateLimitConfig
	Queue     QueueConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	UserCacheSize   int
	UserCacheTTL    time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// QuotaConfig holds free-tier quota settings
type QuotaConfig struct {
	// FreeMessageLimit is the number of metered operations allowed
	// per identity without a paid subscription.
	FreeMessageLimit int

	// Backend selects the ledger implementation: "memory", "redis" or "postgres".
	Backend string
}

// BillingConfig holds subscription-billing settings.
// An empty StripeAPIKey means billing is not configured; the gateway
// runs free-tier only and reports that state to callers.
type BillingConfig struct {
	StripeAPIKey     string
	MeteredEventName string
	UnlimitedMetaKey string
	RequestTimeout   time.Duration
}

// ProviderConfig holds generation-provider settings
type ProviderConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	RequestTimeout time.Duration
}

// RateLimitConfig holds per-identity request rate settings
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
}

// QueueConfig holds async usage-recording queue settings
type QueueConfig struct {
	UseRedis     bool
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	boolVal, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return boolVal
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	port := getEnvString("HTTP_PORT", "8080")
	jwtSecret := []byte(getEnvString("JWT_SECRET", "supersecretkey"))

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg := &Config{
		HTTPPort:  port,
		JWTSecret: jwtSecret,
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			UserCacheSize:   getEnvInt("CACHE_USER_SIZE", 1000),
			UserCacheTTL:    getEnvDuration("CACHE_USER_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			// Empty address disables Redis; the redis quota backend,
			// rate limiting and the redis queue then refuse to start.
			Address:      os.Getenv("REDIS_ADDRESS"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Quota: QuotaConfig{
			FreeMessageLimit: getEnvInt("QUOTA_FREE_MESSAGE_LIMIT", 10),
			Backend:          getEnvString("QUOTA_BACKEND", "postgres"),
		},
		Billing: BillingConfig{
			StripeAPIKey:     os.Getenv("STRIPE_API_KEY"),
			MeteredEventName: getEnvString("STRIPE_METERED_EVENT", "chat_messages"),
			UnlimitedMetaKey: getEnvString("STRIPE_UNLIMITED_META_KEY", "unlimited"),
			RequestTimeout:   getEnvDuration("BILLING_REQUEST_TIMEOUT", 10*time.Second),
		},
		Provider: ProviderConfig{
			BaseURL:        getEnvString("PROVIDER_BASE_URL", "https://api.openai.com/v1"),
			APIKey:         os.Getenv("PROVIDER_API_KEY"),
			Model:          getEnvString("PROVIDER_MODEL", "gpt-4o-mini"),
			RequestTimeout: getEnvDuration("PROVIDER_REQUEST_TIMEOUT", 60*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getEnvBool("RATE_LIMIT_ENABLED", false),
			RequestsPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		},
		Queue: QueueConfig{
			UseRedis:     getEnvBool("QUEUE_USE_REDIS", false),
			BatchSize:    getEnvInt("QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("QUEUE_RETRY_BACKOFF", 1*time.Second),
		},
	}

	return cfg, nil
}
