package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration for the proxy.
type Config struct {
	HTTPPort    string
	LogLevel    string
	CORSOrigins []string

	JWT       JWTConfig
	Vault     VaultConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Upstream  UpstreamConfig
	Queue     QueueConfig
	Archive   ArchiveConfig
}

// JWTConfig holds settings for organization access tokens.
type JWTConfig struct {
	Secret []byte
	Expiry time.Duration
}

// VaultConfig holds settings for credential encryption at rest.
type VaultConfig struct {
	// EncryptionKey is base64-encoded and must decode to 16, 24 or 32
	// bytes (AES-128/192/256).
	EncryptionKey string
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MigrationsPath  string

	CredentialCacheSize int
	CredentialCacheTTL  time.Duration
}

// RedisConfig holds Redis connection settings. Redis backs the rate
// limiter and, optionally, the usage queue.
type RedisConfig struct {
	Enabled      bool
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RateLimitConfig holds the per-organization sliding window settings.
type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Window   time.Duration
}

// UpstreamConfig holds settings for the upstream model API.
type UpstreamConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	StreamTimeout  time.Duration
}

// QueueConfig holds settings for the usage record queue and its worker.
type QueueConfig struct {
	Backend       string // "memory" or "redis"
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

// ArchiveConfig holds configuration for the S3-based audit archive.
type ArchiveConfig struct {
	Enabled       bool
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
	S3Bucket      string
	S3Region      string
	S3Prefix      string
	PodName       string
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
	return val == "true" || val == "1"
}

// Load reads configuration from the environment. A .env file in the
// working directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg := &Config{
		HTTPPort:    getEnvString("HTTP_PORT", "8080"),
		LogLevel:    getEnvString("LOG_LEVEL", "info"),
		CORSOrigins: splitCSV(getEnvString("CORS_ORIGINS", "*")),
		JWT: JWTConfig{
			Secret: []byte(jwtSecret),
			Expiry: getEnvDuration("JWT_EXPIRY", 365*24*time.Hour),
		},
		Vault: VaultConfig{
			EncryptionKey: encryptionKey,
		},
		Database: DatabaseConfig{
			URL:                 dbURL,
			MaxOpenConns:        getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:        getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:     getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime:     getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			MigrationsPath:      getEnvString("DB_MIGRATIONS_PATH", "migrations"),
			CredentialCacheSize: getEnvInt("CACHE_CREDENTIAL_SIZE", 1000),
			CredentialCacheTTL:  getEnvDuration("CACHE_CREDENTIAL_TTL", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:      getEnvBool("REDIS_ENABLED", false),
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:  getEnvBool("RATE_LIMIT_ENABLED", false),
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 300),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Upstream: UpstreamConfig{
			BaseURL:        getEnvString("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
			RequestTimeout: getEnvDuration("UPSTREAM_REQUEST_TIMEOUT", 120*time.Second),
			StreamTimeout:  getEnvDuration("UPSTREAM_STREAM_TIMEOUT", 10*time.Minute),
		},
		Queue: QueueConfig{
			Backend:       getEnvString("USAGE_QUEUE_BACKEND", "memory"),
			BatchSize:     getEnvInt("USAGE_QUEUE_BATCH_SIZE", 100),
			FlushInterval: getEnvDuration("USAGE_QUEUE_FLUSH_INTERVAL", 5*time.Second),
			MaxRetries:    getEnvInt("USAGE_QUEUE_MAX_RETRIES", 3),
		},
		Archive: ArchiveConfig{
			Enabled:       getEnvBool("ARCHIVE_ENABLED", false),
			BufferSize:    getEnvInt("ARCHIVE_BUFFER_SIZE", 10000),
			FlushSize:     getEnvInt("ARCHIVE_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("ARCHIVE_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("ARCHIVE_S3_BUCKET", ""),
			S3Region:      getEnvString("ARCHIVE_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("ARCHIVE_S3_PREFIX", "audit/"),
			PodName:       getEnvString("POD_NAME", "proxy-0"),
		},
	}

	return cfg, nil
}

func splitCSV(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
