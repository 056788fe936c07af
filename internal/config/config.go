package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the render service.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	// Rendering engine.
	EngineKind    string // "local" or "remote"
	EngineURL     string
	RenderTimeout time.Duration

	// Resource pool.
	PoolSize          int
	PoolMin           int
	PoolMax           int
	AcquireTimeout    time.Duration
	MaxHoldTime       time.Duration
	IdleRecycleAge    time.Duration
	PoolSweepInterval time.Duration

	// Job scheduler.
	Concurrency    int
	QueueMax       int
	MaxRetries     int
	RequestTimeout time.Duration
	JobRetention   time.Duration

	// Content cache.
	CacheMaxItems      int
	CacheMaxBytes      int64
	CacheTTL           time.Duration
	CacheSweepInterval time.Duration
	CacheBackend       string // "fs", "s3", or "redis"
	CacheDir           string
	Tier2Retention     time.Duration
	Tier2SweepInterval time.Duration

	// Memory monitor.
	MemCheckInterval time.Duration
	MemSoftLimit     int64
	MemHardLimit     int64
	MemCooldown      time.Duration

	// Redis (Tier-2 backend and/or rate limiter).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Rate limiting (disabled when capacity is 0 or Redis is unset).
	RateLimitCapacity int
	RateLimitRefill   float64

	// S3 Tier-2 backend.
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool

	// Optional render-history store.
	PostgresDSN string
}

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	cfg := Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		EngineKind:    getEnv("ENGINE_KIND", "local"),
		EngineURL:     getEnv("ENGINE_URL", ""),
		RenderTimeout: getEnvDuration("RENDER_TIMEOUT", 30*time.Second),

		PoolSize:          getEnvInt("POOL_SIZE", 4),
		PoolMin:           getEnvInt("POOL_MIN", 1),
		PoolMax:           getEnvInt("POOL_MAX", 8),
		AcquireTimeout:    getEnvDuration("POOL_ACQUIRE_TIMEOUT", 10*time.Second),
		MaxHoldTime:       getEnvDuration("POOL_MAX_HOLD", time.Minute),
		IdleRecycleAge:    getEnvDuration("POOL_IDLE_RECYCLE_AGE", 5*time.Minute),
		PoolSweepInterval: getEnvDuration("POOL_SWEEP_INTERVAL", 30*time.Second),

		Concurrency:    getEnvInt("CONCURRENCY", 4),
		QueueMax:       getEnvInt("QUEUE_MAX", 128),
		MaxRetries:     getEnvInt("MAX_RETRIES", 1),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", time.Minute),
		JobRetention:   getEnvDuration("JOB_RETENTION", 10*time.Minute),

		CacheMaxItems:      getEnvInt("CACHE_MAX_ITEMS", 256),
		CacheMaxBytes:      getEnvInt64("CACHE_MAX_BYTES", 128<<20),
		CacheTTL:           getEnvDuration("CACHE_TTL", time.Hour),
		CacheSweepInterval: getEnvDuration("CACHE_SWEEP_INTERVAL", time.Minute),
		CacheBackend:       getEnv("CACHE_BACKEND", "fs"),
		CacheDir:           getEnv("CACHE_DIR", "./cache"),
		Tier2Retention:     getEnvDuration("TIER2_RETENTION", 24*time.Hour),
		Tier2SweepInterval: getEnvDuration("TIER2_SWEEP_INTERVAL", 10*time.Minute),

		MemCheckInterval: getEnvDuration("MEM_CHECK_INTERVAL", 30*time.Second),
		MemSoftLimit:     getEnvInt64("MEM_SOFT_LIMIT_BYTES", 512<<20),
		MemHardLimit:     getEnvInt64("MEM_HARD_LIMIT_BYTES", 1<<30),
		MemCooldown:      getEnvDuration("MEM_COOLDOWN", time.Minute),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 0),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),

		S3Bucket:    getEnv("CACHE_S3_BUCKET", ""),
		S3Region:    getEnv("CACHE_S3_REGION", "us-east-1"),
		S3Endpoint:  getEnv("CACHE_S3_ENDPOINT", ""),
		S3PathStyle: getEnvBool("CACHE_S3_PATH_STYLE", false),

		PostgresDSN: getEnv("POSTGRES_DSN", ""),
	}

	if cfg.PoolMin < 1 {
		cfg.PoolMin = 1
	}
	if cfg.PoolMax < cfg.PoolSize {
		cfg.PoolMax = cfg.PoolSize
	}
	// The admission ceiling never exceeds pool capacity; queued jobs would
	// otherwise just pile up on pool acquisition.
	if cfg.Concurrency > cfg.PoolSize {
		cfg.Concurrency = cfg.PoolSize
	}
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
