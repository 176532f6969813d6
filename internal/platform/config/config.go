// Package config reads the service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Cache backends accepted by CACHE_BACKEND.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendNone     = "none"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Checker  CheckerConfig
	Cache    CacheConfig
	RDAP     RDAPConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	SQLite   SQLiteConfig
}

// ServerConfig captures HTTP server level configuration.
type ServerConfig struct {
	Addr          string
	ShutdownGrace time.Duration
}

type LogConfig struct {
	Level string
}

// CheckerConfig holds the per-run defaults. Callers may lower concurrency per request.
type CheckerConfig struct {
	Concurrency      int
	Timeout          time.Duration
	ProgressInterval time.Duration
	ProgressEvery    int
}

type CacheConfig struct {
	Backend         string
	AvailableTTL    time.Duration
	TakenTTL        time.Duration
	NegativeEnabled bool
	MemoryCapacity  int
	PurgeInterval   time.Duration
}

type RDAPConfig struct {
	BootstrapURL     string
	FallbackURL      string
	BootstrapRefresh time.Duration
	// HostRPS <= 0 disables per-host pacing.
	HostRPS   float64
	HostBurst int
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type PostgresConfig struct {
	URL      string
	MaxConns int32
}

type SQLiteConfig struct {
	Path string
}

// FromEnv builds the configuration from environment variables so main stays lean.
func FromEnv() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Addr:          getEnv("DOMAINHUNTER_ADDR", ":8080"),
			ShutdownGrace: getEnvDuration("SHUTDOWN_GRACE", 10*time.Second),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Checker: CheckerConfig{
			Concurrency:      getEnvInt("CHECK_CONCURRENCY", 60),
			Timeout:          getEnvDuration("CHECK_TIMEOUT", 2500*time.Millisecond),
			ProgressInterval: getEnvDuration("PROGRESS_INTERVAL", 120*time.Millisecond),
			ProgressEvery:    getEnvInt("PROGRESS_EVERY", 25),
		},
		Cache: CacheConfig{
			Backend:         strings.ToLower(getEnv("CACHE_BACKEND", BackendSQLite)),
			AvailableTTL:    getEnvTTL("CACHE_AVAILABLE_TTL", time.Hour),
			TakenTTL:        getEnvTTL("CACHE_TAKEN_TTL", 24*time.Hour),
			NegativeEnabled: getEnvBool("CACHE_NEGATIVE_ENABLED", false),
			MemoryCapacity:  getEnvInt("CACHE_MEMORY_CAPACITY", 5000),
			PurgeInterval:   getEnvDuration("CACHE_PURGE_INTERVAL", 15*time.Minute),
		},
		RDAP: RDAPConfig{
			BootstrapURL:     getEnv("RDAP_BOOTSTRAP_URL", "https://data.iana.org/rdap/dns.json"),
			FallbackURL:      getEnv("RDAP_FALLBACK_URL", "https://rdap.org/domain/"),
			BootstrapRefresh: getEnvDuration("RDAP_BOOTSTRAP_REFRESH", 24*time.Hour),
			HostRPS:          getEnvFloat("RDAP_HOST_RPS", 0),
			HostBurst:        getEnvInt("RDAP_HOST_BURST", 10),
		},
		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", ""),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 20),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Postgres: PostgresConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: int32(getEnvInt("DATABASE_MAX_CONNS", 10)),
		},
		SQLite: SQLiteConfig{
			Path: getEnv("SQLITE_PATH", "domainhunter.db"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.Cache.Backend {
	case BackendSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite cache backend")
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres cache backend")
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis cache backend")
		}
	case BackendNone:
	default:
		return fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend)
	}
	if c.Checker.Concurrency < 1 || c.Checker.Concurrency > 80 {
		return fmt.Errorf("CHECK_CONCURRENCY must be between 1 and 80, got %d", c.Checker.Concurrency)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return value
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return fallback
}

// getEnvTTL accepts a Go duration ("90m") or a bare number of seconds ("3600").
func getEnvTTL(key string, fallback time.Duration) time.Duration {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if secs, err := strconv.Atoi(valueStr); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return fallback
}
