// Package config loads the typed per-subsystem configuration surface
// (SPEC_FULL §1/§6) from environment variables, with optional .env and
// tier-specific .env.<tier> overlays.
//
// Grounded directly on the teacher's internal/config/config.go: the
// getEnv/getEnvInt/getEnvFloat/getEnvBool helpers and the godotenv-based
// tiered .env loading are kept verbatim in idiom, generalized from the
// single flat Bitcoin-node Config to one struct per SPEC_FULL subsystem.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Tier selects a deployment profile (dev/staging/production), mirroring
// the teacher's Tier-driven .env overlay mechanism.
type Tier string

const (
	TierDev        Tier = "dev"
	TierStaging    Tier = "staging"
	TierProduction Tier = "production"
)

// DedupConfig configures the Request Deduplicator.
type DedupConfig struct {
	TTL             time.Duration
	MinTTL          time.Duration
	MaxTTL          time.Duration
	AdaptiveEnabled bool
	AdjustEvery     time.Duration
	SweepInterval   time.Duration
}

// CacheConfig configures the Intelligent Cache.
type CacheConfig struct {
	DefaultTTL                 time.Duration
	MaxSize                    int
	MaxMemoryUsage             int64
	BackgroundRefreshThreshold float64
	CompressionEnabled         bool
	CompressionThreshold       int64
	CleanupInterval            time.Duration
}

// BreakerConfig configures the Enhanced Circuit Breaker.
type BreakerConfig struct {
	FailureThreshold      int
	FailureRateThreshold  float64
	SlowCallRateThreshold float64
	MinSamples            int
	RecoveryTimeout       time.Duration
	HalfOpenMaxCalls      int
	SuccessThreshold      int
	MonitoringWindow      time.Duration
	RequestTimeout        time.Duration
	SlowCallThreshold     time.Duration
	MetricsRetention      time.Duration
	PersistenceEnabled    bool
	PersistencePath       string
}

// RetryConfig configures the Retry Manager's default policy.
type RetryConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterEnabled     bool
	Timeout           time.Duration
}

// OptimizerConfig configures the Query Optimizer.
type OptimizerConfig struct {
	SlowQueryThreshold time.Duration
	StatsWindow        time.Duration
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	BackoffMultiplier  float64
	TripAfterFailures  int
}

// DatabaseConfig configures the pgxpool-backed store connection.
type DatabaseConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// ObservabilityConfig configures logging, metrics window, and the HTTP
// exposition surface.
type ObservabilityConfig struct {
	LogLevel        string
	RingBufferSize  int
	MetricsWindow   time.Duration
	HTTPPort        int
	EnablePprof     bool
}

// Config aggregates every subsystem's configuration.
type Config struct {
	Tier          Tier
	Dedup         DedupConfig
	Cache         CacheConfig
	Breaker       BreakerConfig
	Retry         RetryConfig
	Optimizer     OptimizerConfig
	Database      DatabaseConfig
	Observability ObservabilityConfig
}

// Load reads Config from the environment, after applying .env and
// .env.<tier> overlays via loadEnvironmentConfig.
func Load() Config {
	loadEnvironmentConfig()

	tier := Tier(getEnv("TIER", "dev"))

	return Config{
		Tier: tier,
		Dedup: DedupConfig{
			TTL:             time.Duration(getEnvInt("DEDUP_TTL_SEC", 300)) * time.Second,
			MinTTL:          time.Duration(getEnvInt("DEDUP_MIN_TTL_SEC", 30)) * time.Second,
			MaxTTL:          time.Duration(getEnvInt("DEDUP_MAX_TTL_SEC", 900)) * time.Second,
			AdaptiveEnabled: getEnvBool("DEDUP_ADAPTIVE_ENABLED", false),
			AdjustEvery:     time.Duration(getEnvInt("DEDUP_ADJUST_EVERY_SEC", 30)) * time.Second,
			SweepInterval:   time.Duration(getEnvInt("DEDUP_SWEEP_INTERVAL_SEC", 30)) * time.Second,
		},
		Cache: CacheConfig{
			DefaultTTL:                 time.Duration(getEnvInt("CACHE_DEFAULT_TTL_SEC", 30)) * time.Second,
			MaxSize:                    getEnvInt("CACHE_MAX_SIZE", 10000),
			MaxMemoryUsage:             int64(getEnvInt("CACHE_MAX_MEMORY_BYTES", 256*1024*1024)),
			BackgroundRefreshThreshold: getEnvFloat("CACHE_BACKGROUND_REFRESH_THRESHOLD", 0.8),
			CompressionEnabled:         getEnvBool("CACHE_COMPRESSION_ENABLED", true),
			CompressionThreshold:       int64(getEnvInt("CACHE_COMPRESSION_THRESHOLD_BYTES", 1024)),
			CleanupInterval:            time.Duration(getEnvInt("CACHE_CLEANUP_INTERVAL_SEC", 60)) * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold:      getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			FailureRateThreshold:  getEnvFloat("BREAKER_FAILURE_RATE_THRESHOLD", 0.5),
			SlowCallRateThreshold: getEnvFloat("BREAKER_SLOW_CALL_RATE_THRESHOLD", 0.8),
			MinSamples:            getEnvInt("BREAKER_MIN_SAMPLES", 10),
			RecoveryTimeout:       time.Duration(getEnvInt("BREAKER_RECOVERY_TIMEOUT_SEC", 30)) * time.Second,
			HalfOpenMaxCalls:      getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 3),
			SuccessThreshold:      getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			MonitoringWindow:      time.Duration(getEnvInt("BREAKER_MONITORING_WINDOW_SEC", 60)) * time.Second,
			RequestTimeout:        time.Duration(getEnvInt("BREAKER_REQUEST_TIMEOUT_SEC", 10)) * time.Second,
			SlowCallThreshold:     time.Duration(getEnvInt("BREAKER_SLOW_CALL_THRESHOLD_MS", 2000)) * time.Millisecond,
			MetricsRetention:      time.Duration(getEnvInt("BREAKER_METRICS_RETENTION_SEC", 600)) * time.Second,
			PersistenceEnabled:    getEnvBool("BREAKER_PERSISTENCE_ENABLED", false),
			PersistencePath:       getEnv("BREAKER_PERSISTENCE_PATH", "./breaker-state.json"),
		},
		Retry: RetryConfig{
			MaxRetries:        getEnvInt("RETRY_MAX_RETRIES", 3),
			BaseDelay:         time.Duration(getEnvInt("RETRY_BASE_DELAY_MS", 100)) * time.Millisecond,
			MaxDelay:          time.Duration(getEnvInt("RETRY_MAX_DELAY_MS", 5000)) * time.Millisecond,
			BackoffMultiplier: getEnvFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
			JitterEnabled:     getEnvBool("RETRY_JITTER_ENABLED", true),
			Timeout:           time.Duration(getEnvInt("RETRY_TIMEOUT_SEC", 30)) * time.Second,
		},
		Optimizer: OptimizerConfig{
			SlowQueryThreshold: time.Duration(getEnvInt("OPTIMIZER_SLOW_QUERY_THRESHOLD_MS", 100)) * time.Millisecond,
			StatsWindow:        time.Duration(getEnvInt("OPTIMIZER_STATS_WINDOW_SEC", 300)) * time.Second,
			InitialBackoff:     time.Duration(getEnvInt("OPTIMIZER_INITIAL_BACKOFF_MS", 500)) * time.Millisecond,
			MaxBackoff:         time.Duration(getEnvInt("OPTIMIZER_MAX_BACKOFF_SEC", 30)) * time.Second,
			BackoffMultiplier:  getEnvFloat("OPTIMIZER_BACKOFF_MULTIPLIER", 2.0),
			TripAfterFailures:  getEnvInt("OPTIMIZER_TRIP_AFTER_FAILURES", 3),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", "postgres://localhost:5432/sentinel"),
			MaxConns:        int32(getEnvInt("DATABASE_MAX_CONNS", 20)),
			MinConns:        int32(getEnvInt("DATABASE_MIN_CONNS", 2)),
			ConnMaxLifetime: time.Duration(getEnvInt("DATABASE_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			RingBufferSize: getEnvInt("LOG_RING_BUFFER_SIZE", 1000),
			MetricsWindow:  time.Duration(getEnvInt("METRICS_WINDOW_SEC", 300)) * time.Second,
			HTTPPort:       getEnvInt("HTTP_PORT", 8080),
			EnablePprof:    getEnvBool("ENABLE_PPROF", false),
		},
	}
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
		return v == "1" || v == "true"
	}
	return def
}

// loadEnvironmentConfig loads .env, then a tier-specific .env.<tier>
// overlay, mirroring the teacher's loadEnvironmentConfig.
func loadEnvironmentConfig() {
	if err := godotenv.Load(); err == nil {
		log.Printf("config: loaded default .env file")
	} else {
		log.Printf("config: no .env file found, using system environment")
	}

	tier := getEnv("TIER", "")
	if tier != "" {
		tierEnvFile := fmt.Sprintf(".env.%s", strings.ToLower(tier))
		if err := godotenv.Load(tierEnvFile); err == nil {
			log.Printf("config: loaded tier-specific env file %s", tierEnvFile)
		}
	}
}
