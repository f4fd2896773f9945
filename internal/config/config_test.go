package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaultsWhenEnvUnset(t *testing.T) {
	clearEnv(t, "CACHE_MAX_SIZE", "BREAKER_FAILURE_THRESHOLD", "TIER")

	cfg := Load()

	assert.Equal(t, Tier("dev"), cfg.Tier)
	assert.Equal(t, 10000, cfg.Cache.MaxSize)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Cache.DefaultTTL)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	clearEnv(t, "CACHE_MAX_SIZE", "RETRY_BACKOFF_MULTIPLIER", "BREAKER_PERSISTENCE_ENABLED")
	os.Setenv("CACHE_MAX_SIZE", "42")
	os.Setenv("RETRY_BACKOFF_MULTIPLIER", "1.5")
	os.Setenv("BREAKER_PERSISTENCE_ENABLED", "true")

	cfg := Load()

	assert.Equal(t, 42, cfg.Cache.MaxSize)
	assert.Equal(t, 1.5, cfg.Retry.BackoffMultiplier)
	assert.True(t, cfg.Breaker.PersistenceEnabled)
}

func TestGetEnvIntFallsBackOnGarbage(t *testing.T) {
	clearEnv(t, "SENTINEL_TEST_INT")
	os.Setenv("SENTINEL_TEST_INT", "not-an-int")
	assert.Equal(t, 7, getEnvInt("SENTINEL_TEST_INT", 7))
}

func TestGetEnvBoolAcceptsOneAndTrue(t *testing.T) {
	clearEnv(t, "SENTINEL_TEST_BOOL")
	os.Setenv("SENTINEL_TEST_BOOL", "1")
	assert.True(t, getEnvBool("SENTINEL_TEST_BOOL", false))

	os.Setenv("SENTINEL_TEST_BOOL", "true")
	assert.True(t, getEnvBool("SENTINEL_TEST_BOOL", false))

	os.Setenv("SENTINEL_TEST_BOOL", "0")
	assert.False(t, getEnvBool("SENTINEL_TEST_BOOL", true))
}
