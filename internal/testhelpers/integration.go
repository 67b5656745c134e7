//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/weather-broker/internal/cache"
	"github.com/kjstillabower/weather-broker/internal/client"
	"github.com/kjstillabower/weather-broker/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	CacheBackend  string // "memory", "memcached" or "redis"
	MemcachedAddr string
	RedisAddr     string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = "https://api.openweathermap.org/data/2.5/weather"
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}

	return IntegrationTestConfig{
		APIKey:        apiKey,
		APIURL:        apiURL,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
		RedisAddr:     redisAddr,
	}
}

// SetupIntegrationClient creates a live OpenWeatherMap client.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, client.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// SetupIntegrationLookup creates a Lookup over the live client and the configured store.
// Unreachable memcached or redis falls back to the memory store.
func SetupIntegrationLookup(t *testing.T, cfg IntegrationTestConfig) *service.Lookup {
	t.Helper()
	logger := zaptest.NewLogger(t)

	var store cache.Store = cache.NewMemoryStore()
	switch cfg.CacheBackend {
	case "memcached":
		mc := cache.NewMemcachedStore(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err := mc.Ping(); err != nil {
			t.Logf("memcached not available (%v), using memory store", err)
		} else {
			store = mc
			t.Cleanup(func() { _ = mc.Close() })
		}
	case "redis":
		rs := cache.NewRedisStore(cfg.RedisAddr, "", 0)
		if err := rs.Ping(); err != nil {
			t.Logf("redis not available (%v), using memory store", err)
		} else {
			store = rs
			t.Cleanup(func() { _ = rs.Close() })
		}
	}

	return service.NewLookup(SetupIntegrationClient(t, cfg), cache.NewResultCache(store, 10*time.Second),
		service.Options{LocationMinLen: 1, LocationMaxLen: 100}, logger)
}
