package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load_DefaultValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, int64(10000), cfg.QueueHighWaterMark)
	assert.Equal(t, 5*time.Minute, cfg.TimeoutIdentifierCheck)
	assert.Equal(t, 10*time.Minute, cfg.TimeoutOCR)
	assert.Equal(t, 3, cfg.RetryMaxRetries)
	assert.Equal(t, 5, cfg.ScrapedRetryMaxRetries)
	assert.False(t, cfg.MockExternalSources)
}

func TestConfig_Load_CustomValues(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("IDEMPOTENCY_TTL", "1h")
	t.Setenv("MOCK_EXTERNAL_SOURCES", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "prod", cfg.AppEnv)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	assert.Equal(t, time.Hour, cfg.IdempotencyTTL)
	assert.True(t, cfg.MockExternalSources)
}

func TestConfig_TaskTimeoutAndPoolSize(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, cfg.TimeoutOCR, cfg.TaskTimeout("ocr"))
	assert.Equal(t, cfg.TimeoutLicenseCheck, cfg.TaskTimeout("license_check"))
	assert.Equal(t, 5*time.Minute, cfg.TaskTimeout("unknown"))

	assert.Equal(t, cfg.PoolSizeOCR, cfg.PoolSize("ocr"))
	assert.Equal(t, 1, cfg.PoolSize("unknown"))
}

func TestConnectorConfig_RateLimitAndCircuitBreakerDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	lic := cfg.RateLimitFor("license_check")
	assert.Equal(t, 0.5, lic.PerSecond)
	assert.Equal(t, 30, lic.PerMinute)

	idn := cfg.RateLimitFor("identifier_check")
	assert.Equal(t, 10.0, idn.PerSecond)
	assert.Equal(t, 600, idn.PerMinute)

	api := cfg.CircuitBreakerFor(false)
	assert.Equal(t, 5, api.FailureThreshold)
	assert.Equal(t, 60*time.Second, api.RecoveryTimeout)

	scraped := cfg.CircuitBreakerFor(true)
	assert.Equal(t, 3, scraped.FailureThreshold)
	assert.Equal(t, 120*time.Second, scraped.RecoveryTimeout)
}

func TestRetryConfig_ForConnector(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	api := cfg.ForConnector(false)
	assert.Equal(t, 3, api.MaxRetries)
	assert.Equal(t, time.Second, api.BaseDelay)

	scraped := cfg.ForConnector(true)
	assert.Equal(t, 5, scraped.MaxRetries)
	assert.Equal(t, 2*time.Second, scraped.BaseDelay)
}
