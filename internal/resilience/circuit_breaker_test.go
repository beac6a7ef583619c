package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/provider-validator/internal/config"
	"github.com/fairyhunter13/provider-validator/internal/domain"
)

func testSpec() config.CircuitBreakerSpec {
	return config.CircuitBreakerSpec{FailureThreshold: 3, RecoveryTimeout: 30 * time.Millisecond, HalfOpenMaxCalls: 1}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("identifier_check", testSpec())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", cb.State())

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestCircuitBreaker_RecoversAfterTimeout(t *testing.T) {
	spec := testSpec()
	cb := NewCircuitBreaker("geocode", spec)
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	}
	require.Equal(t, "open", cb.State())

	time.Sleep(spec.RecoveryTimeout + 10*time.Millisecond)

	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker("enrichment", testSpec())
	for i := 0; i < 10; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreakerManager_GetIsStableAndIsolated(t *testing.T) {
	cfg := config.ConnectorConfig{
		CBFailureThreshold: 3, CBRecoveryTimeout: 30 * time.Millisecond, CBHalfOpenMaxCalls: 1,
		CBScrapedFailureThreshold: 2, CBScrapedRecoveryTimeout: 60 * time.Millisecond, CBScrapedHalfOpenMaxCalls: 1,
	}
	mgr := NewCircuitBreakerManager(cfg, map[string]bool{"license_check": true})

	a := mgr.Get("identifier_check")
	b := mgr.Get("identifier_check")
	assert.Same(t, a, b, "repeated Get for same connector must return the same breaker")

	boom := errors.New("boom")
	lic := mgr.Get("license_check")
	for i := 0; i < 2; i++ {
		_ = lic.Execute(context.Background(), func(ctx context.Context) error { return boom })
	}
	assert.Equal(t, "open", lic.State())
	assert.Equal(t, "closed", mgr.Get("geocode").State())

	stats := mgr.AllStats()
	assert.Contains(t, stats, "license_check")
	assert.Contains(t, stats, "identifier_check")

	healthy := mgr.HealthyConnectors()
	assert.NotContains(t, healthy, "license_check")
	assert.Contains(t, healthy, "identifier_check")
}
