package resilience

import (
	"context"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/fairyhunter13/provider-validator/internal/config"
	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/observability"
)

// CircuitBreaker wraps a gobreaker.CircuitBreaker with the naming and
// stats surface of the teacher's hand-rolled breaker, extended with a
// bounded half-open probe budget and an immediate ErrCircuitOpen failure
// instead of a silent reject, per §4.5/I7.
type CircuitBreaker struct {
	connector string
	cb        *gobreaker.CircuitBreaker
	mu        sync.RWMutex
	trips     int
}

// NewCircuitBreaker builds a breaker for connector using spec's
// thresholds. ReadyToTrip opens the circuit after spec.FailureThreshold
// consecutive failures; the open state holds for spec.RecoveryTimeout
// before allowing spec.HalfOpenMaxCalls probe requests through.
func NewCircuitBreaker(connector string, spec config.CircuitBreakerSpec) *CircuitBreaker {
	cb := &CircuitBreaker{connector: connector}
	settings := gobreaker.Settings{
		Name:        connector,
		MaxRequests: uint32(spec.HalfOpenMaxCalls),
		Interval:    0,
		Timeout:     spec.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(spec.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.mu.Lock()
			if to == gobreaker.StateOpen {
				cb.trips++
			}
			cb.mu.Unlock()
			observability.CircuitBreakerState.WithLabelValues(name).Set(stateGauge(to))
		},
	}
	cb.cb = gobreaker.NewCircuitBreaker(settings)
	observability.CircuitBreakerState.WithLabelValues(connector).Set(stateGauge(gobreaker.StateClosed))
	return cb
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Execute runs op only if the breaker is closed or probing half-open,
// returning domain.ErrCircuitOpen immediately otherwise.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, op(ctx)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%s: %w", cb.connector, domain.ErrCircuitOpen)
	}
	return err
}

// State returns the current breaker state as a string ("closed",
// "half-open", "open"), matching the teacher's CircuitState.String().
func (cb *CircuitBreaker) State() string {
	switch cb.cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Stats returns a snapshot of breaker counters, mirroring the teacher's
// CircuitBreaker.GetStats() shape.
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mu.RLock()
	trips := cb.trips
	cb.mu.RUnlock()
	counts := cb.cb.Counts()
	return map[string]interface{}{
		"connector":             cb.connector,
		"state":                 cb.State(),
		"requests":              counts.Requests,
		"total_successes":       counts.TotalSuccesses,
		"total_failures":        counts.TotalFailures,
		"consecutive_failures":  counts.ConsecutiveFailures,
		"consecutive_successes": counts.ConsecutiveSuccesses,
		"trips":                 trips,
	}
}

// CircuitBreakerManager lazily creates and caches one CircuitBreaker per
// connector, mirroring the teacher's CircuitBreakerManager.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      config.ConnectorConfig
	scraped  map[string]bool
}

// NewCircuitBreakerManager builds a manager using cfg's breaker defaults.
// scraped names the connectors that should use the scraped-site
// thresholds (slower recovery, lower failure tolerance).
func NewCircuitBreakerManager(cfg config.ConnectorConfig, scraped map[string]bool) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		scraped:  scraped,
	}
}

// Get returns the breaker for connector, creating it on first use.
func (m *CircuitBreakerManager) Get(connector string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[connector]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[connector]; ok {
		return cb
	}
	spec := m.cfg.CircuitBreakerFor(m.scraped[connector])
	cb = NewCircuitBreaker(connector, spec)
	m.breakers[connector] = cb
	return cb
}

// AllStats returns a stats snapshot for every breaker created so far,
// keyed by connector name.
func (m *CircuitBreakerManager) AllStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.Stats()
	}
	return out
}

// HealthyConnectors returns the names of breakers not currently open.
func (m *CircuitBreakerManager) HealthyConnectors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, cb := range m.breakers {
		if cb.State() != "open" {
			out = append(out, name)
		}
	}
	return out
}
