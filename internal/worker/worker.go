// Package worker defines the uniform contract every task-type adapter
// implements, plus the shared Guard that wraps an adapter call with the
// rate-limit, circuit-breaker/retry, and politeness layers every
// connector goes through before it touches an external source.
package worker

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/provider-validator/internal/config"
	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/politeness"
	"github.com/fairyhunter13/provider-validator/internal/ratelimit"
	"github.com/fairyhunter13/provider-validator/internal/resilience"
)

// Adapter executes one WorkerTask against its external source and
// returns a uniform WorkerResult. Implementations never panic on
// upstream failure; they encode it in WorkerResult.Success/ErrorCode.
type Adapter interface {
	TaskType() domain.TaskType
	Execute(ctx domain.Context, task domain.WorkerTask) domain.WorkerResult
}

// Guard bundles the resilience stack every connector runs its outbound
// call through: rate limiting, then circuit-breaker-wrapped retry, with
// an optional politeness check for scraped sources.
type Guard struct {
	Connector string
	Limiter   *ratelimit.Limiter
	Spec      ratelimit.Spec
	Breaker   *resilience.CircuitBreaker
	Retryer   *resilience.Retryer
	Politeness *politeness.Manager
	Scraped   bool
}

// Run executes op under the guard's rate limit, circuit breaker, and
// retry policy, in that order — matching the connector policy layer's
// documented call order (rate limit gates admission, the breaker gates
// the attempt, retry governs transient failures within the attempt).
func (g *Guard) Run(ctx domain.Context, op func(domain.Context) error) error {
	if g.Limiter != nil {
		if err := g.Limiter.Wait(ctx, g.Connector, g.Spec, 0); err != nil {
			return fmt.Errorf("%s: %w", g.Connector, err)
		}
	}
	call := op
	if g.Retryer != nil {
		inner := call
		call = func(ctx domain.Context) error { return g.Retryer.Do(ctx, g.Connector, inner) }
	}
	if g.Breaker != nil {
		inner := call
		call = func(ctx domain.Context) error { return g.Breaker.Execute(ctx, inner) }
	}
	return call(ctx)
}

// CheckRobots returns domain.ErrRobotsBlocked if targetURL is disallowed
// for scraped connectors; it is a no-op (always permits) when the guard
// has no Politeness manager configured.
func (g *Guard) CheckRobots(ctx domain.Context, targetURL string) error {
	if g.Politeness == nil {
		return nil
	}
	decision := g.Politeness.Check(ctx, targetURL)
	if !decision.Permitted {
		return fmt.Errorf("%s: %w", g.Connector, domain.ErrRobotsBlocked)
	}
	return nil
}

// NewGuard assembles a connector's Guard from the shared rate limiter
// and circuit breaker manager plus the connector's own config-derived
// rate-limit/retry policy, matching the per-connector wiring every
// worker process performs at startup. scraped selects the slower
// circuit-breaker/retry defaults and enables a politeness check.
func NewGuard(connector string, scraped bool, limiter *ratelimit.Limiter, breakers *resilience.CircuitBreakerManager, politenessMgr *politeness.Manager, cfg config.Config) *Guard {
	guard := &Guard{
		Connector: connector,
		Limiter:   limiter,
		Spec:      ratelimit.FromConfig(cfg.RateLimitFor(connector)),
		Retryer:   resilience.NewRetryer(cfg.ForConnector(scraped)),
		Scraped:   scraped,
	}
	if breakers != nil {
		guard.Breaker = breakers.Get(connector)
	}
	if scraped {
		guard.Politeness = politenessMgr
	}
	return guard
}

// NewResult builds the common envelope fields of a WorkerResult, leaving
// the caller to fill NormalizedFields/FieldConfidence/Success/Error.
func NewResult(taskType domain.TaskType, task domain.WorkerTask, started time.Time) domain.WorkerResult {
	return domain.WorkerResult{
		TaskType:           taskType,
		JobID:              task.JobID,
		ProviderID:         task.ProviderID,
		NormalizedFields:   map[string]domain.FieldValue{},
		FieldConfidence:    map[string]float64{},
		ProcessingDuration: time.Since(started),
		Timestamp:          time.Now(),
		AttemptCount:       task.AttemptCount,
	}
}

// Fail finalizes a failure result from err, classifying its error code
// from the resilience taxonomy so the fusion engine's FAILED_<SOURCE>
// flag derivation has a stable code to key off.
func Fail(result domain.WorkerResult, err error) domain.WorkerResult {
	result.Success = false
	result.ErrorMessage = err.Error()
	result.ErrorCode = errorCode(err)
	return result
}

func errorCode(err error) string {
	switch resilience.Classify(err) {
	case resilience.CategoryPermanent:
		return "permanent"
	default:
		return "transient"
	}
}
