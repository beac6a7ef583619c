// Package resilience provides the retry-with-backoff and circuit-breaker
// policy layer that every external-source adapter runs calls through,
// per §4.5. It generalizes the teacher's per-job RetryInfo bookkeeping
// into a reusable per-call policy driven by internal/config.
package resilience

import (
	"context"
	"errors"

	"github.com/fairyhunter13/provider-validator/internal/domain"
)

// ErrorCategory classifies an error for retry/circuit-breaker purposes.
type ErrorCategory int

const (
	// CategoryPermanent errors should never be retried (bad input, 404s,
	// schema mismatches): retrying cannot change the outcome.
	CategoryPermanent ErrorCategory = iota
	// CategoryTransient errors are worth retrying (timeouts, rate limits,
	// connection resets): the same call may succeed on a later attempt.
	CategoryTransient
)

// Classify maps a domain/connector error to a retry category. Unlike the
// original substring-matching approach, this uses errors.Is against the
// shared sentinel set so adapters returning wrapped errors still
// classify correctly.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryPermanent
	}
	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}
	switch {
	case errors.Is(err, domain.ErrUpstreamTimeout),
		errors.Is(err, domain.ErrUpstreamRateLimit),
		errors.Is(err, domain.ErrRateLimited),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrQueueBackpressure):
		return CategoryTransient
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrSchemaInvalid),
		errors.Is(err, domain.ErrRobotsBlocked),
		errors.Is(err, domain.ErrCancelled):
		return CategoryPermanent
	default:
		return CategoryTransient
	}
}

// IsRetryable reports whether err warrants another attempt.
func IsRetryable(err error) bool {
	return Classify(err) == CategoryTransient
}
