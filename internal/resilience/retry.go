package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/provider-validator/internal/config"
)

// Retryer runs an operation with exponential backoff, classifying errors
// via Classify so permanent failures fail fast instead of burning the
// retry budget.
type Retryer struct {
	params config.RetryParams
}

// NewRetryer builds a Retryer from the given policy parameters.
func NewRetryer(params config.RetryParams) *Retryer {
	return &Retryer{params: params}
}

// Do runs op, retrying transient failures up to params.MaxRetries times.
// The delay starts at params.BaseDelay and is capped at params.MaxDelay;
// it doubles per attempt when params.Exponential is set and otherwise
// stays at BaseDelay (it does not grow linearly). backoff/v4's default
// randomization applies in both modes. It
// returns the last error if every attempt is exhausted, or immediately
// on the first permanent error.
func (r *Retryer) Do(ctx context.Context, connector string, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.params.BaseDelay
	bo.MaxInterval = r.params.MaxDelay
	bo.Multiplier = 2.0
	if !r.params.Exponential {
		bo.Multiplier = 1.0
	}
	bo.MaxElapsedTime = 0 // bounded by MaxRetries below, not wall-clock

	var attempt int
	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if Classify(err) == CategoryPermanent {
			return backoff.Permanent(err)
		}
		if attempt > r.params.MaxRetries {
			return backoff.Permanent(err)
		}
		slog.Warn("retrying transient failure",
			slog.String("connector", connector),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		return err
	}

	bctx := backoff.WithContext(bo, ctx)
	err := backoff.Retry(wrapped, bctx)
	if err == nil {
		return nil
	}
	if perm, ok := err.(*backoff.PermanentError); ok {
		return perm.Unwrap()
	}
	return err
}

// Sleep is exposed for callers (e.g. worker adapters probing a circuit's
// half-open recovery window) that need the same backoff curve without
// running a full retry loop.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
