package domain

import "errors"

// Error taxonomy (sentinels). Matches the categories in §7: input errors,
// transient/permanent source errors, policy errors, and infrastructural
// errors. Worker adapters classify caught errors against these via
// errors.Is rather than the substring matching the Python original used.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")

	// ErrCircuitOpen is returned immediately by a resilience-wrapped call
	// when the connector's breaker is open; it does not consume a retry
	// attempt and is never recorded as a new breaker failure.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRobotsBlocked is returned by a scraping worker when the
	// politeness layer disallows the target path.
	ErrRobotsBlocked = errors.New("robots disallowed")
	// ErrQueueBackpressure is returned by submit_batch when a target
	// queue's depth exceeds its configured high-water mark.
	ErrQueueBackpressure = errors.New("queue backpressure")
	// ErrTimeout marks a task that exceeded its per-task-type deadline.
	ErrTimeout = errors.New("timeout")
	// ErrCancelled marks a task abandoned because its job was cancelled.
	ErrCancelled = errors.New("cancelled")
)
