// Package ratelimit implements the per-connector sliding-window admission
// control described in §4.4: a rolling-window request count plus a
// minimum per-second pacing gap, atomically enforced in a shared Redis
// store so no component needs an in-process mutex for this state.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/provider-validator/internal/config"
	"github.com/fairyhunter13/provider-validator/internal/observability"
)

// Spec is the per-connector admission configuration.
type Spec struct {
	PerSecond float64
	PerMinute int
	Window    time.Duration
}

// FromConfig adapts a config.RateLimitSpec into a ratelimit.Spec.
func FromConfig(s config.RateLimitSpec) Spec {
	return Spec{PerSecond: s.PerSecond, PerMinute: s.PerMinute, Window: s.Window}
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Admitted bool
	Wait     time.Duration
}

// Limiter enforces the sliding-window discipline per connector.
type Limiter struct {
	rdb    *redis.Client
	script *redis.Script
}

// New constructs a Limiter backed by the given Redis client. A nil client
// produces a fail-open limiter, matching §4.4's "rate-limit store
// unreachable" behavior.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{rdb: rdb, script: redis.NewScript(slidingWindowScript)}
}

// slidingWindowScript admits a request iff the rolling window count is
// below the per-minute limit AND the gap since the last admitted request
// is at least 1/per-second-rate. It trims the window on every call and
// records the admission atomically, so two concurrent callers can never
// both observe capacity for the same slot.
const slidingWindowScript = `
local key = KEYS[1]
local last_key = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local per_minute = tonumber(ARGV[3])
local min_gap = tonumber(ARGV[4])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

local last = tonumber(redis.call("GET", last_key) or "0")
local gap_ok = (now - last) >= min_gap

local allowed = 0
local wait = 0

if count < per_minute and gap_ok then
  redis.call("ZADD", key, now, tostring(now) .. "-" .. tostring(math.random()))
  redis.call("EXPIRE", key, math.ceil(window) + 1)
  redis.call("SET", last_key, tostring(now), "EX", math.ceil(window) + 1)
  allowed = 1
else
  local gap_wait = min_gap - (now - last)
  if gap_wait < 0 then gap_wait = 0 end

  local window_wait = 0
  if count >= per_minute then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    if oldest[2] ~= nil then
      window_wait = tonumber(oldest[2]) + window - now
      if window_wait < 0 then window_wait = 0 end
    end
  end

  if gap_wait > window_wait then
    wait = gap_wait
  else
    wait = window_wait
  end
end

return { allowed, wait }
`

// Check performs one admission check for connector, per spec's sliding
// window algorithm. It fails open (admits) when Redis is unreachable.
func (l *Limiter) Check(ctx context.Context, connector string, spec Spec) Decision {
	if l == nil || l.rdb == nil {
		return Decision{Admitted: true}
	}
	window := spec.Window
	if window <= 0 {
		window = 60 * time.Second
	}
	minGap := 0.0
	if spec.PerSecond > 0 {
		minGap = 1.0 / spec.PerSecond
	}
	now := float64(time.Now().UnixNano()) / 1e9

	key := "ratelimit:{" + connector + "}:window"
	lastKey := "ratelimit:{" + connector + "}:last"

	res, err := l.script.Run(ctx, l.rdb, []string{key, lastKey}, now, window.Seconds(), spec.PerMinute, minGap).Result()
	if err != nil {
		slog.Error("rate limiter script error; failing open", slog.String("connector", connector), slog.Any("error", err))
		observability.RateLimitDecisionsTotal.WithLabelValues(connector, "fail_open").Inc()
		return Decision{Admitted: true}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{Admitted: true}
	}
	admitted := toInt64(vals[0]) == 1
	waitSec := toFloat64(vals[1])
	d := Decision{Admitted: admitted, Wait: time.Duration(waitSec * float64(time.Second))}
	if admitted {
		observability.RateLimitDecisionsTotal.WithLabelValues(connector, "admit").Inc()
	} else {
		observability.RateLimitDecisionsTotal.WithLabelValues(connector, "deny").Inc()
	}
	return d
}

// Wait blocks, looping Check with sleep, until the connector admits the
// caller or the context is cancelled. The effective per-second pacing is
// the larger of the connector's own rate and any crawl-delay override
// supplied by the caller (politeness layer), per §4.4/§4.6.
func (l *Limiter) Wait(ctx context.Context, connector string, spec Spec, crawlDelay time.Duration) error {
	if crawlDelay > 0 {
		minGapFromSpec := time.Duration(0)
		if spec.PerSecond > 0 {
			minGapFromSpec = time.Duration(float64(time.Second) / spec.PerSecond)
		}
		if crawlDelay > minGapFromSpec {
			spec.PerSecond = 1.0 / crawlDelay.Seconds()
		}
	}
	for {
		d := l.Check(ctx, connector, spec)
		if d.Admitted {
			return nil
		}
		wait := d.Wait
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	default:
		return 0
	}
}
