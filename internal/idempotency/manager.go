// Package idempotency implements the submit-batch deduplication flow
// described in §4.7: a canonical fingerprint of the request body backs
// a Redis-resident record that coalesces concurrent duplicate
// submissions onto a single Job.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/provider-validator/internal/domain"
)

const keyPrefix = "idem"

// Fingerprint produces a stable, key-sorted, whitespace-insensitive hash
// of the submission payload, matching §4.7's "serialize in key-sorted
// canonical form" requirement without depending on map iteration order.
func Fingerprint(payload interface{}) string {
	canon := canonicalize(payload)
	sum := sha256.Sum256([]byte(canon))
	return fmt.Sprintf("%s_%s", keyPrefix, hex.EncodeToString(sum[:16]))
}

// canonicalize renders payload as key-sorted JSON with no insignificant
// whitespace, by round-tripping through a generic map/slice/any tree so
// struct field order never affects the digest.
func canonicalize(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	var buf []byte
	buf = appendCanonical(buf, generic)
	return string(buf)
}

func appendCanonical(buf []byte, v interface{}) []byte {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendCanonical(buf, t[k])
		}
		buf = append(buf, '}')
	case []interface{}:
		buf = append(buf, '[')
		for i, item := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, item)
		}
		buf = append(buf, ']')
	case string:
		b, _ := json.Marshal(strings.TrimSpace(t))
		buf = append(buf, b...)
	default:
		b, _ := json.Marshal(t)
		buf = append(buf, b...)
	}
	return buf
}

// Outcome is the result of a Submit call.
type Outcome struct {
	Key            string
	JobID          string
	Status         domain.IdempotencyStatus
	New            bool
	CachedResponse []byte
}

// Manager implements the idempotency record lifecycle against Redis.
type Manager struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a Manager. A nil client disables deduplication (every
// Submit behaves as "new").
func New(rdb *redis.Client, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{rdb: rdb, ttl: ttl}
}

// Submit implements §4.7's "flow on submit": it atomically creates a
// pending record keyed by fingerprint if absent, or returns the
// existing record's disposition. newJobID is used only when no prior
// record exists or the prior attempt failed.
func (m *Manager) Submit(ctx context.Context, key string, newJobID string) (Outcome, error) {
	if m.rdb == nil {
		return Outcome{Key: key, JobID: newJobID, Status: domain.IdemPending, New: true}, nil
	}

	rec, err := m.get(ctx, key)
	if err != nil && !errors.Is(err, redis.Nil) {
		return Outcome{}, err
	}
	if err == nil {
		if rec.ExpiresAt.Before(time.Now()) {
			rec.Status = domain.IdemExpired
		}
		switch rec.Status {
		case domain.IdemCompleted:
			return Outcome{Key: key, JobID: rec.JobID, Status: domain.IdemCompleted, CachedResponse: rec.CachedResponse}, nil
		case domain.IdemPending, domain.IdemProcessing:
			return Outcome{Key: key, JobID: rec.JobID, Status: rec.Status}, nil
		case domain.IdemFailed, domain.IdemExpired:
			// clear the stale record, then create a fresh one below
			if err := m.rdb.Del(ctx, redisKey(key)).Err(); err != nil {
				return Outcome{}, err
			}
		}
	}

	rec = domain.IdempotencyRecord{
		Key:                key,
		Status:             domain.IdemPending,
		JobID:              newJobID,
		RequestFingerprint: key,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
		ExpiresAt:          time.Now().Add(m.ttl),
	}

	ok, err := m.setNX(ctx, rec)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		// Lost a race with a concurrent submitter; re-read their record.
		existing, err := m.get(ctx, key)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Key: key, JobID: existing.JobID, Status: existing.Status}, nil
	}

	return Outcome{Key: key, JobID: newJobID, Status: domain.IdemPending, New: true}, nil
}

// MarkProcessing transitions a record to processing at first task enqueue.
func (m *Manager) MarkProcessing(ctx context.Context, key string) error {
	return m.update(ctx, key, func(rec *domain.IdempotencyRecord) {
		rec.Status = domain.IdemProcessing
	})
}

// MarkCompleted transitions a record to completed and stores the
// response for cached replay.
func (m *Manager) MarkCompleted(ctx context.Context, key string, response []byte) error {
	return m.update(ctx, key, func(rec *domain.IdempotencyRecord) {
		rec.Status = domain.IdemCompleted
		rec.CachedResponse = response
	})
}

// MarkFailed transitions a record to failed, permitting a future retry
// to bind a fresh job id in its place.
func (m *Manager) MarkFailed(ctx context.Context, key string) error {
	return m.update(ctx, key, func(rec *domain.IdempotencyRecord) {
		rec.Status = domain.IdemFailed
	})
}

func (m *Manager) update(ctx context.Context, key string, mutate func(rec *domain.IdempotencyRecord)) error {
	if m.rdb == nil {
		return nil
	}
	rec, err := m.get(ctx, key)
	if err != nil {
		return err
	}
	mutate(&rec)
	rec.UpdatedAt = time.Now()
	return m.set(ctx, rec)
}

func (m *Manager) get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	raw, err := m.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return rec, nil
}

func (m *Manager) set(ctx context.Context, rec domain.IdempotencyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.rdb.Set(ctx, redisKey(rec.Key), raw, ttl).Err()
}

// setNX atomically creates the record iff absent, via a single Redis
// SET NX that carries the manager's TTL.
func (m *Manager) setNX(ctx context.Context, rec domain.IdempotencyRecord) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ok, err := m.rdb.SetNX(ctx, redisKey(rec.Key), raw, m.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func redisKey(key string) string {
	return "idempotency:" + key
}

// NewJobID generates a fresh job identifier for a new submission.
func NewJobID() string {
	return uuid.NewString()
}
