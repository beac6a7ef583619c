// Package aggregator collects per-task WorkerResults as they complete
// and, once every task type enabled for a provider has reported in,
// fuses them into a ValidationReport and folds the outcome into the
// job's progress counters. Grounded on
// original_source/backend/services/validator.py's store_worker_result
// plus get_validation_report's _aggregate_worker_results call into the
// fusion step, adapted from Redis-resident result lists accumulated
// across independent Celery workers onto the same Redis-backed
// accumulation pattern used for idempotency records.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/fusion"
	"github.com/fairyhunter13/provider-validator/internal/observability"
)

const keyPrefix = "results"

// JobStore is the durable job ledger the collector advances progress on.
type JobStore interface {
	UpdateProgress(ctx domain.Context, id string, completedDelta, failedDelta int, status domain.JobStatus) error
	Get(ctx domain.Context, id string) (domain.Job, error)
}

// ReportStore persists a provider's fused report once complete.
type ReportStore interface {
	Upsert(ctx domain.Context, report domain.ValidationReport) error
}

// IdempotencyManager transitions a submission's idempotency record to
// completed once its job finishes, per §4.7's cached-replay contract.
type IdempotencyManager interface {
	MarkCompleted(ctx context.Context, key string, response []byte) error
}

// Collector accumulates WorkerResults per (job, provider) in Redis and
// triggers fusion once a provider's full task set has landed.
type Collector struct {
	rdb         *redis.Client
	Jobs        JobStore
	Reports     ReportStore
	Idempotency IdempotencyManager
	ttl         time.Duration
}

// New builds a Collector. A nil rdb is rejected by Record at call time
// since partial-result accumulation has no meaningful in-memory
// fallback across independent worker processes. A nil idem disables the
// completed-record transition; resubmits still coalesce via the
// processing branch.
func New(rdb *redis.Client, jobs JobStore, reports ReportStore, idem IdempotencyManager, ttl time.Duration) *Collector {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Collector{rdb: rdb, Jobs: jobs, Reports: reports, Idempotency: idem, ttl: ttl}
}

// Record folds one task's WorkerResult into its job's progress counters
// and, once every task type task.Options.Enabled(task.Provider) names
// has reported a result for this provider, fuses the accumulated
// results into a ValidationReport and upserts it.
func (c *Collector) Record(ctx context.Context, task domain.WorkerTask, result domain.WorkerResult) error {
	if c.rdb == nil {
		return fmt.Errorf("aggregator: no redis client configured")
	}

	job, err := c.Jobs.Get(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("aggregator: load job: %w", err)
	}
	if job.Cancelled {
		observability.TasksCompletedTotal.WithLabelValues(string(task.TaskType), "discarded").Inc()
		return nil
	}

	completedDelta, failedDelta := 0, 0
	outcome := "failure"
	if result.Success {
		completedDelta = 1
		outcome = "success"
	} else {
		failedDelta = 1
	}
	observability.TasksCompletedTotal.WithLabelValues(string(task.TaskType), outcome).Inc()
	if err := c.Jobs.UpdateProgress(ctx, task.JobID, completedDelta, failedDelta, domain.JobRunning); err != nil {
		return fmt.Errorf("aggregator: update progress: %w", err)
	}

	key := resultKey(task.JobID, task.ProviderID)
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("aggregator: marshal result: %w", err)
	}
	if err := c.rdb.RPush(ctx, key, body).Err(); err != nil {
		return fmt.Errorf("aggregator: push result: %w", err)
	}
	c.rdb.Expire(ctx, key, c.ttl)

	expected := len(task.Options.Enabled(task.Provider))
	count, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("aggregator: count results: %w", err)
	}
	if int(count) < expected {
		return c.advanceJobIfComplete(ctx, task.JobID, job)
	}

	// Re-check cancellation right before fusion: the job may have been
	// cancelled after this task's result was pushed above but before the
	// provider's last-expected result landed.
	reloaded, err := c.Jobs.Get(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("aggregator: reload job before fusion: %w", err)
	}
	if reloaded.Cancelled {
		c.rdb.Del(ctx, key)
		return nil
	}

	if err := c.fuseAndPersist(ctx, task.JobID, task.ProviderID, key); err != nil {
		return err
	}
	return c.advanceJobIfComplete(ctx, task.JobID, job)
}

// IsCancelled reports whether jobID has been cancelled, letting callers
// skip running an adapter entirely for a job that no longer wants
// results. A lookup failure is treated as not-cancelled so transient
// store errors don't block legitimate work.
func (c *Collector) IsCancelled(ctx context.Context, jobID string) bool {
	job, err := c.Jobs.Get(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Cancelled
}

func (c *Collector) fuseAndPersist(ctx context.Context, jobID, providerID, key string) error {
	raw, err := c.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("aggregator: load results: %w", err)
	}
	results := make([]domain.WorkerResult, 0, len(raw))
	for _, item := range raw {
		var result domain.WorkerResult
		if err := json.Unmarshal([]byte(item), &result); err != nil {
			return fmt.Errorf("aggregator: unmarshal result: %w", err)
		}
		results = append(results, result)
	}

	report := fusion.Fuse(jobID, providerID, results)
	if err := c.Reports.Upsert(ctx, report); err != nil {
		return fmt.Errorf("aggregator: upsert report: %w", err)
	}
	observability.FusionReportsTotal.WithLabelValues(string(report.Status)).Inc()
	c.rdb.Del(ctx, key)
	return nil
}

// advanceJobIfComplete marks a job completed once every task it fanned
// out to has reported either success or failure.
func (c *Collector) advanceJobIfComplete(ctx context.Context, jobID string, previous domain.Job) error {
	job, err := c.Jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("aggregator: reload job: %w", err)
	}
	if job.Cancelled || job.Status == domain.JobCompleted || job.Status == domain.JobFailed {
		return nil
	}
	if job.CompletedTasks+job.FailedTasks < job.TotalTasks {
		return nil
	}
	finalStatus := domain.JobCompleted
	if job.FailedTasks > 0 && job.CompletedTasks == 0 {
		finalStatus = domain.JobFailed
	}
	if err := c.Jobs.UpdateProgress(ctx, jobID, 0, 0, finalStatus); err != nil {
		return err
	}
	observability.JobsTotal.WithLabelValues(string(finalStatus)).Inc()

	if c.Idempotency != nil && job.IdempotencyKey != "" {
		job.Status = finalStatus
		if response, err := json.Marshal(job); err == nil {
			if err := c.Idempotency.MarkCompleted(ctx, job.IdempotencyKey, response); err != nil {
				return fmt.Errorf("aggregator: mark idempotency record completed: %w", err)
			}
		}
	}
	return nil
}

func resultKey(jobID, providerID string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, jobID, providerID)
}
