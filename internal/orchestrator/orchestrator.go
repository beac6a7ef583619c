// Package orchestrator implements the validation control plane: batch
// submission with idempotent dedup, per-task-type fan-out subject to
// queue-depth backpressure, and the read-side job/report accessors.
// Grounded on original_source/backend/services/validator.py's
// ValidationOrchestrator (validate_provider_batch, _enqueue_provider_validation,
// get_job_status, get_validation_report), adapted onto the teacher's
// pgx-backed repo/queue wiring instead of the original's in-process
// active_jobs dict plus Redis/Celery queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/idempotency"
	"github.com/fairyhunter13/provider-validator/internal/observability"
)

// JobStore is the durable job ledger the orchestrator reads and writes.
type JobStore interface {
	Create(ctx domain.Context, j domain.Job) (string, error)
	UpdateProgress(ctx domain.Context, id string, completedDelta, failedDelta int, status domain.JobStatus) error
	MarkCancelled(ctx domain.Context, id string) error
	Get(ctx domain.Context, id string) (domain.Job, error)
}

// ReportStore is the durable fused-report ledger the orchestrator reads.
type ReportStore interface {
	GetByJobAndProvider(ctx domain.Context, jobID, providerID string) (domain.ValidationReport, error)
	ListByJob(ctx domain.Context, jobID string) ([]domain.ValidationReport, error)
}

// TaskProducer publishes a WorkerTask to its task-type queue.
type TaskProducer interface {
	Enqueue(ctx context.Context, task domain.WorkerTask) error
}

// DepthChecker reports a queue's current unread-record depth, used for
// the backpressure check ahead of a batch's fan-out.
type DepthChecker interface {
	Depth(ctx context.Context) (int64, error)
}

// IdempotencyManager deduplicates batch submissions by fingerprint.
type IdempotencyManager interface {
	Submit(ctx context.Context, key, newJobID string) (idempotency.Outcome, error)
	MarkProcessing(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key string) error
}

// Orchestrator wires the submit/status/report/cancel operations against
// the durable job and report ledgers, the per-task-type queues, and the
// idempotency manager.
type Orchestrator struct {
	Jobs        JobStore
	Reports     ReportStore
	Idempotency IdempotencyManager
	Producers   map[domain.TaskType]TaskProducer
	Depths      map[domain.TaskType]DepthChecker
	// HighWaterMark is the per-queue depth above which SubmitBatch refuses
	// new work rather than enqueue into an already-backed-up queue.
	HighWaterMark int64
}

// New builds an Orchestrator from its collaborators.
func New(jobs JobStore, reports ReportStore, idem IdempotencyManager, producers map[domain.TaskType]TaskProducer, depths map[domain.TaskType]DepthChecker, highWaterMark int64) *Orchestrator {
	if highWaterMark <= 0 {
		highWaterMark = 10000
	}
	return &Orchestrator{
		Jobs:          jobs,
		Reports:       reports,
		Idempotency:   idem,
		Producers:     producers,
		Depths:        depths,
		HighWaterMark: highWaterMark,
	}
}

// SubmitBatch creates a job for req and fans its providers' enabled
// tasks out to their queues, or coalesces onto an existing job when req
// carries a fingerprint already seen, per §4.7.
func (o *Orchestrator) SubmitBatch(ctx domain.Context, req domain.JobRequest) (domain.Job, error) {
	tracer := otel.Tracer("orchestrator")
	ctx, span := tracer.Start(ctx, "Orchestrator.SubmitBatch")
	defer span.End()
	lg := observability.LoggerFromContext(ctx)

	if len(req.Providers) == 0 {
		return domain.Job{}, fmt.Errorf("orchestrator: %w: at least one provider is required", domain.ErrInvalidArgument)
	}

	fingerprint := req.Fingerprint
	if fingerprint == "" {
		fingerprint = idempotency.Fingerprint(req)
	}
	newJobID := idempotency.NewJobID()

	outcome, err := o.Idempotency.Submit(ctx, fingerprint, newJobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("orchestrator: submit idempotency record: %w", err)
	}
	if !outcome.New {
		lg.Info("submit_batch idempotent hit", slog.String("job_id", outcome.JobID), slog.String("status", string(outcome.Status)))
		return o.Jobs.Get(ctx, outcome.JobID)
	}

	if err := o.checkBackpressure(ctx, req); err != nil {
		_ = o.Idempotency.MarkFailed(ctx, fingerprint)
		return domain.Job{}, err
	}

	providers := assignProviderIDs(req.Providers)
	totalTasks := 0
	for _, p := range providers {
		totalTasks += len(req.Options.Enabled(p))
	}

	job := domain.Job{
		ID:             outcome.JobID,
		Status:         domain.JobPending,
		Options:        req.Options,
		ProviderCount:  len(providers),
		TotalTasks:     totalTasks,
		IdempotencyKey: fingerprint,
	}
	id, err := o.Jobs.Create(ctx, job)
	if err != nil {
		_ = o.Idempotency.MarkFailed(ctx, fingerprint)
		return domain.Job{}, fmt.Errorf("orchestrator: create job: %w", err)
	}
	job.ID = id

	if err := o.Idempotency.MarkProcessing(ctx, fingerprint); err != nil {
		return domain.Job{}, fmt.Errorf("orchestrator: mark processing: %w", err)
	}

	if err := o.enqueueAll(ctx, job.ID, providers, req.Options); err != nil {
		return domain.Job{}, fmt.Errorf("orchestrator: enqueue batch: %w", err)
	}

	if err := o.Jobs.UpdateProgress(ctx, job.ID, 0, 0, domain.JobRunning); err != nil {
		return domain.Job{}, fmt.Errorf("orchestrator: start job: %w", err)
	}
	job.Status = domain.JobRunning
	lg.Info("submit_batch job started", slog.String("job_id", job.ID), slog.Int("provider_count", job.ProviderCount), slog.Int("total_tasks", job.TotalTasks))
	return job, nil
}

// checkBackpressure refuses a new batch when any task type it would
// enqueue into is already at or above HighWaterMark, per §5's queue
// backpressure policy.
func (o *Orchestrator) checkBackpressure(ctx domain.Context, req domain.JobRequest) error {
	seen := map[domain.TaskType]bool{}
	for _, p := range req.Providers {
		for _, t := range req.Options.Enabled(p) {
			if seen[t] {
				continue
			}
			seen[t] = true
			checker, ok := o.Depths[t]
			if !ok || checker == nil {
				continue
			}
			depth, err := checker.Depth(ctx)
			if err != nil {
				return fmt.Errorf("orchestrator: check queue depth for %s: %w", t, err)
			}
			if depth >= o.HighWaterMark {
				return fmt.Errorf("orchestrator: %w: queue %s at depth %d", domain.ErrQueueBackpressure, t.QueueName(), depth)
			}
		}
	}
	return nil
}

// enqueueAll publishes one WorkerTask per provider per enabled task
// type.
func (o *Orchestrator) enqueueAll(ctx domain.Context, jobID string, providers []domain.ProviderInput, opts domain.ValidationOptions) error {
	now := time.Now().UTC()
	for _, p := range providers {
		for _, t := range opts.Enabled(p) {
			producer, ok := o.Producers[t]
			if !ok || producer == nil {
				return fmt.Errorf("no producer configured for task type %s", t)
			}
			task := domain.WorkerTask{
				TaskType:   t,
				JobID:      jobID,
				ProviderID: p.ProviderID,
				Provider:   p,
				Options:    opts,
				EnqueuedAt: now,
			}
			if err := producer.Enqueue(ctx, task); err != nil {
				return fmt.Errorf("enqueue %s for provider %s: %w", t, p.ProviderID, err)
			}
		}
	}
	return nil
}

// assignProviderIDs mints a stable id for every provider that didn't
// supply one, leaving the original slice untouched.
func assignProviderIDs(providers []domain.ProviderInput) []domain.ProviderInput {
	out := make([]domain.ProviderInput, len(providers))
	copy(out, providers)
	for i := range out {
		if out[i].ProviderID == "" {
			out[i].ProviderID = uuid.NewString()
		}
	}
	return out
}

// GetJobStatus loads a job's current progress.
func (o *Orchestrator) GetJobStatus(ctx domain.Context, jobID string) (domain.Job, error) {
	return o.Jobs.Get(ctx, jobID)
}

// GetValidationReport loads one provider's fused report for a job.
func (o *Orchestrator) GetValidationReport(ctx domain.Context, jobID, providerID string) (domain.ValidationReport, error) {
	return o.Reports.GetByJobAndProvider(ctx, jobID, providerID)
}

// ListValidationReports loads every fused report for a job.
func (o *Orchestrator) ListValidationReports(ctx domain.Context, jobID string) ([]domain.ValidationReport, error) {
	return o.Reports.ListByJob(ctx, jobID)
}

// CancelJob flags a job cancelled so in-flight task completions stop
// contributing further progress and no further tasks are picked up as
// newly eligible.
func (o *Orchestrator) CancelJob(ctx domain.Context, jobID string) error {
	return o.Jobs.MarkCancelled(ctx, jobID)
}

// ReadinessCheck is a single dependency probe result.
type ReadinessCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Details string `json:"details"`
}

// Readiness probes the job ledger and report ledger and reports whether
// any queue producers are configured, for use by cmd/orchestrator's
// health endpoint. The idempotency store is not probed.
func (o *Orchestrator) Readiness(ctx domain.Context) []ReadinessCheck {
	checks := []ReadinessCheck{}

	jobCheck := ReadinessCheck{Name: "job_store", Details: "job ledger connection check"}
	if o.Jobs != nil {
		if _, err := o.Jobs.Get(ctx, "__readiness_probe__"); err != nil && !errors.Is(err, domain.ErrNotFound) {
			jobCheck.Details = fmt.Sprintf("job ledger error: %v", err)
		} else {
			jobCheck.OK = true
			jobCheck.Details = "job ledger reachable"
		}
	} else {
		jobCheck.Details = "job ledger not configured"
	}
	checks = append(checks, jobCheck)

	reportCheck := ReadinessCheck{Name: "report_store", Details: "report ledger connection check"}
	if o.Reports != nil {
		if _, err := o.Reports.ListByJob(ctx, "__readiness_probe__"); err != nil {
			reportCheck.Details = fmt.Sprintf("report ledger error: %v", err)
		} else {
			reportCheck.OK = true
			reportCheck.Details = "report ledger reachable"
		}
	} else {
		reportCheck.Details = "report ledger not configured"
	}
	checks = append(checks, reportCheck)

	queueCheck := ReadinessCheck{Name: "queues", Details: "per-task-type queue producer check"}
	if len(o.Producers) > 0 {
		queueCheck.OK = true
		queueCheck.Details = fmt.Sprintf("%d task-type producers configured", len(o.Producers))
	} else {
		queueCheck.Details = "no queue producers configured"
	}
	checks = append(checks, queueCheck)

	return checks
}
