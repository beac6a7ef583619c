package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/provider-validator/internal/domain"
)

// JobRepo persists and loads validation jobs from PostgreSQL using a
// minimal pgx pool.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

// Create inserts a new job and returns its id.
func (r *JobRepo) Create(ctx domain.Context, j domain.Job) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO jobs (id, status, error, provider_count, total_tasks, completed_tasks, failed_tasks, cancelled, idempotency_key, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	now := time.Now().UTC()
	_, err := r.Pool.Exec(ctx, q, id, j.Status, j.Error, j.ProviderCount, j.TotalTasks, j.CompletedTasks, j.FailedTasks, j.Cancelled, j.IdempotencyKey, now, now)
	if err != nil {
		return "", fmt.Errorf("op=job.create: %w", err)
	}
	return id, nil
}

// UpdateProgress atomically advances a job's completed/failed task
// counters and sets its status to the given value, matching the orchestrator's
// at-least-once worker-result accounting.
func (r *JobRepo) UpdateProgress(ctx domain.Context, id string, completedDelta, failedDelta int, status domain.JobStatus) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "jobs"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("op=job.update_progress.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	q := `UPDATE jobs SET completed_tasks = completed_tasks + $2, failed_tasks = failed_tasks + $3, status = $4, updated_at = $5 WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, completedDelta, failedDelta, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.update_progress.exec: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=job.update_progress.commit: %w", err)
	}
	committed = true
	return nil
}

// MarkCancelled flags a job cancelled so in-flight task completions stop
// contributing further progress.
func (r *JobRepo) MarkCancelled(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	q := `UPDATE jobs SET cancelled = true, status = $2, updated_at = $3 WHERE id = $1`
	_, err := r.Pool.Exec(ctx, q, id, domain.JobCancelled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.mark_cancelled: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "jobs"),
	)
	q := `SELECT id, status, COALESCE(error,''), provider_count, total_tasks, completed_tasks, failed_tasks, cancelled, COALESCE(idempotency_key,''), created_at, updated_at FROM jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var j domain.Job
	if err := row.Scan(&j.ID, &j.Status, &j.Error, &j.ProviderCount, &j.TotalTasks, &j.CompletedTasks, &j.FailedTasks, &j.Cancelled, &j.IdempotencyKey, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// CountByStatus returns the number of jobs currently in status.
func (r *JobRepo) CountByStatus(ctx domain.Context, status domain.JobStatus) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	q := `SELECT COUNT(*) FROM jobs WHERE status = $1`
	row := r.Pool.QueryRow(ctx, q, status)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	return count, nil
}

// GetAverageProcessingTime returns the average wall-clock duration of
// completed jobs, in seconds.
func (r *JobRepo) GetAverageProcessingTime(ctx domain.Context) (float64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.GetAverageProcessingTime")
	defer span.End()
	q := `SELECT AVG(EXTRACT(EPOCH FROM (updated_at - created_at))) FROM jobs WHERE status = $1`
	row := r.Pool.QueryRow(ctx, q, domain.JobCompleted)
	var avgTime *float64
	if err := row.Scan(&avgTime); err != nil {
		return 0, fmt.Errorf("op=job.avg_processing_time: %w", err)
	}
	if avgTime == nil {
		return 0, nil
	}
	return *avgTime, nil
}
