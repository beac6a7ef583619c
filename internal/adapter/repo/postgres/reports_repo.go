package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/provider-validator/internal/domain"
)

// ReportRepo persists and loads fused ValidationReports, keyed by
// (job_id, provider_id); adapted from the teacher's results repo, which
// upserted one row of scalar columns per job. A ValidationReport carries
// nested field summaries and worker results, so the row body is the
// report's canonical JSON rather than a flat column set.
type ReportRepo struct{ Pool PgxPool }

// NewReportRepo constructs a ReportRepo with the given pool.
func NewReportRepo(p PgxPool) *ReportRepo { return &ReportRepo{Pool: p} }

// Upsert inserts or replaces the report for (job_id, provider_id).
func (r *ReportRepo) Upsert(ctx domain.Context, report domain.ValidationReport) error {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "validation_reports"),
	)

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("op=report.upsert.marshal: %w", err)
	}

	q := `INSERT INTO validation_reports (job_id, provider_id, status, overall_confidence, report, created_at)
	VALUES ($1,$2,$3,$4,$5,$6)
	ON CONFLICT (job_id, provider_id)
	DO UPDATE SET status=EXCLUDED.status, overall_confidence=EXCLUDED.overall_confidence, report=EXCLUDED.report`
	_, err = r.Pool.Exec(ctx, q, report.JobID, report.ProviderID, report.Status, report.OverallConfidence, body, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=report.upsert: %w", err)
	}
	return nil
}

// GetByJobAndProvider loads one provider's fused report for a job.
func (r *ReportRepo) GetByJobAndProvider(ctx domain.Context, jobID, providerID string) (domain.ValidationReport, error) {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.GetByJobAndProvider")
	defer span.End()

	q := `SELECT report FROM validation_reports WHERE job_id=$1 AND provider_id=$2`
	row := r.Pool.QueryRow(ctx, q, jobID, providerID)
	var body []byte
	if err := row.Scan(&body); err != nil {
		return domain.ValidationReport{}, fmt.Errorf("op=report.get: %w", domain.ErrNotFound)
	}
	var report domain.ValidationReport
	if err := json.Unmarshal(body, &report); err != nil {
		return domain.ValidationReport{}, fmt.Errorf("op=report.get.unmarshal: %w", err)
	}
	return report, nil
}

// ListByJob loads every provider's fused report for a job, ordered by
// provider id for deterministic pagination.
func (r *ReportRepo) ListByJob(ctx domain.Context, jobID string) ([]domain.ValidationReport, error) {
	tracer := otel.Tracer("repo.reports")
	ctx, span := tracer.Start(ctx, "reports.ListByJob")
	defer span.End()

	q := `SELECT report FROM validation_reports WHERE job_id=$1 ORDER BY provider_id ASC`
	rows, err := r.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=report.list_by_job: %w", err)
	}
	defer rows.Close()

	var reports []domain.ValidationReport
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("op=report.list_by_job.scan: %w", err)
		}
		var report domain.ValidationReport
		if err := json.Unmarshal(body, &report); err != nil {
			return nil, fmt.Errorf("op=report.list_by_job.unmarshal: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=report.list_by_job.rows: %w", err)
	}
	return reports, nil
}
