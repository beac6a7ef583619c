package orchestrator_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/provider-validator/internal/domain"
	"github.com/fairyhunter13/provider-validator/internal/idempotency"
	"github.com/fairyhunter13/provider-validator/internal/orchestrator"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newFakeJobStore() *fakeJobStore { return &fakeJobStore{jobs: map[string]domain.Job{}} }

func (f *fakeJobStore) Create(_ domain.Context, j domain.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
	return j.ID, nil
}

func (f *fakeJobStore) UpdateProgress(_ domain.Context, id string, completedDelta, failedDelta int, status domain.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.CompletedTasks += completedDelta
	j.FailedTasks += failedDelta
	j.Status = status
	f.jobs[id] = j
	return nil
}

func (f *fakeJobStore) MarkCancelled(_ domain.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.Cancelled = true
	j.Status = domain.JobCancelled
	f.jobs[id] = j
	return nil
}

func (f *fakeJobStore) Get(_ domain.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

type fakeReportStore struct{}

func (fakeReportStore) GetByJobAndProvider(_ domain.Context, jobID, providerID string) (domain.ValidationReport, error) {
	return domain.ValidationReport{JobID: jobID, ProviderID: providerID}, nil
}
func (fakeReportStore) ListByJob(_ domain.Context, jobID string) ([]domain.ValidationReport, error) {
	return []domain.ValidationReport{{JobID: jobID}}, nil
}

type fakeProducer struct {
	mu    sync.Mutex
	tasks []domain.WorkerTask
}

func (p *fakeProducer) Enqueue(_ context.Context, task domain.WorkerTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = append(p.tasks, task)
	return nil
}

type fakeDepth struct{ depth int64 }

func (f fakeDepth) Depth(context.Context) (int64, error) { return f.depth, nil }

type fakeIdempotency struct {
	mu      sync.Mutex
	records map[string]idempotency.Outcome
}

func newFakeIdempotency() *fakeIdempotency {
	return &fakeIdempotency{records: map[string]idempotency.Outcome{}}
}

func (f *fakeIdempotency) Submit(_ context.Context, key, newJobID string) (idempotency.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[key]; ok {
		return idempotency.Outcome{Key: key, JobID: rec.JobID, Status: rec.Status}, nil
	}
	f.records[key] = idempotency.Outcome{Key: key, JobID: newJobID, Status: domain.IdemPending, New: true}
	return idempotency.Outcome{Key: key, JobID: newJobID, Status: domain.IdemPending, New: true}, nil
}

func (f *fakeIdempotency) MarkProcessing(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[key]
	rec.Status = domain.IdemProcessing
	f.records[key] = rec
	return nil
}

func (f *fakeIdempotency) MarkFailed(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[key]
	rec.Status = domain.IdemFailed
	f.records[key] = rec
	return nil
}

func newOrchestrator() (*orchestrator.Orchestrator, *fakeJobStore, map[domain.TaskType]*fakeProducer) {
	jobs := newFakeJobStore()
	producers := map[domain.TaskType]*fakeProducer{
		domain.TaskIdentifierCheck: {},
		domain.TaskGeocode:         {},
		domain.TaskOCR:             {},
		domain.TaskLicenseCheck:    {},
		domain.TaskEnrichment:      {},
	}
	producerIface := map[domain.TaskType]orchestrator.TaskProducer{}
	for t, p := range producers {
		producerIface[t] = p
	}
	o := orchestrator.New(jobs, fakeReportStore{}, newFakeIdempotency(), producerIface, nil, 0)
	return o, jobs, producers
}

func TestSubmitBatch_RejectsEmptyProviders(t *testing.T) {
	o, _, _ := newOrchestrator()
	_, err := o.SubmitBatch(context.Background(), domain.JobRequest{})
	assert.Error(t, err)
}

func TestSubmitBatch_FansOutEnabledTasksPerProvider(t *testing.T) {
	o, jobs, producers := newOrchestrator()
	req := domain.JobRequest{
		Providers: []domain.ProviderInput{
			{GivenName: "A", FamilyName: "B", Identifier: "1234567893"},
		},
		Options: domain.DefaultValidationOptions(),
	}
	job, err := o.SubmitBatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, job.Status)
	// OCR is excluded: no DocumentRef supplied.
	assert.Equal(t, 4, job.TotalTasks)
	assert.Len(t, producers[domain.TaskIdentifierCheck].tasks, 1)
	assert.Len(t, producers[domain.TaskOCR].tasks, 0)

	stored, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, stored.Status)
}

func TestSubmitBatch_CoalescesOnRepeatFingerprint(t *testing.T) {
	o, _, producers := newOrchestrator()
	req := domain.JobRequest{
		Fingerprint: "fixed-fingerprint",
		Providers:   []domain.ProviderInput{{GivenName: "A", FamilyName: "B"}},
		Options:     domain.DefaultValidationOptions(),
	}
	first, err := o.SubmitBatch(context.Background(), req)
	require.NoError(t, err)

	second, err := o.SubmitBatch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	// Second submission must not have re-enqueued tasks.
	assert.Len(t, producers[domain.TaskIdentifierCheck].tasks, 1)
}

func TestSubmitBatch_RefusesWhenQueueAtHighWaterMark(t *testing.T) {
	jobs := newFakeJobStore()
	producerIface := map[domain.TaskType]orchestrator.TaskProducer{domain.TaskIdentifierCheck: &fakeProducer{}}
	depths := map[domain.TaskType]orchestrator.DepthChecker{domain.TaskIdentifierCheck: fakeDepth{depth: 100}}
	o := orchestrator.New(jobs, fakeReportStore{}, newFakeIdempotency(), producerIface, depths, 100)

	req := domain.JobRequest{
		Providers: []domain.ProviderInput{{GivenName: "A", FamilyName: "B"}},
		Options:   domain.ValidationOptions{IdentifierCheck: true},
	}
	_, err := o.SubmitBatch(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrQueueBackpressure)
}

func TestGetJobStatus_ReturnsNotFoundForUnknownJob(t *testing.T) {
	o, _, _ := newOrchestrator()
	_, err := o.GetJobStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelJob_MarksJobCancelled(t *testing.T) {
	o, jobs, _ := newOrchestrator()
	req := domain.JobRequest{
		Providers: []domain.ProviderInput{{GivenName: "A", FamilyName: "B"}},
		Options:   domain.ValidationOptions{IdentifierCheck: true},
	}
	job, err := o.SubmitBatch(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, o.CancelJob(context.Background(), job.ID))
	stored, err := jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.True(t, stored.Cancelled)
	assert.Equal(t, domain.JobCancelled, stored.Status)
}

func TestReadiness_ReportsEachDependency(t *testing.T) {
	o, _, _ := newOrchestrator()
	checks := o.Readiness(context.Background())
	names := map[string]bool{}
	for _, c := range checks {
		names[c.Name] = c.OK
	}
	assert.True(t, names["job_store"])
	assert.True(t, names["report_store"])
	assert.True(t, names["queues"])
}

func TestGetValidationReport_DelegatesToReportStore(t *testing.T) {
	o, _, _ := newOrchestrator()
	report, err := o.GetValidationReport(context.Background(), "job-1", "provider-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", report.JobID)
	assert.Equal(t, "provider-1", report.ProviderID)
}
