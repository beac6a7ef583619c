package aggregator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/provider-validator/internal/aggregator"
	"github.com/fairyhunter13/provider-validator/internal/domain"
)

type fakeJobs struct {
	mu  sync.Mutex
	job domain.Job
}

func (f *fakeJobs) UpdateProgress(_ domain.Context, _ string, completedDelta, failedDelta int, status domain.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.CompletedTasks += completedDelta
	f.job.FailedTasks += failedDelta
	f.job.Status = status
	return nil
}

func (f *fakeJobs) Get(_ domain.Context, _ string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job, nil
}

type fakeReports struct {
	mu      sync.Mutex
	reports []domain.ValidationReport
}

func (f *fakeReports) Upsert(_ domain.Context, report domain.ValidationReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

type fakeIdempotency struct {
	mu        sync.Mutex
	completed map[string][]byte
}

func (f *fakeIdempotency) MarkCompleted(_ context.Context, key string, response []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed == nil {
		f.completed = map[string][]byte{}
	}
	f.completed[key] = response
	return nil
}

func newTestCollector(t *testing.T, job domain.Job) (*aggregator.Collector, *fakeJobs, *fakeReports) {
	t.Helper()
	c, jobs, reports, _ := newTestCollectorWithIdempotency(t, job)
	return c, jobs, reports
}

func newTestCollectorWithIdempotency(t *testing.T, job domain.Job) (*aggregator.Collector, *fakeJobs, *fakeReports, *fakeIdempotency) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	jobs := &fakeJobs{job: job}
	reports := &fakeReports{}
	idem := &fakeIdempotency{}
	return aggregator.New(rdb, jobs, reports, idem, time.Hour), jobs, reports, idem
}

func provider() domain.ProviderInput {
	return domain.ProviderInput{ProviderID: "p1", GivenName: "A", FamilyName: "B"}
}

func TestRecord_MarksIdempotencyRecordCompletedOnceJobFinishes(t *testing.T) {
	opts := domain.ValidationOptions{IdentifierCheck: true}
	job := domain.Job{ID: "job1", TotalTasks: 1, IdempotencyKey: "idem_fixed"}
	c, _, _, idem := newTestCollectorWithIdempotency(t, job)

	task := domain.WorkerTask{JobID: "job1", ProviderID: "p1", Provider: provider(), Options: opts, TaskType: domain.TaskIdentifierCheck}
	result := domain.WorkerResult{TaskType: domain.TaskIdentifierCheck, Success: true}
	require.NoError(t, c.Record(context.Background(), task, result))

	idem.mu.Lock()
	defer idem.mu.Unlock()
	assert.Contains(t, idem.completed, "idem_fixed")
}

func TestRecord_FusesOnceAllEnabledTasksLand(t *testing.T) {
	opts := domain.ValidationOptions{IdentifierCheck: true, Geocode: true}
	job := domain.Job{ID: "job1", TotalTasks: 2}
	c, jobs, reports := newTestCollector(t, job)

	task1 := domain.WorkerTask{JobID: "job1", ProviderID: "p1", Provider: provider(), Options: opts, TaskType: domain.TaskIdentifierCheck}
	result1 := domain.WorkerResult{TaskType: domain.TaskIdentifierCheck, Success: true}
	require.NoError(t, c.Record(context.Background(), task1, result1))
	assert.Empty(t, reports.reports, "fusion should not trigger before every enabled task reports")

	task2 := domain.WorkerTask{JobID: "job1", ProviderID: "p1", Provider: provider(), Options: opts, TaskType: domain.TaskGeocode}
	result2 := domain.WorkerResult{TaskType: domain.TaskGeocode, Success: true}
	require.NoError(t, c.Record(context.Background(), task2, result2))

	require.Len(t, reports.reports, 1)
	assert.Equal(t, "job1", reports.reports[0].JobID)
	assert.Equal(t, "p1", reports.reports[0].ProviderID)

	stored, _ := jobs.Get(context.Background(), "job1")
	assert.Equal(t, domain.JobCompleted, stored.Status)
	assert.Equal(t, 2, stored.CompletedTasks)
}

func TestRecord_DoesNotAdvanceCancelledJob(t *testing.T) {
	opts := domain.ValidationOptions{IdentifierCheck: true}
	job := domain.Job{ID: "job1", TotalTasks: 1, Cancelled: true, Status: domain.JobCancelled}
	c, jobs, _ := newTestCollector(t, job)

	task := domain.WorkerTask{JobID: "job1", ProviderID: "p1", Provider: provider(), Options: opts, TaskType: domain.TaskIdentifierCheck}
	result := domain.WorkerResult{TaskType: domain.TaskIdentifierCheck, Success: true}
	require.NoError(t, c.Record(context.Background(), task, result))

	stored, _ := jobs.Get(context.Background(), "job1")
	assert.Equal(t, domain.JobCancelled, stored.Status)
}

func TestRecord_MarksFailedResultIntoFailedCounter(t *testing.T) {
	opts := domain.ValidationOptions{IdentifierCheck: true}
	job := domain.Job{ID: "job1", TotalTasks: 1}
	c, jobs, reports := newTestCollector(t, job)

	task := domain.WorkerTask{JobID: "job1", ProviderID: "p1", Provider: provider(), Options: opts, TaskType: domain.TaskIdentifierCheck}
	result := domain.WorkerResult{TaskType: domain.TaskIdentifierCheck, Success: false, ErrorCode: "permanent"}
	require.NoError(t, c.Record(context.Background(), task, result))

	stored, _ := jobs.Get(context.Background(), "job1")
	assert.Equal(t, 1, stored.FailedTasks)
	assert.Equal(t, domain.JobFailed, stored.Status)
	require.Len(t, reports.reports, 1)
}
