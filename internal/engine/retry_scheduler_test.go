package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/analysis-engine/internal/domain"
	"github.com/finsight/analysis-engine/internal/events"
	"github.com/finsight/analysis-engine/internal/store"
)

// requeueRecorder collects the jobs a scheduler hands back.
type requeueRecorder struct {
	mu   sync.Mutex
	jobs []*domain.AnalysisJob
	ch   chan *domain.AnalysisJob
}

func newRequeueRecorder() *requeueRecorder {
	return &requeueRecorder{ch: make(chan *domain.AnalysisJob, 16)}
}

func (r *requeueRecorder) requeue(job *domain.AnalysisJob) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	r.ch <- job
}

func (r *requeueRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func runningJob(t *testing.T, jobStore store.JobStore) *domain.AnalysisJob {
	t.Helper()
	job, err := domain.NewAnalysisJob("MSFT", "2024-Q2", domain.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, jobStore.Save(context.Background(), job))
	require.NoError(t, job.MarkQueued())
	require.NoError(t, job.MarkRunning(time.Now().UTC()))
	require.NoError(t, jobStore.Update(context.Background(), job))
	return job
}

func TestRetryScheduler_ScheduleRetryPersistsAndPublishes(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	bus := events.NewInMemoryEventBus(8, poolTestLogger())
	defer bus.Close()
	sub := bus.Subscribe(events.JobRequeuedForRetry)
	defer sub.Close()

	rec := newRequeueRecorder()
	sched := NewRetryScheduler(jobStore, bus, rec.requeue, poolTestLogger())
	defer sched.Stop()

	job := runningJob(t, jobStore)
	require.NoError(t, sched.ScheduleRetry(context.Background(), job, time.Hour))

	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 1, sched.PendingCount())

	persisted, err := jobStore.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, persisted.Status)
	assert.Equal(t, 1, persisted.RetryCount)

	select {
	case evt := <-sub.C:
		assert.Equal(t, events.JobRequeuedForRetry, evt.Type)
		assert.Equal(t, job.ID, evt.JobID)
	case <-time.After(time.Second):
		t.Fatal("expected a requeued-for-retry event")
	}

	// Timer is an hour out; nothing should have fired.
	assert.Equal(t, 0, rec.count())
}

func TestRetryScheduler_FiresOnceAfterDelay(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	bus := events.NewInMemoryEventBus(8, poolTestLogger())
	defer bus.Close()

	rec := newRequeueRecorder()
	sched := NewRetryScheduler(jobStore, bus, rec.requeue, poolTestLogger())
	defer sched.Stop()

	job := runningJob(t, jobStore)
	require.NoError(t, sched.ScheduleRetry(context.Background(), job, 10*time.Millisecond))

	select {
	case fired := <-rec.ch:
		assert.Equal(t, job.ID, fired.ID)
	case <-time.After(time.Second):
		t.Fatal("retry never fired")
	}

	assert.Equal(t, 0, sched.PendingCount())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestRetryScheduler_RejectsDoubleSchedule(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	bus := events.NewInMemoryEventBus(8, poolTestLogger())
	defer bus.Close()

	rec := newRequeueRecorder()
	sched := NewRetryScheduler(jobStore, bus, rec.requeue, poolTestLogger())
	defer sched.Stop()

	job := runningJob(t, jobStore)
	require.NoError(t, sched.ScheduleRetry(context.Background(), job, time.Hour))

	err := sched.ScheduleRetry(context.Background(), job, time.Hour)
	assert.Error(t, err)
	assert.Equal(t, 1, job.RetryCount)
}

func TestRetryScheduler_CancelRetry(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	bus := events.NewInMemoryEventBus(8, poolTestLogger())
	defer bus.Close()

	rec := newRequeueRecorder()
	sched := NewRetryScheduler(jobStore, bus, rec.requeue, poolTestLogger())
	defer sched.Stop()

	job := runningJob(t, jobStore)
	require.NoError(t, sched.ScheduleRetry(context.Background(), job, 20*time.Millisecond))

	cancelled, ok := sched.CancelRetry(job.ID)
	require.True(t, ok)
	assert.Equal(t, job.ID, cancelled.ID)
	assert.Equal(t, 0, sched.PendingCount())

	// Second cancel and cancel of an unknown job are no-ops.
	_, ok = sched.CancelRetry(job.ID)
	assert.False(t, ok)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}

func TestRetryScheduler_StopCancelsAllTimers(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	bus := events.NewInMemoryEventBus(8, poolTestLogger())
	defer bus.Close()

	rec := newRequeueRecorder()
	sched := NewRetryScheduler(jobStore, bus, rec.requeue, poolTestLogger())

	for i := 0; i < 3; i++ {
		job := runningJob(t, jobStore)
		require.NoError(t, sched.ScheduleRetry(context.Background(), job, 20*time.Millisecond))
	}
	require.Equal(t, 3, sched.PendingCount())

	sched.Stop()
	sched.Stop()
	assert.Equal(t, 0, sched.PendingCount())

	err := sched.ScheduleRetry(context.Background(), runningJob(t, jobStore), time.Hour)
	assert.Error(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, rec.count())
}
