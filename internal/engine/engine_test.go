package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/analysis-engine/internal/domain"
	"github.com/finsight/analysis-engine/internal/events"
	"github.com/finsight/analysis-engine/internal/store"
)

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:    time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
}

func testEngineConfig() Config {
	return Config{
		MaxConcurrentJobs: 4,
		PoolQueueSize:     32,
		WatchdogTimeout:   0,
		CancelGracePeriod: 200 * time.Millisecond,
	}
}

// engineHarness wires an engine against in-memory collaborators and
// records every event published during the test.
type engineHarness struct {
	engine *Engine
	store  *store.MemoryJobStore
	bus    *events.InMemoryEventBus
	sub    *events.Subscription
}

func newEngineHarness(t *testing.T, executor Executor, cfg Config, policy RetryPolicy) *engineHarness {
	t.Helper()

	jobStore := store.NewMemoryJobStore()
	bus := events.NewInMemoryEventBus(256, poolTestLogger())
	sub := bus.Subscribe(events.AllTypes()...)

	eng := NewEngine(jobStore, bus, executor, cfg, policy, poolTestLogger())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
		sub.Close()
		bus.Close()
	})

	return &engineHarness{engine: eng, store: jobStore, bus: bus, sub: sub}
}

func (h *engineHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
}

// eventsFor reads from the subscription until the given job reaches a
// terminal event type, returning the ordered types seen for that job.
func (h *engineHarness) eventsFor(t *testing.T, jobID uuid.UUID, terminal events.EventType) []events.EventType {
	t.Helper()

	var seen []events.EventType
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-h.sub.C:
			if evt.JobID != jobID {
				continue
			}
			seen = append(seen, evt.Type)
			if evt.Type == terminal {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event, saw %v", terminal, seen)
			return nil
		}
	}
}

func (h *engineHarness) waitForStatus(t *testing.T, jobID uuid.UUID, want domain.JobStatus) *domain.AnalysisJob {
	t.Helper()

	var job *domain.AnalysisJob
	require.Eventually(t, func() bool {
		var err error
		job, err = h.store.GetByID(context.Background(), jobID)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job never reached status %s", want)
	return job
}

func TestEngine_CompletesSubmittedJob(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		return "results/" + subjectKey, nil
	})
	h := newEngineHarness(t, executor, testEngineConfig(), fastRetryPolicy())
	h.start(t)

	job, err := h.engine.Submit(context.Background(), "aapl", "2024-q1", domain.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, "AAPL", job.SubjectKey)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	done := h.waitForStatus(t, job.ID, domain.JobStatusCompleted)
	assert.Equal(t, "results/AAPL", done.ResultRef)
	assert.Equal(t, 0, done.RetryCount)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)
	assert.False(t, done.CompletedAt.Before(*done.StartedAt))

	got := h.eventsFor(t, job.ID, events.JobCompleted)
	assert.Equal(t, []events.EventType{
		events.JobQueued,
		events.JobStarted,
		events.JobCompleted,
	}, got)
}

func TestEngine_NeverExceedsConcurrencyBound(t *testing.T) {
	const bound = 2

	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	release := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		<-release

		mu.Lock()
		running--
		mu.Unlock()
		return "done", nil
	})

	cfg := testEngineConfig()
	cfg.MaxConcurrentJobs = bound
	h := newEngineHarness(t, executor, cfg, fastRetryPolicy())
	h.start(t)

	ids := make([]uuid.UUID, 0, 5)
	for _, subject := range []string{"A", "B", "C", "D", "E"} {
		job, err := h.engine.Submit(context.Background(), subject, "params", domain.PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return running == bound
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	for _, id := range ids {
		h.waitForStatus(t, id, domain.JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, bound, peak)
}

func TestEngine_DispatchesByPriorityThenFIFO(t *testing.T) {
	order := make(chan string, 8)
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		order <- subjectKey
		return "done", nil
	})

	cfg := testEngineConfig()
	cfg.MaxConcurrentJobs = 1
	h := newEngineHarness(t, executor, cfg, fastRetryPolicy())
	h.start(t)

	// Hold dispatch so the queue fills before anything runs.
	h.engine.Pause()

	submit := func(subject string, priority domain.JobPriority) uuid.UUID {
		job, err := h.engine.Submit(context.Background(), subject, "params", priority)
		require.NoError(t, err)
		return job.ID
	}

	submit("LOW", domain.PriorityLow)
	firstNormal := submit("NORM1", domain.PriorityNormal)
	submit("CRIT", domain.PriorityCritical)
	submit("NORM2", domain.PriorityNormal)
	submit("HIGH", domain.PriorityHigh)

	h.engine.Resume()

	var got []string
	for i := 0; i < 5; i++ {
		select {
		case s := <-order:
			got = append(got, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("only observed %v", got)
		}
	}
	assert.Equal(t, []string{"CRIT", "HIGH", "NORM1", "NORM2", "LOW"}, got)
	h.waitForStatus(t, firstNormal, domain.JobStatusCompleted)
}

func TestEngine_RejectsDuplicateActiveSubmission(t *testing.T) {
	release := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		<-release
		return "done", nil
	})
	h := newEngineHarness(t, executor, testEngineConfig(), fastRetryPolicy())
	h.start(t)

	first, err := h.engine.Submit(context.Background(), "TSLA", "2024-FY", domain.PriorityNormal)
	require.NoError(t, err)

	// Equivalent keys after normalization are duplicates.
	_, err = h.engine.Submit(context.Background(), "  tsla ", "2024-fy", domain.PriorityHigh)
	require.Error(t, err)
	require.True(t, IsDuplicateJobError(err))

	var dup *DuplicateJobError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, first.ID, dup.ExistingID)

	// A different parameter set is a distinct job.
	_, err = h.engine.Submit(context.Background(), "TSLA", "2024-Q1", domain.PriorityNormal)
	require.NoError(t, err)

	close(release)
	h.waitForStatus(t, first.ID, domain.JobStatusCompleted)

	// Once the prior job is terminal, the same keys are accepted again.
	resubmitted, err := h.engine.Submit(context.Background(), "TSLA", "2024-FY", domain.PriorityNormal)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, resubmitted.ID)
}

func TestEngine_RetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		if attempts.Add(1) == 1 {
			return "", NewTransientError(errors.New("market data feed timeout"))
		}
		return "results/retry", nil
	})
	h := newEngineHarness(t, executor, testEngineConfig(), fastRetryPolicy())
	h.start(t)

	job, err := h.engine.Submit(context.Background(), "NVDA", "2024-Q3", domain.PriorityNormal)
	require.NoError(t, err)

	done := h.waitForStatus(t, job.ID, domain.JobStatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.Equal(t, "results/retry", done.ResultRef)
	assert.Equal(t, int32(2), attempts.Load())

	got := h.eventsFor(t, job.ID, events.JobCompleted)
	assert.Equal(t, []events.EventType{
		events.JobQueued,
		events.JobStarted,
		events.JobRequeuedForRetry,
		events.JobStarted,
		events.JobCompleted,
	}, got)
}

func TestEngine_FailsAfterRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		attempts.Add(1)
		return "", NewTransientError(errors.New("still unavailable"))
	})
	h := newEngineHarness(t, executor, testEngineConfig(), fastRetryPolicy())
	h.start(t)

	job, err := h.engine.Submit(context.Background(), "AMD", "2024-Q4", domain.PriorityNormal)
	require.NoError(t, err)

	done := h.waitForStatus(t, job.ID, domain.JobStatusFailed)
	assert.Equal(t, domain.DefaultMaxRetries, done.RetryCount)
	assert.Contains(t, done.ErrorMessage, "still unavailable")

	// Initial attempt plus one per retry.
	assert.Equal(t, int32(domain.DefaultMaxRetries+1), attempts.Load())

	got := h.eventsFor(t, job.ID, events.JobFailed)
	want := []events.EventType{events.JobQueued, events.JobStarted}
	for i := 0; i < domain.DefaultMaxRetries; i++ {
		want = append(want, events.JobRequeuedForRetry, events.JobStarted)
	}
	want = append(want, events.JobFailed)
	assert.Equal(t, want, got)
}

func TestEngine_PermanentFailureNeverRetries(t *testing.T) {
	var attempts atomic.Int32
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		attempts.Add(1)
		return "", NewPermanentError(errors.New("unknown subject"))
	})
	h := newEngineHarness(t, executor, testEngineConfig(), fastRetryPolicy())
	h.start(t)

	job, err := h.engine.Submit(context.Background(), "ZZZZ", "2024-Q1", domain.PriorityNormal)
	require.NoError(t, err)

	done := h.waitForStatus(t, job.ID, domain.JobStatusFailed)
	assert.Equal(t, 0, done.RetryCount)
	assert.Equal(t, int32(1), attempts.Load())

	got := h.eventsFor(t, job.ID, events.JobFailed)
	assert.Equal(t, []events.EventType{
		events.JobQueued,
		events.JobStarted,
		events.JobFailed,
	}, got)
}

func TestEngine_CancelsQueuedJob(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		return "done", nil
	})
	h := newEngineHarness(t, executor, testEngineConfig(), fastRetryPolicy())
	h.start(t)
	h.engine.Pause()

	job, err := h.engine.Submit(context.Background(), "META", "2024-Q2", domain.PriorityNormal)
	require.NoError(t, err)

	assert.True(t, h.engine.Cancel(context.Background(), job.ID))
	done := h.waitForStatus(t, job.ID, domain.JobStatusCancelled)
	assert.Contains(t, done.ErrorMessage, "cancelled")

	// Cancelling a terminal job reports false without error.
	assert.False(t, h.engine.Cancel(context.Background(), job.ID))

	got := h.eventsFor(t, job.ID, events.JobCancelled)
	assert.Equal(t, []events.EventType{events.JobQueued, events.JobCancelled}, got)

	// The key is freed immediately.
	h.engine.Resume()
	_, err = h.engine.Submit(context.Background(), "META", "2024-Q2", domain.PriorityNormal)
	require.NoError(t, err)
}

func TestEngine_CancelsRunningJobCooperatively(t *testing.T) {
	started := make(chan struct{}, 1)
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		started <- struct{}{}
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newEngineHarness(t, executor, testEngineConfig(), fastRetryPolicy())
	h.start(t)

	job, err := h.engine.Submit(context.Background(), "GOOG", "2024-Q1", domain.PriorityNormal)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	assert.True(t, h.engine.Cancel(context.Background(), job.ID))
	done := h.waitForStatus(t, job.ID, domain.JobStatusCancelled)
	require.NotNil(t, done.CompletedAt)

	got := h.eventsFor(t, job.ID, events.JobCancelled)
	assert.Equal(t, []events.EventType{
		events.JobQueued,
		events.JobStarted,
		events.JobCancelled,
	}, got)

	assert.False(t, h.engine.Cancel(context.Background(), job.ID))
}

func TestEngine_CancelUnknownJobReturnsFalse(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		return "done", nil
	})
	h := newEngineHarness(t, executor, testEngineConfig(), fastRetryPolicy())
	h.start(t)

	assert.False(t, h.engine.Cancel(context.Background(), uuid.New()))
}

func TestEngine_CancelsJobAwaitingRetry(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		return "", NewTransientError(errors.New("flaky upstream"))
	})
	// Long retry delay keeps the job parked on the scheduler.
	policy := RetryPolicy{
		BaseDelay:    time.Hour,
		MaxDelay:     time.Hour,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
	h := newEngineHarness(t, executor, testEngineConfig(), policy)
	h.start(t)

	job, err := h.engine.Submit(context.Background(), "INTC", "2024-Q1", domain.PriorityNormal)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.engine.retries.PendingCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, h.engine.Cancel(context.Background(), job.ID))
	done := h.waitForStatus(t, job.ID, domain.JobStatusCancelled)
	assert.Equal(t, 1, done.RetryCount)
	assert.Equal(t, 0, h.engine.retries.PendingCount())

	// Key freed: the same analysis can be requested again.
	_, err = h.engine.Submit(context.Background(), "INTC", "2024-Q1", domain.PriorityNormal)
	require.NoError(t, err)
}

func TestEngine_WatchdogRecoversStuckJob(t *testing.T) {
	var attempts atomic.Int32
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		if attempts.Add(1) == 1 {
			// Stuck until the watchdog cancels the attempt.
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "results/after-watchdog", nil
	})

	cfg := testEngineConfig()
	cfg.WatchdogTimeout = 50 * time.Millisecond
	cfg.CancelGracePeriod = 100 * time.Millisecond
	h := newEngineHarness(t, executor, cfg, fastRetryPolicy())
	h.start(t)

	job, err := h.engine.Submit(context.Background(), "ORCL", "2024-Q2", domain.PriorityNormal)
	require.NoError(t, err)

	done := h.waitForStatus(t, job.ID, domain.JobStatusCompleted)
	assert.Equal(t, 1, done.RetryCount)
	assert.Equal(t, "results/after-watchdog", done.ResultRef)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestEngine_CancellationTimeoutForceFails(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		started <- struct{}{}
		// Ignores ctx: simulates a worker that never acknowledges.
		<-release
		return "", errors.New("too late")
	})

	cfg := testEngineConfig()
	cfg.CancelGracePeriod = 30 * time.Millisecond
	h := newEngineHarness(t, executor, cfg, fastRetryPolicy())
	h.start(t)

	job, err := h.engine.Submit(context.Background(), "IBM", "2024-Q1", domain.PriorityNormal)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	assert.True(t, h.engine.Cancel(context.Background(), job.ID))
	done := h.waitForStatus(t, job.ID, domain.JobStatusFailed)
	assert.Contains(t, done.ErrorMessage, "cancellation timeout")

	got := h.eventsFor(t, job.ID, events.JobFailed)
	assert.Equal(t, []events.EventType{
		events.JobQueued,
		events.JobStarted,
		events.JobFailed,
	}, got)

	// Unblock the abandoned goroutine so it exits before the test ends.
	close(release)
}

func TestEngine_RecoversPersistedJobsOnStart(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	now := time.Now().UTC()

	queued, err := domain.NewAnalysisJob("QUEUED", "params", domain.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, jobStore.Save(context.Background(), queued))
	require.NoError(t, queued.MarkQueued())
	require.NoError(t, jobStore.Update(context.Background(), queued))

	pending, err := domain.NewAnalysisJob("PENDING", "params", domain.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, jobStore.Save(context.Background(), pending))

	// Orphaned running job with retries left.
	orphan, err := domain.NewAnalysisJob("ORPHAN", "params", domain.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, jobStore.Save(context.Background(), orphan))
	require.NoError(t, orphan.MarkQueued())
	require.NoError(t, orphan.MarkRunning(now))
	require.NoError(t, jobStore.Update(context.Background(), orphan))

	// Orphaned running job that already used every retry.
	exhausted, err := domain.NewAnalysisJob("EXHAUSTED", "params", domain.PriorityNormal)
	require.NoError(t, err)
	require.NoError(t, jobStore.Save(context.Background(), exhausted))
	require.NoError(t, exhausted.MarkQueued())
	require.NoError(t, exhausted.MarkRunning(now))
	exhausted.RetryCount = exhausted.MaxRetries
	require.NoError(t, jobStore.Update(context.Background(), exhausted))

	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		return "results/" + subjectKey, nil
	})
	bus := events.NewInMemoryEventBus(64, poolTestLogger())
	eng := NewEngine(jobStore, bus, executor, testEngineConfig(), fastRetryPolicy(), poolTestLogger())
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
		bus.Close()
	})

	waitFor := func(id uuid.UUID, want domain.JobStatus) *domain.AnalysisJob {
		var job *domain.AnalysisJob
		require.Eventually(t, func() bool {
			var err error
			job, err = jobStore.GetByID(context.Background(), id)
			return err == nil && job.Status == want
		}, 5*time.Second, 5*time.Millisecond)
		return job
	}

	waitFor(queued.ID, domain.JobStatusCompleted)
	waitFor(pending.ID, domain.JobStatusCompleted)

	recovered := waitFor(orphan.ID, domain.JobStatusCompleted)
	assert.Equal(t, 1, recovered.RetryCount)

	dead := waitFor(exhausted.ID, domain.JobStatusFailed)
	assert.Contains(t, dead.ErrorMessage, "interrupted by restart")
}

func TestEngine_StatsReflectState(t *testing.T) {
	release := make(chan struct{})
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		<-release
		return "done", nil
	})

	cfg := testEngineConfig()
	cfg.MaxConcurrentJobs = 1
	h := newEngineHarness(t, executor, cfg, fastRetryPolicy())
	h.start(t)

	running, err := h.engine.Submit(context.Background(), "RUN", "params", domain.PriorityNormal)
	require.NoError(t, err)
	queued, err := h.engine.Submit(context.Background(), "WAIT", "params", domain.PriorityNormal)
	require.NoError(t, err)

	h.waitForStatus(t, running.ID, domain.JobStatusRunning)

	stats, err := h.engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StatusCounts[domain.JobStatusRunning])
	assert.Equal(t, 1, stats.StatusCounts[domain.JobStatusQueued])
	assert.Equal(t, 1, stats.QueueDepth)
	assert.False(t, stats.Paused)
	assert.Equal(t, 1, stats.Pool.PoolSize)

	close(release)
	h.waitForStatus(t, running.ID, domain.JobStatusCompleted)
	h.waitForStatus(t, queued.ID, domain.JobStatusCompleted)

	stats, err = h.engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.StatusCounts[domain.JobStatusCompleted])
	assert.Equal(t, 0, stats.QueueDepth)
}

func TestEngine_RejectsSubmitAfterStop(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		return "done", nil
	})
	jobStore := store.NewMemoryJobStore()
	bus := events.NewInMemoryEventBus(64, poolTestLogger())
	defer bus.Close()

	eng := NewEngine(jobStore, bus, executor, testEngineConfig(), fastRetryPolicy(), poolTestLogger())
	require.NoError(t, eng.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Stop(ctx))
	require.NoError(t, eng.Stop(ctx))

	_, err := eng.Submit(context.Background(), "LATE", "params", domain.PriorityNormal)
	assert.ErrorIs(t, err, ErrEngineStopped)
}

func TestEngine_FreesSlotAfterCancellationTimeout(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		if subjectKey == "STUCK" {
			started <- struct{}{}
			// Ignores ctx: simulates a worker that never acknowledges.
			<-release
			return "", errors.New("too late")
		}
		return "results/" + subjectKey, nil
	})

	cfg := testEngineConfig()
	cfg.MaxConcurrentJobs = 1
	cfg.CancelGracePeriod = 30 * time.Millisecond
	h := newEngineHarness(t, executor, cfg, fastRetryPolicy())
	h.start(t)

	stuck, err := h.engine.Submit(context.Background(), "STUCK", "2024-Q1", domain.PriorityNormal)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	require.True(t, h.engine.Cancel(context.Background(), stuck.ID))
	failed := h.waitForStatus(t, stuck.ID, domain.JobStatusFailed)
	assert.Contains(t, failed.ErrorMessage, "cancellation timeout")

	// The single slot is usable again: the next job runs to completion
	// instead of sitting behind the abandoned task.
	next, err := h.engine.Submit(context.Background(), "NEXT", "2024-Q1", domain.PriorityNormal)
	require.NoError(t, err)
	done := h.waitForStatus(t, next.ID, domain.JobStatusCompleted)
	assert.Equal(t, "results/NEXT", done.ResultRef)

	close(release)
}

func TestEngine_PublishesQueuedBeforeStartedUnderLoad(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		return "results/" + subjectKey, nil
	})
	h := newEngineHarness(t, executor, testEngineConfig(), fastRetryPolicy())
	h.start(t)

	const jobs = 40
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.Submit(context.Background(),
				fmt.Sprintf("SUBJ%02d", i), "params", domain.PriorityNormal)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := make(map[uuid.UUID][]events.EventType)
	completed := 0
	deadline := time.After(10 * time.Second)
	for completed < jobs {
		select {
		case evt := <-h.sub.C:
			seen[evt.JobID] = append(seen[evt.JobID], evt.Type)
			if evt.Type == events.JobCompleted {
				completed++
			}
		case <-deadline:
			t.Fatalf("timed out waiting for completions, got %d of %d", completed, jobs)
		}
	}

	for id, types := range seen {
		assert.Equal(t, []events.EventType{
			events.JobQueued,
			events.JobStarted,
			events.JobCompleted,
		}, types, "job %s emitted events out of order", id)
	}
}

func TestEngine_RejectsSubmitBeforeStart(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, subjectKey, parameterKey string) (string, error) {
		return "", nil
	})
	bus := events.NewInMemoryEventBus(16, poolTestLogger())
	defer bus.Close()

	eng := NewEngine(store.NewMemoryJobStore(), bus, executor,
		testEngineConfig(), fastRetryPolicy(), poolTestLogger())

	_, err := eng.Submit(context.Background(), "AAPL", "2024-Q1", domain.PriorityNormal)
	assert.ErrorIs(t, err, ErrEngineNotStarted)
}
