package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/finsight/analysis-engine/internal/domain"
	"github.com/finsight/analysis-engine/internal/events"
	"github.com/finsight/analysis-engine/internal/store"
)

// Config holds the engine tunables.
type Config struct {
	// MaxConcurrentJobs bounds how many jobs may be in the running state
	// at once.
	MaxConcurrentJobs int

	// PoolQueueSize is the worker pool's pending-task buffer.
	PoolQueueSize int

	// WatchdogTimeout force-fails a running job that has produced no
	// completion signal for this long, through the system-error path.
	// Zero disables the watchdog.
	WatchdogTimeout time.Duration

	// CancelGracePeriod bounds how long a cancelled or overdue running
	// job may take to acknowledge termination before it is force-marked
	// failed.
	CancelGracePeriod time.Duration

	// CompletedRetention is how long terminal jobs are kept before the
	// janitor removes them. Zero disables retention cleanup.
	CompletedRetention time.Duration

	// RetentionCheckInterval is how often the janitor runs.
	RetentionCheckInterval time.Duration
}

// DefaultConfig returns the reference engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentJobs:      5,
		PoolQueueSize:          256,
		WatchdogTimeout:        5 * time.Minute,
		CancelGracePeriod:      10 * time.Second,
		CompletedRetention:     7 * 24 * time.Hour,
		RetentionCheckInterval: time.Hour,
	}
}

// activeJob tracks one running dispatch.
type activeJob struct {
	job             *domain.AnalysisJob
	cancel          context.CancelFunc
	cancelCh        chan struct{}
	cancelRequested bool
}

// Engine is the job queue manager: it owns admission control, the
// priority queue, the concurrency gate, and the orchestration of
// dispatch, completion, retry, and cancellation. All queue-state
// mutation happens under a single mutex; workers communicate with the
// engine only through task handles.
type Engine struct {
	cfg      Config
	store    store.JobStore
	bus      events.EventBus
	executor Executor
	policy   RetryPolicy
	pool     *WorkerPool
	retries  *RetryScheduler
	logger   *slog.Logger

	// sem is the concurrency gate: one permit per running job, acquired
	// before dispatch and released exactly once per dispatch outcome.
	sem *semaphore.Weighted

	mu         sync.Mutex
	queue      *jobQueue
	active     map[uuid.UUID]*activeJob
	activeKeys map[string]uuid.UUID
	paused     bool
	started    bool
	stopped    bool

	wake   chan struct{}
	runCtx context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine constructs an engine. The store, bus, and executor are
// injected; the worker pool and retry scheduler are owned by the engine.
func NewEngine(
	jobStore store.JobStore,
	bus events.EventBus,
	executor Executor,
	cfg Config,
	policy RetryPolicy,
	logger *slog.Logger,
) *Engine {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultConfig().MaxConcurrentJobs
	}

	runCtx, stop := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		store:      jobStore,
		bus:        bus,
		executor:   executor,
		policy:     policy,
		pool:       NewWorkerPool(cfg.MaxConcurrentJobs, cfg.PoolQueueSize, logger),
		logger:     logger.With("component", "engine"),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		queue:      newJobQueue(),
		active:     make(map[uuid.UUID]*activeJob),
		activeKeys: make(map[string]uuid.UUID),
		wake:       make(chan struct{}, 1),
		runCtx:     runCtx,
		stop:       stop,
	}
	e.retries = NewRetryScheduler(jobStore, bus, e.requeueForRetry, logger)
	return e
}

// Start recovers persisted work, launches the worker pool, and begins
// dispatching. It must be called exactly once.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.recoverJobs(ctx); err != nil {
		return fmt.Errorf("failed to recover persisted jobs: %w", err)
	}

	e.pool.Start()

	e.wg.Add(1)
	go e.dispatchLoop()

	if e.cfg.CompletedRetention > 0 && e.cfg.RetentionCheckInterval > 0 {
		e.wg.Add(1)
		go e.janitorLoop()
	}

	e.signal()
	e.logger.Info("engine started",
		"max_concurrent_jobs", e.cfg.MaxConcurrentJobs,
		"watchdog_timeout", e.cfg.WatchdogTimeout)
	return nil
}

// Stop shuts the engine down: submissions are rejected, dispatch halts,
// retry timers are cancelled (their jobs stay queued in the store for
// the next start), and in-flight jobs receive cooperative cancellation.
// Stop waits for in-flight dispatches to settle, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	// Cancel before stopping the scheduler: an in-flight job failing on
	// shutdown cancellation still gets persisted as queued for the next
	// start instead of being marked failed.
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("engine shutdown incomplete: %w", ctx.Err())
	}

	e.retries.Stop()
	e.pool.Dispose()
	e.logger.Info("engine stopped")
	return err
}

// Submit validates and admits a new analysis job. The job is persisted
// as pending, transitioned to queued, and becomes eligible for dispatch;
// the returned snapshot reflects the queued state. Safe for concurrent
// callers.
//
// Returns a *DuplicateJobError if an active job already exists for the
// same normalized key pair.
func (e *Engine) Submit(
	ctx context.Context,
	subjectKey, parameterKey string,
	priority domain.JobPriority,
) (*domain.AnalysisJob, error) {
	job, err := domain.NewAnalysisJob(subjectKey, parameterKey, priority)
	if err != nil {
		return nil, err
	}

	// Reserve the key pair atomically with the duplicate check so two
	// concurrent equivalent submissions cannot both pass.
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil, ErrEngineNotStarted
	}
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	if existingID, ok := e.activeKeys[job.Key()]; ok {
		e.mu.Unlock()
		return nil, &DuplicateJobError{
			SubjectKey:   job.SubjectKey,
			ParameterKey: job.ParameterKey,
			ExistingID:   existingID,
		}
	}
	e.activeKeys[job.Key()] = job.ID
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.activeKeys, job.Key())
		e.mu.Unlock()
	}

	// The initial save and the queued transition land as one atomic write
	// when the store supports transactions.
	persist := func(s store.JobStore) error {
		if err := s.Save(ctx, job); err != nil {
			return fmt.Errorf("failed to persist job: %w", err)
		}
		if err := job.MarkQueued(); err != nil {
			return err
		}
		if err := s.Update(ctx, job); err != nil {
			return fmt.Errorf("failed to persist queued transition: %w", err)
		}
		return nil
	}
	var persistErr error
	if txr, ok := e.store.(store.TxRunner); ok {
		persistErr = txr.RunInTx(ctx, persist)
	} else {
		persistErr = persist(e.store)
	}
	if persistErr != nil {
		release()
		return nil, persistErr
	}

	// Publish before the job becomes dispatchable so subscribers always
	// observe the queued event ahead of any started event.
	e.bus.Publish(events.NewJobEvent(events.JobQueued, job))

	e.mu.Lock()
	e.queue.Push(job)
	e.mu.Unlock()
	e.signal()

	e.logger.Info("job submitted",
		"job_id", job.ID,
		"subject_key", job.SubjectKey,
		"parameter_key", job.ParameterKey,
		"priority", job.Priority.String())

	return job.Clone(), nil
}

// Cancel requests cancellation of a job. Pending and queued jobs are
// cancelled synchronously; running jobs receive a cooperative signal and
// settle asynchronously; jobs awaiting retry have their timer cancelled.
// Returns true if a cancellation was performed or requested, false if
// the job is already terminal or unknown. Never returns an error for
// repeated cancellation.
func (e *Engine) Cancel(ctx context.Context, jobID uuid.UUID) bool {
	now := time.Now().UTC()

	e.mu.Lock()
	if job := e.queue.Remove(jobID); job != nil {
		delete(e.activeKeys, job.Key())
		e.mu.Unlock()

		if err := job.MarkCancelled("cancelled before dispatch", now); err != nil {
			e.logger.Error("failed to cancel queued job", "job_id", jobID, "error", err)
			return false
		}
		e.persistAndPublish(ctx, job, events.JobCancelled)
		e.logger.Info("queued job cancelled", "job_id", jobID)
		return true
	}

	if aj, ok := e.active[jobID]; ok {
		if !aj.cancelRequested {
			aj.cancelRequested = true
			close(aj.cancelCh)
		}
		cancel := aj.cancel
		e.mu.Unlock()

		cancel()
		e.logger.Info("cancellation requested for running job", "job_id", jobID)
		return true
	}
	e.mu.Unlock()

	if job, ok := e.retries.CancelRetry(jobID); ok {
		e.mu.Lock()
		delete(e.activeKeys, job.Key())
		e.mu.Unlock()

		if err := job.MarkCancelled("cancelled while awaiting retry", now); err != nil {
			e.logger.Error("failed to cancel retrying job", "job_id", jobID, "error", err)
			return false
		}
		e.persistAndPublish(ctx, job, events.JobCancelled)
		e.logger.Info("retrying job cancelled", "job_id", jobID)
		return true
	}

	return false
}

// Pause withholds new dispatches without dropping queued jobs. Running
// jobs are unaffected. Used to honor an external foreground/background
// lifecycle signal.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.logger.Info("dispatch paused")
}

// Resume re-enables dispatching after a Pause.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.signal()
	e.logger.Info("dispatch resumed")
}

// Paused reports whether dispatching is currently withheld.
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// EngineStats is a snapshot of engine state for observability.
type EngineStats struct {
	StatusCounts  map[domain.JobStatus]int `json:"status_counts"`
	QueueDepth    int                      `json:"queue_depth"`
	AwaitingRetry int                      `json:"awaiting_retry"`
	Paused        bool                     `json:"paused"`
	Pool          PoolStats                `json:"pool"`
}

// Stats returns current engine statistics, combining persisted status
// counts with in-memory queue and pool state.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return EngineStats{}, fmt.Errorf("failed to count jobs by status: %w", err)
	}

	e.mu.Lock()
	depth := e.queue.Len()
	paused := e.paused
	e.mu.Unlock()

	return EngineStats{
		StatusCounts:  counts,
		QueueDepth:    depth,
		AwaitingRetry: e.retries.PendingCount(),
		Paused:        paused,
		Pool:          e.pool.Stats(),
	}, nil
}

// signal wakes the dispatch loop; coalesces repeated signals.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop is the single coordinator goroutine: it reacts to wake
// signals and dispatches as many queued jobs as free concurrency permits
// allow.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-e.wake:
			e.dispatchReady()
		}
	}
}

// dispatchReady dequeues and starts jobs until the queue is empty, the
// engine is paused, or no concurrency permit is free. Permit releases
// re-signal the loop, so returning early never strands queued work.
func (e *Engine) dispatchReady() {
	for {
		if e.runCtx.Err() != nil {
			return
		}

		if !e.sem.TryAcquire(1) {
			return
		}

		e.mu.Lock()
		if e.paused || e.queue.Len() == 0 {
			e.mu.Unlock()
			e.sem.Release(1)
			return
		}
		job := e.queue.Pop()
		taskCtx, cancel := context.WithCancel(e.runCtx)
		aj := &activeJob{
			job:      job,
			cancel:   cancel,
			cancelCh: make(chan struct{}),
		}
		e.active[job.ID] = aj
		e.mu.Unlock()

		e.startJob(taskCtx, aj)
	}
}

// startJob marks the job running, persists and publishes the transition,
// and hands the work to the pool. Every path out of this function leads
// to exactly one settle call, which releases the concurrency permit.
func (e *Engine) startJob(taskCtx context.Context, aj *activeJob) {
	job := aj.job
	now := time.Now().UTC()

	if err := job.MarkRunning(now); err != nil {
		e.settle(aj, TaskResult{Err: NewSystemError(err)}, dispNormal)
		return
	}
	if err := e.store.Update(context.Background(), job); err != nil {
		e.settle(aj, TaskResult{Err: NewSystemError(
			fmt.Errorf("failed to persist running transition: %w", err))}, dispNormal)
		return
	}

	e.bus.Publish(events.NewJobEvent(events.JobStarted, job))
	e.logger.Info("job dispatched",
		"job_id", job.ID,
		"subject_key", job.SubjectKey,
		"retry_count", job.RetryCount)

	subjectKey, parameterKey := job.SubjectKey, job.ParameterKey
	handle, err := e.pool.Execute(taskCtx, func(ctx context.Context) (string, error) {
		return e.executor.Execute(ctx, subjectKey, parameterKey)
	})
	if err != nil {
		e.settle(aj, TaskResult{Err: NewSystemError(err)}, dispNormal)
		return
	}

	e.wg.Add(1)
	go e.awaitResult(aj, handle)
}

// disposition records which path delivered a dispatch outcome.
type disposition int

const (
	dispNormal disposition = iota
	dispCancel
	dispWatchdog
)

// awaitResult observes one dispatch: the worker's result, a cancellation
// request, or the watchdog deadline, whichever comes first.
func (e *Engine) awaitResult(aj *activeJob, handle *TaskHandle) {
	defer e.wg.Done()

	var watchdogC <-chan time.Time
	if e.cfg.WatchdogTimeout > 0 {
		timer := time.NewTimer(e.cfg.WatchdogTimeout)
		defer timer.Stop()
		watchdogC = timer.C
	}

	select {
	case res := <-handle.Done():
		e.settle(aj, res, dispNormal)

	case <-aj.cancelCh:
		// Cooperative cancellation was requested; wait a bounded grace
		// period for the worker to acknowledge.
		select {
		case res := <-handle.Done():
			e.settle(aj, res, dispCancel)
		case <-time.After(e.cfg.CancelGracePeriod):
			// The worker is stuck; detach the task so a replacement
			// worker frees the slot before the permit is released.
			e.pool.Detach(handle)
			e.settle(aj, TaskResult{Err: errCancellationTimeout}, dispCancel)
		}

	case <-watchdogC:
		// Overdue with no completion signal: request termination, then
		// force the system-error path if the worker stays silent.
		aj.cancel()
		select {
		case res := <-handle.Done():
			e.settle(aj, res, dispWatchdog)
		case <-time.After(e.cfg.CancelGracePeriod):
			e.pool.Detach(handle)
			e.settle(aj, TaskResult{Err: NewSystemError(fmt.Errorf(
				"watchdog timeout: no completion signal within %s", e.cfg.WatchdogTimeout))},
				dispWatchdog)
		}
	}
}

// settle records the terminal outcome of one dispatch (or hands the job
// to the retry scheduler) and releases the concurrency permit exactly
// once.
func (e *Engine) settle(aj *activeJob, res TaskResult, disp disposition) {
	job := aj.job
	now := time.Now().UTC()
	ctx := context.Background()

	e.mu.Lock()
	delete(e.active, job.ID)
	e.mu.Unlock()

	defer func() {
		e.sem.Release(1)
		e.signal()
	}()

	log := e.logger.With(
		"job_id", job.ID,
		"subject_key", job.SubjectKey,
		"parameter_key", job.ParameterKey,
	)

	// A success that raced a cancellation request or the watchdog still
	// counts: the work is done and the result exists.
	if res.Err == nil {
		if err := job.MarkCompleted(res.ResultRef, now); err != nil {
			log.Error("failed to mark job completed", "error", err)
			return
		}
		e.persistAndPublish(ctx, job, events.JobCompleted)
		e.clearKey(job)
		log.Info("job completed",
			"result_ref", res.ResultRef,
			"retry_count", job.RetryCount)
		return
	}

	if disp == dispCancel {
		if errors.Is(res.Err, errCancellationTimeout) {
			if err := job.MarkFailed("cancellation timeout: worker did not acknowledge termination", now); err != nil {
				log.Error("failed to mark job failed", "error", err)
				return
			}
			e.persistAndPublish(ctx, job, events.JobFailed)
			log.Warn("job force-failed after cancellation timeout")
		} else {
			if err := job.MarkCancelled("cancelled while running", now); err != nil {
				log.Error("failed to mark job cancelled", "error", err)
				return
			}
			e.persistAndPublish(ctx, job, events.JobCancelled)
			log.Info("running job cancelled")
		}
		e.clearKey(job)
		return
	}

	if disp == dispWatchdog {
		// Whatever the worker eventually reported, the dispatch is
		// overdue; route it through the system-error path.
		res.Err = NewSystemError(fmt.Errorf(
			"watchdog timeout: no completion signal within %s", e.cfg.WatchdogTimeout))
	}

	e.handleFailure(ctx, job, res.Err, now, log)
}

// handleFailure applies the retry policy to a failed dispatch.
func (e *Engine) handleFailure(
	ctx context.Context,
	job *domain.AnalysisJob,
	execErr error,
	now time.Time,
	log *slog.Logger,
) {
	class := Classify(execErr)
	if class == FailureSystem {
		// System failures are retried like transient ones but escalated
		// as a health signal for operators.
		log.Error("system error during job execution",
			"error", execErr,
			"retry_count", job.RetryCount)
	}

	if retry, delay := e.policy.Decide(job.RetryCount, job.MaxRetries, class); retry {
		if err := e.retries.ScheduleRetry(ctx, job, delay); err != nil {
			log.Error("failed to schedule retry, failing job", "error", err)
		} else {
			log.Info("job scheduled for retry",
				"retry_count", job.RetryCount,
				"delay", delay,
				"failure_class", class)
			return
		}
	}

	if err := job.MarkFailed(execErr.Error(), now); err != nil {
		log.Error("failed to mark job failed", "error", err)
		return
	}
	e.persistAndPublish(ctx, job, events.JobFailed)
	e.clearKey(job)
	log.Warn("job failed",
		"error", execErr,
		"retry_count", job.RetryCount,
		"failure_class", class)
}

// requeueForRetry is the retry scheduler's callback: a due retry
// re-enters the dispatch queue directly, bypassing submit and its
// duplicate validation.
func (e *Engine) requeueForRetry(job *domain.AnalysisJob) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.queue.Push(job)
	e.mu.Unlock()
	e.signal()
}

// persistAndPublish writes the transition to the store and, only if the
// write succeeded, publishes the corresponding event. Observers reading
// the store after an event therefore never see stale state.
func (e *Engine) persistAndPublish(
	ctx context.Context,
	job *domain.AnalysisJob,
	eventType events.EventType,
) {
	if err := e.store.Update(ctx, job); err != nil {
		e.logger.Error("failed to persist job transition",
			"job_id", job.ID,
			"status", job.Status,
			"error", err)
		return
	}
	e.bus.Publish(events.NewJobEvent(eventType, job))
}

// clearKey releases the duplicate-detection reservation once a job is
// terminal.
func (e *Engine) clearKey(job *domain.AnalysisJob) {
	e.mu.Lock()
	delete(e.activeKeys, job.Key())
	e.mu.Unlock()
}

// recoverJobs reloads active jobs from the store at startup. Pending and
// queued jobs re-enter the queue; a running job with no live worker is
// treated as one failed, retriable attempt rather than silently dropped.
func (e *Engine) recoverJobs(ctx context.Context) error {
	jobs, err := e.store.GetActiveJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	e.logger.Info("recovering persisted jobs", "count", len(jobs))

	now := time.Now().UTC()
	for _, job := range jobs {
		e.mu.Lock()
		e.activeKeys[job.Key()] = job.ID
		e.mu.Unlock()

		switch job.Status {
		case domain.JobStatusPending:
			if err := job.MarkQueued(); err != nil {
				e.logger.Error("failed to requeue pending job", "job_id", job.ID, "error", err)
				continue
			}
			if err := e.store.Update(ctx, job); err != nil {
				e.logger.Error("failed to persist recovered job", "job_id", job.ID, "error", err)
				continue
			}
			e.bus.Publish(events.NewJobEvent(events.JobQueued, job))
			e.mu.Lock()
			e.queue.Push(job)
			e.mu.Unlock()

		case domain.JobStatusQueued:
			e.mu.Lock()
			e.queue.Push(job)
			e.mu.Unlock()

		case domain.JobStatusRunning:
			// The process that was executing this job is gone.
			if e.policy.ShouldRetry(job.RetryCount, job.MaxRetries, FailureSystem) {
				if err := e.retries.ScheduleRetry(ctx, job, 0); err != nil {
					e.logger.Error("failed to schedule recovery retry",
						"job_id", job.ID, "error", err)
				} else {
					e.logger.Warn("recovered interrupted job for retry",
						"job_id", job.ID,
						"retry_count", job.RetryCount)
				}
				continue
			}
			if err := job.MarkFailed("interrupted by restart with no retries left", now); err != nil {
				e.logger.Error("failed to fail interrupted job", "job_id", job.ID, "error", err)
				continue
			}
			e.persistAndPublish(ctx, job, events.JobFailed)
			e.clearKey(job)
			e.logger.Warn("interrupted job failed permanently", "job_id", job.ID)
		}
	}

	return nil
}

// janitorLoop periodically removes terminal jobs older than the
// configured retention window.
func (e *Engine) janitorLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RetentionCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.runCtx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-e.cfg.CompletedRetention)
			removed, err := e.store.DeleteCompletedBefore(context.Background(), cutoff)
			if err != nil {
				e.logger.Error("retention cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				e.logger.Info("retention cleanup removed jobs", "count", removed)
			}
		}
	}
}
