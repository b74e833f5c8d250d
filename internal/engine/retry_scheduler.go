package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/analysis-engine/internal/domain"
	"github.com/finsight/analysis-engine/internal/events"
	"github.com/finsight/analysis-engine/internal/store"
)

// RetryScheduler owns one timer per job awaiting retry. It is the sole
// writer of the running -> queued retry transition and the only
// component that increments a job's retry count. When a timer fires the
// job is handed back to the engine's internal queue, bypassing submit
// and its duplicate validation.
type RetryScheduler struct {
	store   store.JobStore
	bus     events.EventBus
	requeue func(job *domain.AnalysisJob)
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[uuid.UUID]*scheduledRetry
	stopped bool
}

type scheduledRetry struct {
	job   *domain.AnalysisJob
	timer *time.Timer
}

// NewRetryScheduler creates a scheduler. requeue is called from the
// timer goroutine when a retry comes due; the engine supplies a callback
// that re-inserts the job into its dispatch queue.
func NewRetryScheduler(
	jobStore store.JobStore,
	bus events.EventBus,
	requeue func(job *domain.AnalysisJob),
	logger *slog.Logger,
) *RetryScheduler {
	return &RetryScheduler{
		store:   jobStore,
		bus:     bus,
		requeue: requeue,
		logger:  logger.With("component", "retry_scheduler"),
		pending: make(map[uuid.UUID]*scheduledRetry),
	}
}

// ScheduleRetry increments the job's retry count, persists it as queued,
// publishes JobRequeuedForRetry, and arms a timer that re-submits the
// job to the engine's queue after the delay. The persisted write happens
// before both the event and the timer, so a crash between them leaves a
// queued job that startup recovery re-enqueues.
func (s *RetryScheduler) ScheduleRetry(
	ctx context.Context,
	job *domain.AnalysisJob,
	delay time.Duration,
) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("retry scheduler is stopped")
	}
	if _, ok := s.pending[job.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("retry already scheduled for job %s", job.ID)
	}
	s.mu.Unlock()

	job.RetryCount++
	if err := job.MarkQueued(); err != nil {
		job.RetryCount--
		return fmt.Errorf("failed to requeue job for retry: %w", err)
	}
	if err := s.store.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to persist retry transition: %w", err)
	}

	s.bus.Publish(events.NewJobEvent(events.JobRequeuedForRetry, job))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		// Stopped between persist and arm; the job stays queued in the
		// store and recovery picks it up on the next start.
		return nil
	}
	entry := &scheduledRetry{job: job}
	entry.timer = time.AfterFunc(delay, func() {
		s.fire(job.ID)
	})
	s.pending[job.ID] = entry

	s.logger.Debug("retry scheduled",
		"job_id", job.ID,
		"retry_count", job.RetryCount,
		"delay", delay)

	return nil
}

// CancelRetry cancels an outstanding timer for the job, returning the
// scheduled job if one was pending. Cancelling a non-existent or
// already-fired timer is a no-op, not an error.
func (s *RetryScheduler) CancelRetry(jobID uuid.UUID) (*domain.AnalysisJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[jobID]
	if !ok {
		return nil, false
	}
	entry.timer.Stop()
	delete(s.pending, jobID)

	s.logger.Debug("retry cancelled", "job_id", jobID)
	return entry.job, true
}

// PendingCount returns the number of jobs currently awaiting retry.
func (s *RetryScheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels all outstanding timers. Jobs already persisted as queued
// stay in the store for startup recovery. Idempotent.
func (s *RetryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	for id, entry := range s.pending {
		entry.timer.Stop()
		delete(s.pending, id)
	}
	s.logger.Debug("retry scheduler stopped")
}

// fire hands a due job back to the engine. The map entry guards against
// double-fire: a timer that lost the race with CancelRetry or Stop finds
// no entry and does nothing.
func (s *RetryScheduler) fire(jobID uuid.UUID) {
	s.mu.Lock()
	entry, ok := s.pending[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, jobID)
	s.mu.Unlock()

	s.logger.Debug("retry due, requeuing job",
		"job_id", jobID,
		"retry_count", entry.job.RetryCount)
	s.requeue(entry.job)
}
