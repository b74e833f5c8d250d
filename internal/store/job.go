package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/analysis-engine/internal/domain"
)

// JobStore defines the interface for analysis job persistence.
// It is the single durable source of truth for job state: every lifecycle
// transition is written here before the corresponding event is published,
// so an observer reading the store after an event never sees stale state.
//
// Implementations must be safe for concurrent callers; the queue manager,
// retry scheduler, and read-only observers may all call simultaneously.
// Version: 1.0
type JobStore interface {
	// Save persists a new job to the store.
	// It validates the job internally and returns validation errors if the
	// data is invalid. Returns ErrJobExists if a job with the same id is
	// already stored.
	Save(ctx context.Context, job *domain.AnalysisJob) error

	// GetByID retrieves a job by its unique id.
	// Returns ErrJobNotFound if the job does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.AnalysisJob, error)

	// GetAll retrieves every stored job, ordered by creation time.
	GetAll(ctx context.Context) ([]*domain.AnalysisJob, error)

	// GetByStatus retrieves all jobs with the given status, ordered by
	// creation time. Returns an empty slice if none match.
	GetByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.AnalysisJob, error)

	// GetActiveJobs retrieves all non-terminal jobs (pending, queued,
	// running), ordered by creation time. Used at startup to recover
	// work that survived a restart.
	GetActiveJobs(ctx context.Context) ([]*domain.AnalysisJob, error)

	// Update saves changes to an existing job.
	// Returns ErrJobNotFound if the job does not exist.
	// Returns validation errors if the job data is invalid.
	Update(ctx context.Context, job *domain.AnalysisJob) error

	// Delete removes a job from the store.
	// Returns ErrJobNotFound if the job does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// CountByStatus returns the number of stored jobs per status.
	// Statuses with no jobs are omitted from the result.
	CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error)

	// DeleteCompletedBefore removes terminal jobs whose completion time is
	// before the cutoff. Returns the number of jobs removed.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// WithTx returns a new JobStore instance that uses the provided
	// transaction. The transaction is created and managed by the caller.
	WithTx(tx *sql.Tx) JobStore
}
