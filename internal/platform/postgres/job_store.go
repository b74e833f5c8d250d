package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/analysis-engine/internal/domain"
	"github.com/finsight/analysis-engine/internal/platform/logger"
	"github.com/finsight/analysis-engine/internal/store"
)

// jobColumns is the select list shared by every job query, in scan order.
const jobColumns = `id, subject_key, parameter_key, priority, status,
		created_at, started_at, completed_at, result_ref, error_message,
		retry_count, max_retries`

// PostgresJobStore implements the store.JobStore interface using PostgreSQL.
type PostgresJobStore struct {
	db store.DBTX
}

// NewPostgresJobStore creates a new PostgresJobStore.
func NewPostgresJobStore(db store.DBTX) *PostgresJobStore {
	return &PostgresJobStore{
		db: db,
	}
}

// Verify PostgresJobStore implements store.JobStore and store.TxRunner.
var (
	_ store.JobStore = (*PostgresJobStore)(nil)
	_ store.TxRunner = (*PostgresJobStore)(nil)
)

// WithTx returns a new store instance bound to the given transaction.
// The transaction is created and managed by the caller.
func (s *PostgresJobStore) WithTx(tx *sql.Tx) store.JobStore {
	return &PostgresJobStore{
		db: tx,
	}
}

// RunInTx executes fn against a store bound to a single transaction,
// committing when fn returns nil and rolling back on error. A store
// already bound to a transaction runs fn on itself.
func (s *PostgresJobStore) RunInTx(ctx context.Context, fn func(store.JobStore) error) error {
	db, ok := s.db.(*sql.DB)
	if !ok {
		return fn(s)
	}
	return store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		return fn(s.WithTx(tx))
	})
}

// Save persists a new job. Returns store.ErrJobExists when a job with the
// same id is already stored.
func (s *PostgresJobStore) Save(ctx context.Context, job *domain.AnalysisJob) error {
	log := logger.FromContext(ctx)

	if err := job.Validate(); err != nil {
		log.Warn("job validation failed during save",
			"job_id", job.ID,
			"error", err)
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO analysis_jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.SubjectKey,
		job.ParameterKey,
		int(job.Priority),
		string(job.Status),
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.ResultRef,
		job.ErrorMessage,
		job.RetryCount,
		job.MaxRetries,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			log.Warn("attempted to save job with duplicate id",
				"job_id", job.ID)
			return store.ErrJobExists
		}
		log.Error("failed to save job",
			"job_id", job.ID,
			"error", err)
		return fmt.Errorf("failed to save job: %w", MapError(err))
	}

	return nil
}

// GetByID retrieves a job by id. Returns store.ErrJobNotFound if absent.
func (s *PostgresJobStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.AnalysisJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM analysis_jobs
		WHERE id = $1
	`

	row := s.db.QueryRowContext(ctx, query, id)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", MapError(err))
	}
	return job, nil
}

// GetAll retrieves every stored job, ordered by creation time.
func (s *PostgresJobStore) GetAll(ctx context.Context) ([]*domain.AnalysisJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM analysis_jobs
		ORDER BY created_at, id
	`
	return s.queryJobs(ctx, query)
}

// GetByStatus retrieves all jobs with the given status, ordered by
// creation time.
func (s *PostgresJobStore) GetByStatus(
	ctx context.Context,
	status domain.JobStatus,
) ([]*domain.AnalysisJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM analysis_jobs
		WHERE status = $1
		ORDER BY created_at, id
	`
	return s.queryJobs(ctx, query, string(status))
}

// GetActiveJobs retrieves all non-terminal jobs, ordered by creation
// time. Used at startup to recover work that survived a restart.
func (s *PostgresJobStore) GetActiveJobs(ctx context.Context) ([]*domain.AnalysisJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM analysis_jobs
		WHERE status IN ($1, $2, $3)
		ORDER BY created_at, id
	`
	return s.queryJobs(ctx, query,
		string(domain.JobStatusPending),
		string(domain.JobStatusQueued),
		string(domain.JobStatusRunning),
	)
}

// Update saves changes to an existing job. Returns store.ErrJobNotFound
// if no row matches the job's id.
func (s *PostgresJobStore) Update(ctx context.Context, job *domain.AnalysisJob) error {
	log := logger.FromContext(ctx)

	if err := job.Validate(); err != nil {
		log.Warn("job validation failed during update",
			"job_id", job.ID,
			"error", err)
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		UPDATE analysis_jobs
		SET status = $2,
			started_at = $3,
			completed_at = $4,
			result_ref = $5,
			error_message = $6,
			retry_count = $7
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query,
		job.ID,
		string(job.Status),
		job.StartedAt,
		job.CompletedAt,
		job.ResultRef,
		job.ErrorMessage,
		job.RetryCount,
	)
	if err != nil {
		log.Error("failed to update job",
			"job_id", job.ID,
			"status", job.Status,
			"error", err)
		return fmt.Errorf("failed to update job: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrJobNotFound
	}

	return nil
}

// Delete removes a job. Returns store.ErrJobNotFound if no row matches.
func (s *PostgresJobStore) Delete(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContext(ctx)

	query := `DELETE FROM analysis_jobs WHERE id = $1`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		log.Error("failed to delete job",
			"job_id", id,
			"error", err)
		return fmt.Errorf("failed to delete job: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return store.ErrJobNotFound
	}

	return nil
}

// CountByStatus returns the number of stored jobs per status.
func (s *PostgresJobStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM analysis_jobs
		GROUP BY status
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by status: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[domain.JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}

	return counts, nil
}

// DeleteCompletedBefore removes terminal jobs whose completion time is
// before the cutoff. Returns the number of jobs removed.
func (s *PostgresJobStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	log := logger.FromContext(ctx)

	query := `
		DELETE FROM analysis_jobs
		WHERE status IN ($1, $2, $3)
		  AND completed_at IS NOT NULL
		  AND completed_at < $4
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.JobStatusCompleted),
		string(domain.JobStatusFailed),
		string(domain.JobStatusCancelled),
		cutoff,
	)
	if err != nil {
		log.Error("failed to delete expired jobs",
			"cutoff", cutoff,
			"error", err)
		return 0, fmt.Errorf("failed to delete expired jobs: %w", MapError(err))
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rowsAffected), nil
}

// queryJobs runs a multi-row job query and scans the results.
func (s *PostgresJobStore) queryJobs(
	ctx context.Context,
	query string,
	args ...interface{},
) ([]*domain.AnalysisJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.AnalysisJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanJob.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob maps one row onto a domain job.
func scanJob(row rowScanner) (*domain.AnalysisJob, error) {
	var (
		job      domain.AnalysisJob
		priority int
		status   string
	)

	err := row.Scan(
		&job.ID,
		&job.SubjectKey,
		&job.ParameterKey,
		&priority,
		&status,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ResultRef,
		&job.ErrorMessage,
		&job.RetryCount,
		&job.MaxRetries,
	)
	if err != nil {
		return nil, err
	}

	job.Priority = domain.JobPriority(priority)
	job.Status = domain.JobStatus(status)
	return &job, nil
}
