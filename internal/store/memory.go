package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finsight/analysis-engine/internal/domain"
)

// MemoryJobStore is an embedded, in-process JobStore keyed by job id.
// It is the reference persistence driver for single-process deployments
// and the backing store for engine tests; query methods are full-table
// scans, which is acceptable at the expected scale of hundreds to low
// thousands of jobs.
//
// All operations are safe for concurrent use. Jobs are cloned on the way
// in and out so callers can never mutate stored state through a shared
// pointer.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*domain.AnalysisJob
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[uuid.UUID]*domain.AnalysisJob),
	}
}

// Save persists a new job. Returns ErrJobExists if the id is taken.
func (s *MemoryJobStore) Save(_ context.Context, job *domain.AnalysisJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrJobExists
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetByID retrieves a job by id. Returns ErrJobNotFound if absent.
func (s *MemoryJobStore) GetByID(_ context.Context, id uuid.UUID) (*domain.AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// GetAll returns every stored job ordered by creation time.
func (s *MemoryJobStore) GetAll(_ context.Context) ([]*domain.AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(*domain.AnalysisJob) bool { return true }), nil
}

// GetByStatus returns all jobs with the given status ordered by creation time.
func (s *MemoryJobStore) GetByStatus(
	_ context.Context,
	status domain.JobStatus,
) ([]*domain.AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(j *domain.AnalysisJob) bool { return j.Status == status }), nil
}

// GetActiveJobs returns all non-terminal jobs ordered by creation time.
func (s *MemoryJobStore) GetActiveJobs(_ context.Context) ([]*domain.AnalysisJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(j *domain.AnalysisJob) bool { return j.IsActive() }), nil
}

// Update replaces the stored job. Returns ErrJobNotFound if absent.
func (s *MemoryJobStore) Update(_ context.Context, job *domain.AnalysisJob) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Delete removes a job. Returns ErrJobNotFound if absent.
func (s *MemoryJobStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// CountByStatus returns the number of jobs per status.
func (s *MemoryJobStore) CountByStatus(_ context.Context) (map[domain.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// DeleteCompletedBefore removes terminal jobs completed before the cutoff.
func (s *MemoryJobStore) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// WithTx returns the store itself; the in-memory driver has no
// transactional mode and every operation is individually atomic.
func (s *MemoryJobStore) WithTx(_ *sql.Tx) JobStore {
	return s
}

// RunInTx executes fn directly against the store, for the same reason.
func (s *MemoryJobStore) RunInTx(_ context.Context, fn func(JobStore) error) error {
	return fn(s)
}

// collect filters and clones jobs, sorted by creation time with id as a
// stable tie-break. Callers must hold at least a read lock.
func (s *MemoryJobStore) collect(keep func(*domain.AnalysisJob) bool) []*domain.AnalysisJob {
	result := make([]*domain.AnalysisJob, 0)
	for _, job := range s.jobs {
		if keep(job) {
			result = append(result, job.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool {
		if result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].ID.String() < result[k].ID.String()
		}
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result
}
