package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of an analysis job
type JobStatus string

// Possible job status values
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// DefaultMaxRetries is the retry ceiling applied to jobs that do not
// specify one explicitly.
const DefaultMaxRetries = 3

// IsValid reports whether s is one of the known job statuses.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusRunning,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Common validation errors for AnalysisJob
var (
	ErrEmptyJobID        = errors.New("job ID cannot be empty")
	ErrEmptySubjectKey   = errors.New("job subject key cannot be empty")
	ErrEmptyParameterKey = errors.New("job parameter key cannot be empty")
	ErrInvalidJobStatus  = errors.New("invalid job status")
	ErrNegativeRetries   = errors.New("retry counts cannot be negative")

	// ErrInvalidTransition is returned when a status change would violate
	// the job state machine.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// validTransitions encodes the job state machine. Terminal states have
// no outgoing edges.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusQueued, JobStatusCancelled},
	JobStatusQueued:  {JobStatusRunning, JobStatusCancelled},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusQueued},
}

// AnalysisJob represents a single requested analysis tracked through its
// lifecycle. The subject key identifies what is being analyzed (e.g. a
// ticker symbol) and the parameter key a secondary dimension (e.g. an
// as-of date). Both are stored in normalized form.
type AnalysisJob struct {
	ID           uuid.UUID   `json:"id"`
	SubjectKey   string      `json:"subject_key"`
	ParameterKey string      `json:"parameter_key"`
	Status       JobStatus   `json:"status"`
	Priority     JobPriority `json:"priority"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	ResultRef    string      `json:"result_ref,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
}

// NormalizeKey returns the canonical form of a subject or parameter key:
// surrounding whitespace removed and letters upper-cased. Duplicate
// detection compares normalized keys, so "aapl" and "AAPL " identify the
// same subject.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// NewAnalysisJob creates a new AnalysisJob in the pending state with a
// fresh UUID and the default retry ceiling. Keys are normalized before
// storage. Returns an error if validation fails.
func NewAnalysisJob(subjectKey, parameterKey string, priority JobPriority) (*AnalysisJob, error) {
	job := &AnalysisJob{
		ID:           uuid.New(),
		SubjectKey:   NormalizeKey(subjectKey),
		ParameterKey: NormalizeKey(parameterKey),
		Status:       JobStatusPending,
		Priority:     priority,
		CreatedAt:    time.Now().UTC(),
		RetryCount:   0,
		MaxRetries:   DefaultMaxRetries,
	}

	if err := job.Validate(); err != nil {
		return nil, err
	}

	return job, nil
}

// Validate checks if the AnalysisJob has valid data.
// Returns an error if any field fails validation.
func (j *AnalysisJob) Validate() error {
	if j.ID == uuid.Nil {
		return ErrEmptyJobID
	}

	if j.SubjectKey == "" {
		return ErrEmptySubjectKey
	}

	if j.ParameterKey == "" {
		return ErrEmptyParameterKey
	}

	if !isValidJobStatus(j.Status) {
		return ErrInvalidJobStatus
	}

	if !j.Priority.IsValid() {
		return ErrInvalidJobPriority
	}

	if j.RetryCount < 0 || j.MaxRetries < 0 {
		return ErrNegativeRetries
	}

	if j.RetryCount > j.MaxRetries {
		return fmt.Errorf("retry count %d exceeds max retries %d", j.RetryCount, j.MaxRetries)
	}

	return nil
}

// Key returns the normalized duplicate-detection key for this job.
func (j *AnalysisJob) Key() string {
	return j.SubjectKey + "|" + j.ParameterKey
}

// IsTerminal reports whether the job has reached a state from which no
// further transition occurs.
func (j *AnalysisJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted ||
		j.Status == JobStatusFailed ||
		j.Status == JobStatusCancelled
}

// IsActive reports whether the job is in a non-terminal state.
func (j *AnalysisJob) IsActive() bool {
	return !j.IsTerminal()
}

// CanTransitionTo reports whether the state machine permits moving from
// the current status to the target status.
func (j *AnalysisJob) CanTransitionTo(target JobStatus) bool {
	for _, s := range validTransitions[j.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// MarkQueued transitions the job from pending (or running, for a retry)
// to queued.
func (j *AnalysisJob) MarkQueued() error {
	if !j.CanTransitionTo(JobStatusQueued) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusQueued)
	}
	j.Status = JobStatusQueued
	return nil
}

// MarkRunning transitions the job to running, recording the start time
// on the first dispatch only. StartedAt is never revised by retries.
func (j *AnalysisJob) MarkRunning(now time.Time) error {
	if !j.CanTransitionTo(JobStatusRunning) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusRunning)
	}
	j.Status = JobStatusRunning
	if j.StartedAt == nil {
		t := now.UTC()
		j.StartedAt = &t
	}
	return nil
}

// MarkCompleted transitions the job to the terminal completed state,
// recording the result reference and completion time.
func (j *AnalysisJob) MarkCompleted(resultRef string, now time.Time) error {
	if !j.CanTransitionTo(JobStatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusCompleted)
	}
	j.Status = JobStatusCompleted
	j.ResultRef = resultRef
	j.ErrorMessage = ""
	j.setCompletedAt(now)
	return nil
}

// MarkFailed transitions the job to the terminal failed state, recording
// a human-readable failure message and completion time.
func (j *AnalysisJob) MarkFailed(errorMessage string, now time.Time) error {
	if !j.CanTransitionTo(JobStatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusFailed)
	}
	j.Status = JobStatusFailed
	j.ErrorMessage = errorMessage
	j.ResultRef = ""
	j.setCompletedAt(now)
	return nil
}

// MarkCancelled transitions the job to the terminal cancelled state.
func (j *AnalysisJob) MarkCancelled(reason string, now time.Time) error {
	if !j.CanTransitionTo(JobStatusCancelled) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, JobStatusCancelled)
	}
	j.Status = JobStatusCancelled
	j.ErrorMessage = reason
	j.ResultRef = ""
	j.setCompletedAt(now)
	return nil
}

// setCompletedAt records the completion timestamp exactly once.
func (j *AnalysisJob) setCompletedAt(now time.Time) {
	if j.CompletedAt == nil {
		t := now.UTC()
		j.CompletedAt = &t
	}
}

// Clone returns a deep copy of the job. Stores and the event bus hand
// out clones so callers cannot mutate shared state.
func (j *AnalysisJob) Clone() *AnalysisJob {
	clone := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		clone.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// isValidJobStatus checks if the provided status is one of the defined statuses
func isValidJobStatus(status JobStatus) bool {
	switch status {
	case JobStatusPending,
		JobStatusQueued,
		JobStatusRunning,
		JobStatusCompleted,
		JobStatusFailed,
		JobStatusCancelled:
		return true
	default:
		return false
	}
}
