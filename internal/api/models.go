package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/finsight/analysis-engine/internal/domain"
)

// SubmitJobRequest defines the payload for the job submission endpoint.
type SubmitJobRequest struct {
	SubjectKey   string `json:"subject_key"   validate:"required,max=128"`
	ParameterKey string `json:"parameter_key" validate:"required,max=256"`
	Priority     string `json:"priority"      validate:"omitempty,oneof=low normal high critical"`
}

// JobResponse is the API representation of an analysis job.
type JobResponse struct {
	ID           uuid.UUID  `json:"id"`
	SubjectKey   string     `json:"subject_key"`
	ParameterKey string     `json:"parameter_key"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ResultRef    string     `json:"result_ref,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
}

// NewJobResponse maps a domain job onto its API representation.
func NewJobResponse(job *domain.AnalysisJob) JobResponse {
	return JobResponse{
		ID:           job.ID,
		SubjectKey:   job.SubjectKey,
		ParameterKey: job.ParameterKey,
		Priority:     job.Priority.String(),
		Status:       string(job.Status),
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
		ResultRef:    job.ResultRef,
		ErrorMessage: job.ErrorMessage,
		RetryCount:   job.RetryCount,
		MaxRetries:   job.MaxRetries,
	}
}

// JobListResponse wraps a collection of jobs.
type JobListResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// CancelResponse reports the outcome of a cancellation request.
type CancelResponse struct {
	ID        uuid.UUID `json:"id"`
	Cancelled bool      `json:"cancelled"`
}
