package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/finsight/analysis-engine/internal/domain"
)

// EventType identifies a job lifecycle transition.
type EventType string

// Lifecycle event types published by the engine.
const (
	JobQueued           EventType = "job_queued"
	JobStarted          EventType = "job_started"
	JobCompleted        EventType = "job_completed"
	JobFailed           EventType = "job_failed"
	JobCancelled        EventType = "job_cancelled"
	JobRequeuedForRetry EventType = "job_requeued_for_retry"
)

// AllTypes returns every lifecycle event type. Subscribing with this set
// is equivalent to subscribing with no filter.
func AllTypes() []EventType {
	return []EventType{
		JobQueued,
		JobStarted,
		JobCompleted,
		JobFailed,
		JobCancelled,
		JobRequeuedForRetry,
	}
}

// JobEvent describes one persisted lifecycle transition. Job is a
// snapshot taken after the transition was written to the store, so
// handlers may read it freely without observing later mutations.
type JobEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Type indicates which transition occurred
	Type EventType `json:"type"`

	// JobID is the id of the job that transitioned
	JobID uuid.UUID `json:"job_id"`

	// Job is the post-transition snapshot of the job
	Job domain.AnalysisJob `json:"job"`

	// OccurredAt is the timestamp when the event was created
	OccurredAt time.Time `json:"occurred_at"`
}

// NewJobEvent creates a JobEvent carrying a snapshot of the given job.
func NewJobEvent(eventType EventType, job *domain.AnalysisJob) JobEvent {
	return JobEvent{
		ID:         uuid.New(),
		Type:       eventType,
		JobID:      job.ID,
		Job:        *job.Clone(),
		OccurredAt: time.Now().UTC(),
	}
}

// EventBus defines the publish/subscribe contract for lifecycle events.
type EventBus interface {
	// Publish delivers the event to all current subscribers. A slow or
	// failing subscriber must not block publication to others.
	Publish(event JobEvent)

	// Subscribe registers interest in the given event types (all types if
	// none are given) and returns a subscription whose channel receives
	// matching events published after this call.
	Subscribe(types ...EventType) *Subscription

	// Close tears down the bus and closes all subscriber channels.
	Close()
}
