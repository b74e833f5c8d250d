package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Common engine errors.
var (
	// ErrEngineStopped is returned when jobs are submitted to an engine
	// that has been stopped.
	ErrEngineStopped = errors.New("engine is stopped")

	// ErrEngineNotStarted is returned when Start has not been called yet.
	ErrEngineNotStarted = errors.New("engine is not started")

	// errCancellationTimeout marks a running job whose worker did not
	// acknowledge a cancellation request within the grace period.
	errCancellationTimeout = errors.New("cancellation timeout")
)

// DuplicateJobError is returned by Submit when an active (non-terminal)
// job already exists for the same normalized subject/parameter key pair.
type DuplicateJobError struct {
	SubjectKey   string
	ParameterKey string
	ExistingID   uuid.UUID
}

// Error implements the error interface.
func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf(
		"an active job already exists for (%s, %s): %s",
		e.SubjectKey,
		e.ParameterKey,
		e.ExistingID,
	)
}

// IsDuplicateJobError reports whether the error chain contains a
// DuplicateJobError.
func IsDuplicateJobError(err error) bool {
	var dup *DuplicateJobError
	return errors.As(err, &dup)
}
