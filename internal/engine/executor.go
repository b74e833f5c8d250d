package engine

import (
	"context"
	"errors"
	"fmt"
)

// FailureClass categorizes an execution failure for retry decisions.
type FailureClass string

// Failure classifications.
const (
	// FailureTransient marks errors worth retrying (network timeouts,
	// temporary upstream unavailability).
	FailureTransient FailureClass = "transient"

	// FailurePermanent marks errors that will not succeed on retry
	// (invalid subject, non-retriable business errors).
	FailurePermanent FailureClass = "permanent"

	// FailureSystem marks engine-side failures (worker crash, pool
	// exhaustion, persistence errors). Retried like transient failures
	// but logged as a system health signal.
	FailureSystem FailureClass = "system"
)

// Executor performs the actual analysis work a job represents. The
// engine knows nothing about what it does; the contract only requires
// that Execute honors ctx cancellation and returns either an opaque
// result reference or a classified error (see ExecError).
// Version: 1.0
type Executor interface {
	// Execute runs the analysis for the given normalized keys. It should
	// poll or select on ctx and return promptly once ctx is cancelled.
	Execute(ctx context.Context, subjectKey, parameterKey string) (string, error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, subjectKey, parameterKey string) (string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, subjectKey, parameterKey string) (string, error) {
	return f(ctx, subjectKey, parameterKey)
}

// ExecError is a classified execution error. Executors wrap their
// failures in one of these so the engine can decide retry eligibility
// without inspecting executor internals or matching error strings.
type ExecError struct {
	Class FailureClass
	Err   error
}

// Error implements the error interface.
func (e *ExecError) Error() string {
	return fmt.Sprintf("%s failure: %v", e.Class, e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as a retriable failure.
func NewTransientError(err error) *ExecError {
	return &ExecError{Class: FailureTransient, Err: err}
}

// NewPermanentError wraps err as a non-retriable failure.
func NewPermanentError(err error) *ExecError {
	return &ExecError{Class: FailurePermanent, Err: err}
}

// NewSystemError wraps err as an engine-side failure.
func NewSystemError(err error) *ExecError {
	return &ExecError{Class: FailureSystem, Err: err}
}

// Classify extracts the failure class from an error chain. Errors
// without an ExecError in the chain are treated as permanent: retrying
// work that failed for an unknown reason is how retry storms start.
// Context cancellation is classified as transient so an interrupted
// attempt can run again after a requeue.
func Classify(err error) FailureClass {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return FailureTransient
	}
	return FailurePermanent
}
