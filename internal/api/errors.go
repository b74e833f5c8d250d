package api

import (
	"errors"
	"net/http"

	"github.com/finsight/analysis-engine/internal/domain"
	"github.com/finsight/analysis-engine/internal/engine"
	"github.com/finsight/analysis-engine/internal/store"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes without
// leaking internal error types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case engine.IsDuplicateJobError(err),
		errors.Is(err, store.ErrJobExists):
		return http.StatusConflict

	case errors.Is(err, domain.ErrEmptySubjectKey),
		errors.Is(err, domain.ErrEmptyParameterKey),
		errors.Is(err, domain.ErrInvalidJobPriority),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, engine.ErrEngineStopped),
		errors.Is(err, engine.ErrEngineNotStarted):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly message for the
// given error.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, store.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		return "Job not found"

	case engine.IsDuplicateJobError(err), errors.Is(err, store.ErrJobExists):
		return "An equivalent analysis is already in progress"

	case errors.Is(err, domain.ErrEmptySubjectKey):
		return "Subject key must not be empty"

	case errors.Is(err, domain.ErrEmptyParameterKey):
		return "Parameter key must not be empty"

	case errors.Is(err, domain.ErrInvalidJobPriority):
		return "Invalid priority"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid job data"

	case errors.Is(err, engine.ErrEngineStopped):
		return "The engine is shutting down"

	case errors.Is(err, engine.ErrEngineNotStarted):
		return "The engine is not accepting jobs yet"

	default:
		return "An unexpected error occurred"
	}
}
