package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/finsight/analysis-engine/internal/api/shared"
	"github.com/finsight/analysis-engine/internal/domain"
	"github.com/finsight/analysis-engine/internal/engine"
	"github.com/finsight/analysis-engine/internal/store"
)

// Engine is the subset of the queue manager the handler drives. Reads
// go through the job store directly.
type Engine interface {
	Submit(ctx context.Context, subjectKey, parameterKey string, priority domain.JobPriority) (*domain.AnalysisJob, error)
	Cancel(ctx context.Context, jobID uuid.UUID) bool
	Stats(ctx context.Context) (engine.EngineStats, error)
	Pause()
	Resume()
}

// JobHandler serves the job management endpoints.
type JobHandler struct {
	engine Engine
	store  store.JobStore
	logger *slog.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(eng Engine, jobStore store.JobStore, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		engine: eng,
		store:  jobStore,
		logger: logger.With("component", "job_handler"),
	}
}

// SubmitJob handles POST /api/jobs.
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	priority := domain.PriorityNormal
	if req.Priority != "" {
		var err error
		priority, err = domain.ParsePriority(req.Priority)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid priority")
			return
		}
	}

	job, err := h.engine.Submit(r.Context(), req.SubjectKey, req.ParameterKey, priority)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, NewJobResponse(job))
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, NewJobResponse(job))
}

// ListJobs handles GET /api/jobs with an optional status filter.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var (
		jobs []*domain.AnalysisJob
		err  error
	)

	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		status := domain.JobStatus(statusParam)
		if !status.IsValid() {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid status filter")
			return
		}
		jobs, err = h.store.GetByStatus(r.Context(), status)
	} else {
		jobs, err = h.store.GetAll(r.Context())
	}
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	resp := JobListResponse{
		Jobs:  make([]JobResponse, 0, len(jobs)),
		Count: len(jobs),
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, NewJobResponse(job))
	}

	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// CancelJob handles DELETE /api/jobs/{id}. Cancelling a terminal or
// unknown job reports cancelled=false rather than an error.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseJobID(w, r)
	if !ok {
		return
	}

	cancelled := h.engine.Cancel(r.Context(), id)
	shared.RespondWithJSON(w, r, http.StatusOK, CancelResponse{
		ID:        id,
		Cancelled: cancelled,
	})
}

// GetStats handles GET /api/stats.
func (h *JobHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			http.StatusInternalServerError, "Failed to collect stats", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// PauseDispatch handles POST /api/engine/pause.
func (h *JobHandler) PauseDispatch(w http.ResponseWriter, r *http.Request) {
	h.engine.Pause()
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]bool{"paused": true})
}

// ResumeDispatch handles POST /api/engine/resume.
func (h *JobHandler) ResumeDispatch(w http.ResponseWriter, r *http.Request) {
	h.engine.Resume()
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]bool{"paused": false})
}

func (h *JobHandler) parseJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid job ID")
		return uuid.Nil, false
	}
	return id, true
}
