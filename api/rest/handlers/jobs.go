package handlers

import (
	"net/http"
	"strconv"

	"scriptflow/core/jobstore"
	"scriptflow/core/models"
	"scriptflow/core/repository"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// JobHandler serves the job management API.
type JobHandler struct {
	store *jobstore.Store
	repo  *repository.JobRepository
	log   *logrus.Logger
}

// NewJobHandler creates the job handler.
func NewJobHandler(store *jobstore.Store, repo *repository.JobRepository, log *logrus.Logger) *JobHandler {
	return &JobHandler{store: store, repo: repo, log: log}
}

// GetJob handles GET /v1/jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: job})
}

// ListJobs handles GET /v1/jobs, newest first, optionally filtered by
// status.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	status := models.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown job status")
		return
	}

	jobs, err := h.repo.List(r.Context(), status, limit)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: jobs})
}

// GetJobTransitions handles GET /v1/jobs/{id}/transitions, the audit
// trail of every status change.
func (h *JobHandler) GetJobTransitions(w http.ResponseWriter, r *http.Request) {
	transitions, err := h.repo.Transitions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: transitions})
}

// CancelJob handles POST /v1/jobs/{id}/cancel. Only jobs that have not
// started running can be cancelled.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.store.Cancel(r.Context(), jobID); err != nil {
		writeAppError(w, h.log, err)
		return
	}
	h.log.WithField("job_id", jobID).Info("Job cancelled")
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// RetryJob handles POST /v1/jobs/{id}/retry. Retries are only allowed
// for failed jobs with attempts left in the budget.
func (h *JobHandler) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if err := h.store.Retry(r.Context(), jobID); err != nil {
		writeAppError(w, h.log, err)
		return
	}
	h.log.WithField("job_id", jobID).Info("Job requeued for retry")
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}
