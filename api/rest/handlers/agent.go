package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"scriptflow/core/auth"
	"scriptflow/core/bridge"
	"scriptflow/core/jobstore"
	"scriptflow/core/metrics"
	"scriptflow/core/models"
	"scriptflow/core/repository"
	"scriptflow/core/transformer"
	"scriptflow/pkg/apperr"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// sessionSlack keeps the bridge session alive a little past the
// execution deadline so a slow final report still lands.
const sessionSlack = 5 * time.Minute

// AgentHandler serves the internal API the execution agent polls.
type AgentHandler struct {
	jobs        *jobstore.Store
	events      *repository.EventRepository
	transformer *transformer.Transformer
	bridge      *bridge.Service
	tokens      *auth.TokenManager
	metrics     *metrics.Collector
	bridgeURL   string
	log         *logrus.Logger
}

// NewAgentHandler creates the agent handler.
func NewAgentHandler(jobs *jobstore.Store, events *repository.EventRepository, tf *transformer.Transformer, bridgeSvc *bridge.Service, tokens *auth.TokenManager, collector *metrics.Collector, bridgeURL string, log *logrus.Logger) *AgentHandler {
	return &AgentHandler{
		jobs:        jobs,
		events:      events,
		transformer: tf,
		bridge:      bridgeSvc,
		tokens:      tokens,
		metrics:     collector,
		bridgeURL:   bridgeURL,
		log:         log,
	}
}

// Queue handles GET /internal/jobs/queue. Returns due queued jobs,
// oldest due first within priority.
func (h *AgentHandler) Queue(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	jobs, err := h.jobs.ListDue(r.Context(), limit)
	if err != nil {
		h.log.WithError(err).Error("Failed to list due jobs")
		writeAppError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: jobs})
}

type claimRequest struct {
	OrchestratorID string `json:"orchestratorId"`
}

type claimResponse struct {
	Job         *models.Job                 `json:"job"`
	Descriptor  *models.ExecutionDescriptor `json:"descriptor"`
	ExecutionID string                      `json:"executionId"`
	BridgeURL   string                      `json:"bridgeUrl"`
	BridgeToken string                      `json:"bridgeToken"`
}

// Claim handles POST /internal/jobs/{id}/claim. The target is resolved
// before the claim so an unresolvable job fails without ever being
// claimed; the claim itself is the single atomic compare-and-set.
func (h *AgentHandler) Claim(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrchestratorID == "" {
		writeError(w, http.StatusBadRequest, "orchestratorId is required")
		return
	}

	job, err := h.jobs.Get(r.Context(), jobID)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	event, err := h.events.Get(r.Context(), job.EventID)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	servers, err := h.events.GetServers(r.Context(), event.ServerIDs)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}

	descriptor, err := h.transformer.TransformWithArtifact(r.Context(), job, event, servers)
	if err != nil {
		if apperr.IsType(err, apperr.TypeDispatch) {
			if failErr := h.jobs.MarkDispatchFailed(r.Context(), jobID, err.Error()); failErr != nil {
				h.log.WithError(failErr).WithField("job_id", jobID).Error("Failed to mark dispatch failure")
			}
		}
		writeAppError(w, h.log, err)
		return
	}

	job, err = h.jobs.Claim(r.Context(), jobID, req.OrchestratorID)
	if err != nil {
		if errors.Is(err, apperr.ErrClaimConflict) {
			h.metrics.ClaimConflict()
			writeError(w, http.StatusConflict, "job already claimed")
			return
		}
		writeAppError(w, h.log, err)
		return
	}
	h.metrics.JobClaimed()

	if err := h.jobs.SetPayload(r.Context(), jobID, descriptor); err != nil {
		h.log.WithError(err).WithField("job_id", jobID).Error("Failed to persist payload")
		writeAppError(w, h.log, err)
		return
	}

	executionID := descriptor.ExecutionLogID
	token, err := h.tokens.Generate(executionID, job.ID, event.ID, event.UserID)
	if err != nil {
		h.log.WithError(err).Error("Failed to mint execution token")
		writeAppError(w, h.log, err)
		return
	}

	session := &models.ExecutionSession{
		ExecutionID: executionID,
		JobID:       job.ID,
		EventID:     event.ID,
		UserID:      event.UserID,
		ExpiresAt:   time.Now().Add(time.Duration(descriptor.TimeoutSeconds)*time.Second + sessionSlack),
	}
	if err := h.bridge.StartExecution(r.Context(), session, nil); err != nil {
		h.log.WithError(err).WithField("execution_id", executionID).Error("Failed to start execution session")
		writeAppError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: claimResponse{
		Job:         job,
		Descriptor:  descriptor,
		ExecutionID: executionID,
		BridgeURL:   h.bridgeURL,
		BridgeToken: token,
	}})
}

type statusRequest struct {
	OrchestratorID string                 `json:"orchestratorId"`
	Status         models.JobStatus       `json:"status"`
	Result         *models.ResultEnvelope `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// ReportStatus handles POST /internal/jobs/{id}/status. Reports are
// orchestrator-guarded; a report from a non-holder is dropped.
func (h *AgentHandler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrchestratorID == "" || req.Status == "" {
		writeError(w, http.StatusBadRequest, "orchestratorId and status are required")
		return
	}

	if err := h.jobs.ReportStatus(r.Context(), jobID, req.OrchestratorID, req.Status, req.Result, req.Error); err != nil {
		writeAppError(w, h.log, err)
		return
	}

	if req.Status.Terminal() {
		job, err := h.jobs.Get(r.Context(), jobID)
		if err == nil {
			// The attempt is over either way; the next claim opens a
			// fresh session.
			if job.Payload != nil && job.Payload.ExecutionLogID != "" {
				if err := h.bridge.EndExecution(r.Context(), job.Payload.ExecutionLogID); err != nil {
					h.log.WithError(err).WithField("job_id", jobID).Warn("Failed to tear down execution session")
				}
			}
			// A failure with budget left was re-queued, not finished.
			if job.Status.Terminal() {
				var duration time.Duration
				if job.Result != nil {
					duration = time.Duration(job.Result.DurationMS) * time.Millisecond
				}
				h.metrics.JobTerminal(string(job.Type), string(job.Status), duration)
			}
		}
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}
