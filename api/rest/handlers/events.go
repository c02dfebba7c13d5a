package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"scriptflow/core/metrics"
	"scriptflow/core/models"
	"scriptflow/core/payload"
	"scriptflow/core/repository"
	"scriptflow/core/scheduler"
	"scriptflow/core/spec"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// EventHandler serves the event management API.
type EventHandler struct {
	events    *repository.EventRepository
	jobs      *repository.JobRepository
	scheduler *scheduler.Scheduler
	payloads  *payload.Builder
	metrics   *metrics.Collector
	log       *logrus.Logger
}

// NewEventHandler creates the event handler.
func NewEventHandler(events *repository.EventRepository, jobs *repository.JobRepository, sched *scheduler.Scheduler, payloads *payload.Builder, collector *metrics.Collector, log *logrus.Logger) *EventHandler {
	return &EventHandler{events: events, jobs: jobs, scheduler: sched, payloads: payloads, metrics: collector, log: log}
}

func requestUserID(r *http.Request) string {
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return userID
	}
	return "default"
}

// CreateEvent handles POST /v1/events with a YAML event spec body.
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	event, err := spec.ParseEventSpec(string(body))
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}

	event.ID = uuid.New().String()
	event.UserID = requestUserID(r)
	event.Version = 1
	event.CreatedAt = time.Now().UTC()
	event.UpdatedAt = event.CreatedAt

	if err := h.events.Create(r.Context(), event); err != nil {
		h.log.WithError(err).Error("Failed to create event")
		writeAppError(w, h.log, err)
		return
	}
	h.scheduler.ScheduleEvent(event)

	h.log.WithFields(logrus.Fields{
		"event_id": event.ID,
		"name":     event.Name,
		"type":     event.Action.Kind,
	}).Info("Event created")

	writeJSON(w, http.StatusCreated, SuccessResponse{Success: true, Data: event})
}

// GetEvent handles GET /v1/events/{id}.
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: event})
}

// GetEventSpec handles GET /v1/events/{id}/spec, echoing the event as
// a normalized YAML spec.
func (h *EventHandler) GetEventSpec(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	rendered, err := spec.RenderEventSpec(event)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(rendered))
}

// UpdateEvent handles PUT /v1/events/{id} with a YAML event spec body.
// The update replaces the event's definition and bumps its version, so
// the next build produces a fresh artifact; queued trigger firings are
// replaced with the updated triggers.
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	parsed, err := spec.ParseEventSpec(string(body))
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}

	version, err := h.events.BumpVersion(r.Context(), eventID, parsed)
	if err != nil {
		h.log.WithError(err).Error("Failed to update event")
		writeAppError(w, h.log, err)
		return
	}
	event, err := h.events.Get(r.Context(), eventID)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	h.scheduler.RescheduleEvent(event)

	h.log.WithFields(logrus.Fields{
		"event_id": eventID,
		"version":  version,
	}).Info("Event updated")

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: event})
}

// GetEventArtifact handles GET /v1/events/{id}/artifact, returning the
// metadata of the bundle the event currently executes from.
func (h *EventHandler) GetEventArtifact(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]

	artifact, err := h.payloads.Active(r.Context(), eventID)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	if artifact == nil {
		writeError(w, http.StatusNotFound, "no artifact built for event "+eventID)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: artifact})
}

// DeleteEvent handles DELETE /v1/events/{id}. Scheduled triggers fall
// out of the fire queue on their next firing; pending jobs cascade
// away with the event.
func (h *EventHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]

	if err := h.events.Delete(r.Context(), eventID); err != nil {
		writeAppError(w, h.log, err)
		return
	}
	if err := h.payloads.CleanupEvent(r.Context(), eventID); err != nil {
		h.log.WithError(err).WithField("event_id", eventID).Warn("Failed to remove event artifacts")
	}

	h.log.WithField("event_id", eventID).Info("Event deleted")
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// TriggerEvent handles POST /v1/events/{id}/trigger. With wait=true
// the call blocks until the job is terminal or the caller's deadline
// expires; the job runs on regardless. scheduledFor schedules a manual
// run in the future.
func (h *EventHandler) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]
	query := r.URL.Query()

	scheduledFor := time.Time{}
	if raw := query.Get("scheduledFor"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scheduledFor must be RFC 3339")
			return
		}
		scheduledFor = parsed
	}

	priority := 0
	if raw := query.Get("priority"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "priority must be an integer")
			return
		}
		priority = parsed
	}

	if query.Get("wait") == "true" {
		if !scheduledFor.IsZero() {
			writeError(w, http.StatusBadRequest, "wait and scheduledFor are mutually exclusive")
			return
		}
		job, err := h.scheduler.RunAndWait(r.Context(), eventID)
		if err != nil {
			writeAppError(w, h.log, err)
			return
		}
		h.metrics.JobCreated(string(job.Type))
		writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: job})
		return
	}

	job, err := h.scheduler.TriggerNow(r.Context(), eventID, scheduledFor, priority)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	h.metrics.JobCreated(string(job.Type))
	writeJSON(w, http.StatusAccepted, SuccessResponse{Success: true, Data: job})
}

// AddConditionalAction handles POST /v1/events/{id}/conditionals.
// Links that would close a cycle are rejected before anything is
// persisted.
func (h *EventHandler) AddConditionalAction(w http.ResponseWriter, r *http.Request) {
	eventID := mux.Vars(r)["id"]

	var action models.ConditionalAction
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.scheduler.AddConditionalAction(r.Context(), eventID, action); err != nil {
		writeAppError(w, h.log, err)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// ListEventJobs handles GET /v1/events/{id}/jobs.
func (h *EventHandler) ListEventJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	jobs, err := h.jobs.ListByEvent(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: jobs})
}

// CreateServer handles POST /v1/servers.
func (h *EventHandler) CreateServer(w http.ResponseWriter, r *http.Request) {
	var server models.Server
	if err := json.NewDecoder(r.Body).Decode(&server); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if server.Host == "" || server.Username == "" {
		writeError(w, http.StatusBadRequest, "host and username are required")
		return
	}
	if server.Port == 0 {
		server.Port = 22
	}
	server.ID = uuid.New().String()
	server.UserID = requestUserID(r)
	server.CreatedAt = time.Now().UTC()

	if err := h.events.CreateServer(r.Context(), &server); err != nil {
		h.log.WithError(err).Error("Failed to register server")
		writeAppError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, SuccessResponse{Success: true, Data: server})
}
