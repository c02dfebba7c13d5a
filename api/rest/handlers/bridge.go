package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"scriptflow/api/rest/middleware"
	"scriptflow/core/bridge"
	"scriptflow/core/metrics"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// BridgeHandler serves the runtime bridge endpoints consumed by the
// sandbox client libraries.
type BridgeHandler struct {
	service *bridge.Service
	metrics *metrics.Collector
	log     *logrus.Logger
}

// NewBridgeHandler creates the bridge handler.
func NewBridgeHandler(service *bridge.Service, collector *metrics.Collector, log *logrus.Logger) *BridgeHandler {
	return &BridgeHandler{service: service, metrics: collector, log: log}
}

// executionID extracts the path execution ID and enforces the token
// binding: a token is only ever good for its own execution.
func (h *BridgeHandler) executionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	executionID := mux.Vars(r)["id"]
	claims, ok := middleware.GetTokenClaims(r.Context())
	if !ok || claims.ExecutionID != executionID {
		writeError(w, http.StatusForbidden, "execution ID mismatch")
		return "", false
	}
	return executionID, true
}

func (h *BridgeHandler) observe(endpoint string, start time.Time, status int) {
	h.metrics.BridgeRequest(endpoint, strconv.Itoa(status), time.Since(start))
}

// GetInput handles GET /executions/{id}/input.
func (h *BridgeHandler) GetInput(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	executionID, ok := h.executionID(w, r)
	if !ok {
		h.observe("input", start, http.StatusForbidden)
		return
	}

	input, err := h.service.GetInput(r.Context(), executionID)
	if err != nil {
		h.log.WithError(err).Error("Failed to get input")
		h.observe("input", start, writeAppError(w, h.log, err))
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: input})
	h.observe("input", start, http.StatusOK)
}

// SetOutput handles POST /executions/{id}/output.
func (h *BridgeHandler) SetOutput(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	executionID, ok := h.executionID(w, r)
	if !ok {
		h.observe("output", start, http.StatusForbidden)
		return
	}

	var body struct {
		Data any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		h.observe("output", start, http.StatusBadRequest)
		return
	}

	if err := h.service.SetOutput(r.Context(), executionID, body.Data); err != nil {
		h.log.WithError(err).Error("Failed to set output")
		h.observe("output", start, writeAppError(w, h.log, err))
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
	h.observe("output", start, http.StatusOK)
}

// GetOutput handles GET /executions/{id}/output, reading back what the
// sandbox stored so far. No output yet yields a null data field.
func (h *BridgeHandler) GetOutput(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	executionID, ok := h.executionID(w, r)
	if !ok {
		h.observe("output_get", start, http.StatusForbidden)
		return
	}

	output, err := h.service.GetOutput(r.Context(), executionID)
	if err != nil {
		h.log.WithError(err).Error("Failed to get output")
		h.observe("output_get", start, writeAppError(w, h.log, err))
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: output})
	h.observe("output_get", start, http.StatusOK)
}

// GetVariable handles GET /executions/{id}/variables/{key}. A missing
// key is a 404; the client library turns that into a null, not an
// error.
func (h *BridgeHandler) GetVariable(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if _, ok := h.executionID(w, r); !ok {
		h.observe("variable_get", start, http.StatusForbidden)
		return
	}
	key := mux.Vars(r)["key"]
	claims, _ := middleware.GetTokenClaims(r.Context())

	variable, err := h.service.GetVariable(r.Context(), claims.UserID, key)
	if err != nil {
		h.log.WithError(err).WithField("key", key).Error("Failed to get variable")
		h.observe("variable_get", start, writeAppError(w, h.log, err))
		return
	}
	if variable == nil {
		writeError(w, http.StatusNotFound, "variable not found")
		h.observe("variable_get", start, http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{
		Success: true,
		Data:    map[string]any{"key": variable.Key, "value": variable.Value},
	})
	h.observe("variable_get", start, http.StatusOK)
}

// SetVariable handles POST /executions/{id}/variables/{key}.
func (h *BridgeHandler) SetVariable(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	_, ok := h.executionID(w, r)
	if !ok {
		h.observe("variable_set", start, http.StatusForbidden)
		return
	}
	key := mux.Vars(r)["key"]
	claims, _ := middleware.GetTokenClaims(r.Context())

	var body struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		h.observe("variable_set", start, http.StatusBadRequest)
		return
	}

	if err := h.service.SetVariable(r.Context(), claims.UserID, key, body.Value); err != nil {
		h.log.WithError(err).WithField("key", key).Error("Failed to set variable")
		h.observe("variable_set", start, writeAppError(w, h.log, err))
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
	h.observe("variable_set", start, http.StatusOK)
}

// DeleteVariable handles DELETE /executions/{id}/variables/{key}.
// Deleting a key that was never set still succeeds.
func (h *BridgeHandler) DeleteVariable(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if _, ok := h.executionID(w, r); !ok {
		h.observe("variable_delete", start, http.StatusForbidden)
		return
	}
	key := mux.Vars(r)["key"]
	claims, _ := middleware.GetTokenClaims(r.Context())

	if err := h.service.DeleteVariable(r.Context(), claims.UserID, key); err != nil {
		h.log.WithError(err).WithField("key", key).Error("Failed to delete variable")
		h.observe("variable_delete", start, writeAppError(w, h.log, err))
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
	h.observe("variable_delete", start, http.StatusOK)
}

// SetCondition handles POST /executions/{id}/condition.
func (h *BridgeHandler) SetCondition(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	executionID, ok := h.executionID(w, r)
	if !ok {
		h.observe("condition", start, http.StatusForbidden)
		return
	}

	var body struct {
		Condition *bool `json:"condition"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Condition == nil {
		writeError(w, http.StatusBadRequest, "condition must be a boolean")
		h.observe("condition", start, http.StatusBadRequest)
		return
	}

	if err := h.service.SetCondition(r.Context(), executionID, *body.Condition); err != nil {
		h.log.WithError(err).Error("Failed to set condition")
		h.observe("condition", start, writeAppError(w, h.log, err))
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
	h.observe("condition", start, http.StatusOK)
}

// GetEvent handles GET /executions/{id}/event.
func (h *BridgeHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	executionID, ok := h.executionID(w, r)
	if !ok {
		h.observe("event", start, http.StatusForbidden)
		return
	}

	metadata, err := h.service.GetEventMetadata(r.Context(), executionID)
	if err != nil {
		h.log.WithError(err).Error("Failed to get event metadata")
		h.observe("event", start, writeAppError(w, h.log, err))
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: metadata})
	h.observe("event", start, http.StatusOK)
}

// ExecuteToolAction handles POST /executions/{id}/tool-actions.
func (h *BridgeHandler) ExecuteToolAction(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	executionID, ok := h.executionID(w, r)
	if !ok {
		h.observe("tool_action", start, http.StatusForbidden)
		return
	}

	var req bridge.ToolActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		h.observe("tool_action", start, http.StatusBadRequest)
		return
	}

	result, err := h.service.ExecuteToolAction(r.Context(), executionID, &req)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"tool":   req.Tool,
			"action": req.Action,
		}).Error("Tool action failed")
		h.observe("tool_action", start, writeAppError(w, h.log, err))
		return
	}

	writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Data: result})
	h.observe("tool_action", start, http.StatusOK)
}
