// Package handlers implements the HTTP handlers for the bridge, agent,
// and management surfaces.
package handlers

import (
	"encoding/json"
	"net/http"

	"scriptflow/pkg/apperr"

	"github.com/sirupsen/logrus"
)

// SuccessResponse is the bridge success envelope.
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
}

// ErrorResponse is the error envelope for every non-2xx answer.
type ErrorResponse struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Message: message})
}

// writeAppError maps a typed error to its HTTP status and returns the
// status it wrote.
func writeAppError(w http.ResponseWriter, log *logrus.Logger, err error) int {
	status := http.StatusInternalServerError
	message := "internal server error"

	switch apperr.TypeOf(err) {
	case apperr.TypeValidation:
		status, message = http.StatusBadRequest, err.Error()
	case apperr.TypeNotFound:
		status, message = http.StatusNotFound, err.Error()
	case apperr.TypeTimeout:
		status, message = http.StatusGatewayTimeout, err.Error()
	case apperr.TypeDispatch:
		status, message = http.StatusUnprocessableEntity, err.Error()
	case apperr.TypeBridge:
		if apperr.IsRetryable(err) {
			status, message = http.StatusBadGateway, err.Error()
		} else {
			status, message = http.StatusBadRequest, err.Error()
		}
	default:
		log.WithError(err).Error("Request failed")
	}

	writeError(w, status, message)
	return status
}
