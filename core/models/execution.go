package models

import "time"

// ExecutionSession is the cache-resident session for one running
// sandbox. It is created when the job is claimed and destroyed on
// terminal status or expiry; its absence fails bridge calls closed.
type ExecutionSession struct {
	ExecutionID string    `json:"executionId"`
	JobID       string    `json:"jobId"`
	EventID     string    `json:"eventId"`
	UserID      string    `json:"userId"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Variable is a named shared variable scoped to a user.
type Variable struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EventMetadata is the triggering-event view exposed to a running
// sandbox through the bridge.
type EventMetadata struct {
	EventID     string         `json:"eventId"`
	EventName   string         `json:"eventName"`
	ExecutionID string         `json:"executionId"`
	JobID       string         `json:"jobId"`
	ScheduledAt time.Time      `json:"scheduledAt"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ToolActionResult is the backend dispatcher's answer to a tool action.
type ToolActionResult struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}
