package models

import "time"

// Event is a user-defined unit of work with trigger configuration.
// Events are referenced but never mutated by the dispatch pipeline.
type Event struct {
	ID             string              `json:"id"`
	UserID         string              `json:"userId"`
	Name           string              `json:"name"`
	Action         EventAction         `json:"action"`
	EnvVars        []EnvVar            `json:"envVars,omitempty"`
	RunLocation    RunLocation         `json:"runLocation"`
	ServerIDs      []string            `json:"serverIds,omitempty"`
	TimeoutSeconds int                 `json:"timeoutSeconds,omitempty"`
	MaxAttempts    int                 `json:"maxAttempts"`
	Triggers       []Trigger           `json:"triggers,omitempty"`
	Conditionals   []ConditionalAction `json:"conditionals,omitempty"`
	Version        int                 `json:"version"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// EventAction is what the event does when it runs. Exactly one variant
// is set, selected by Kind.
type EventAction struct {
	Kind       JobType         `json:"kind"`
	Script     *ScriptSpec     `json:"script,omitempty"`
	HTTP       *HTTPSpec       `json:"http,omitempty"`
	ToolAction *ToolActionSpec `json:"toolAction,omitempty"`
}

// EnvVar is a declared environment variable for an event's executions.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RunLocation is the event's run-location preference.
type RunLocation string

const (
	RunLocationLocal           RunLocation = "local"
	RunLocationRemoteContainer RunLocation = "remote_container"
	RunLocationRemoteSSH       RunLocation = "remote_ssh"
)

// TriggerKind discriminates trigger configurations.
type TriggerKind string

const (
	TriggerKindCron     TriggerKind = "cron"
	TriggerKindInterval TriggerKind = "interval"
	TriggerKindManual   TriggerKind = "manual"
)

// Trigger is one trigger configuration on an event.
type Trigger struct {
	Kind     TriggerKind   `json:"kind"`
	CronExpr string        `json:"cronExpr,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
}

// ConditionKind says when a conditional action fires relative to the
// triggering job's terminal status.
type ConditionKind string

const (
	ConditionOnSuccess   ConditionKind = "on_success"
	ConditionOnFailure   ConditionKind = "on_failure"
	ConditionAlways      ConditionKind = "always"
	ConditionOnCondition ConditionKind = "on_condition"
)

// ConditionalAction chains another event off this event's outcome.
type ConditionalAction struct {
	When          ConditionKind `json:"when"`
	TargetEventID string        `json:"targetEventId"`
}

// Server is a registered remote secure-shell host.
type Server struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}
