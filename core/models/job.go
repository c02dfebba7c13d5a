package models

import "time"

// Job represents one attempt (current or future) to run an Event.
type Job struct {
	ID             string               `json:"id"`
	EventID        string               `json:"eventId"`
	Type           JobType              `json:"type"`
	Status         JobStatus            `json:"status"`
	Priority       int                  `json:"priority"`
	Spec           JobSpec              `json:"spec"`
	Payload        *ExecutionDescriptor `json:"payload,omitempty"`
	ScheduledFor   time.Time            `json:"scheduledFor"`
	Attempts       int                  `json:"attempts"`
	MaxAttempts    int                  `json:"maxAttempts"`
	OrchestratorID *string              `json:"orchestratorId,omitempty"`
	CreatedAt      time.Time            `json:"createdAt"`
	ClaimedAt      *time.Time           `json:"claimedAt,omitempty"`
	StartedAt      *time.Time           `json:"startedAt,omitempty"`
	CompletedAt    *time.Time           `json:"completedAt,omitempty"`
	UpdatedAt      time.Time            `json:"updatedAt"`
	Result         *ResultEnvelope      `json:"result,omitempty"`
	LastError      string               `json:"lastError,omitempty"`
}

// JobType discriminates the job spec variant.
type JobType string

const (
	JobTypeScript     JobType = "script"
	JobTypeHTTP       JobType = "http"
	JobTypeToolAction JobType = "tool_action"
)

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusTimeout   JobStatus = "timeout"
	JobStatusPartial   JobStatus = "partial"
)

// Valid reports whether the status is one of the known states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusClaimed, JobStatusRunning, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled, JobStatusTimeout, JobStatusPartial:
		return true
	}
	return false
}

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusTimeout, JobStatusPartial:
		return true
	}
	return false
}

// JobSpec is the per-type execution spec. Exactly one variant is set,
// selected by Kind.
type JobSpec struct {
	Kind       JobType         `json:"kind"`
	Script     *ScriptSpec     `json:"script,omitempty"`
	HTTP       *HTTPSpec       `json:"http,omitempty"`
	ToolAction *ToolActionSpec `json:"toolAction,omitempty"`
}

// ScriptSpec describes a script job.
type ScriptSpec struct {
	Kind    ScriptKind `json:"kind"`
	Content string     `json:"content"`
}

// ScriptKind is the interpreter for a script event.
type ScriptKind string

const (
	ScriptKindBash   ScriptKind = "bash"
	ScriptKindPython ScriptKind = "python"
	ScriptKindNode   ScriptKind = "node"
)

// HTTPSpec describes an HTTP-call job.
type HTTPSpec struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// ToolActionSpec describes a tool-action job forwarded to the backend's
// credential-aware dispatcher.
type ToolActionSpec struct {
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Config map[string]any `json:"config,omitempty"`
}

// ExecutionDescriptor is the transformer output: everything an execution
// agent needs to start a sandbox. Immutable once produced.
type ExecutionDescriptor struct {
	Target           ExecutionTarget   `json:"target"`
	ArtifactPath     string            `json:"artifactPath,omitempty"`
	ArtifactChecksum string            `json:"artifactChecksum,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	TimeoutSeconds   int               `json:"timeoutSeconds"`
	ExecutionLogID   string            `json:"executionLogId"`
}

// ExecutionTarget is where the sandbox runs: exactly one of ServerID
// (secure-shell host) or ContainerImage is set.
type ExecutionTarget struct {
	ServerID       string `json:"serverId,omitempty"`
	ContainerImage string `json:"containerImage,omitempty"`
}

// JobTransition is one audited status change for a job.
type JobTransition struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"jobId"`
	FromStatus *JobStatus `json:"fromStatus,omitempty"`
	ToStatus   JobStatus  `json:"toStatus"`
	Reason     string     `json:"reason,omitempty"`
	At         time.Time  `json:"at"`
}

// ResultEnvelope carries the outcome of an execution. Well-known fields
// are typed; anything else the agent reports lands in Extra.
type ResultEnvelope struct {
	ExitCode   *int           `json:"exitCode,omitempty"`
	Output     any            `json:"output,omitempty"`
	DurationMS int64          `json:"durationMs,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}
