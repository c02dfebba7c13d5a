// Package transformer resolves a job into a dispatchable execution
// descriptor: a concrete container or secure-shell target with the
// payload artifact injected.
package transformer

import (
	"context"
	"fmt"

	"scriptflow/core/models"
	"scriptflow/core/payload"
	"scriptflow/pkg/apperr"

	"github.com/google/uuid"
)

// defaultTimeoutSeconds applies when the event declares no timeout.
const defaultTimeoutSeconds = 3600

// Transform resolves a job into an execution descriptor. It is a pure
// function: it never mutates its arguments and an identical snapshot
// always yields an identical descriptor, so it is safe to call again
// on retry. The secure-shell path requires a built artifact; passing
// artifact == nil there is a dispatch error.
func Transform(job *models.Job, event *models.Event, servers []*models.Server, artifact *models.Artifact) (*models.ExecutionDescriptor, error) {
	desc := &models.ExecutionDescriptor{
		Env:            resolveEnv(event),
		TimeoutSeconds: event.TimeoutSeconds,
		ExecutionLogID: executionLogID(job),
	}
	if desc.TimeoutSeconds <= 0 {
		desc.TimeoutSeconds = defaultTimeoutSeconds
	}

	if event.RunLocation == models.RunLocationRemoteSSH {
		if job.Type != models.JobTypeScript {
			return nil, apperr.Dispatch("%s jobs cannot target a secure-shell host", job.Type)
		}
		if len(servers) == 0 {
			return nil, apperr.Dispatch("event %s prefers a remote host but has no server", event.ID)
		}
		if artifact == nil {
			return nil, apperr.Dispatch("secure-shell dispatch for event %s requires a built artifact", event.ID)
		}
		desc.Target = models.ExecutionTarget{ServerID: servers[0].ID}
		desc.ArtifactPath = artifact.Path
		desc.ArtifactChecksum = artifact.Checksum
		return desc, nil
	}

	image, err := containerImage(job)
	if err != nil {
		return nil, err
	}
	desc.Target = models.ExecutionTarget{ContainerImage: image}
	if artifact != nil {
		desc.ArtifactPath = artifact.Path
		desc.ArtifactChecksum = artifact.Checksum
	}
	return desc, nil
}

// Transformer is the enhanced variant: it builds the payload artifact
// on demand before delegating to Transform.
type Transformer struct {
	builder *payload.Builder
}

// New creates a transformer around a payload builder.
func New(builder *payload.Builder) *Transformer {
	return &Transformer{builder: builder}
}

// TransformWithArtifact resolves a job, generating a fresh artifact
// when the target path needs one. Container script jobs also get the
// artifact injected so the sandbox unpacks instead of inlining.
func (t *Transformer) TransformWithArtifact(ctx context.Context, job *models.Job, event *models.Event, servers []*models.Server) (*models.ExecutionDescriptor, error) {
	var artifact *models.Artifact
	if job.Type == models.JobTypeScript {
		var err error
		artifact, err = t.builder.Generate(ctx, event, resolveEnv(event))
		if err != nil {
			return nil, fmt.Errorf("failed to build payload for event %s: %w", event.ID, err)
		}
	}
	return Transform(job, event, servers, artifact)
}

// resolveEnv flattens the event's declared environment variables.
// Later declarations win on duplicate keys.
func resolveEnv(event *models.Event) map[string]string {
	if len(event.EnvVars) == 0 {
		return nil
	}
	env := make(map[string]string, len(event.EnvVars))
	for _, v := range event.EnvVars {
		env[v.Key] = v.Value
	}
	return env
}

// executionLogID derives a stable log identifier from the job snapshot
// so repeated transforms of one attempt agree, while each retry gets a
// fresh one.
func executionLogID(job *models.Job) string {
	name := fmt.Sprintf("%s/%d", job.ID, job.Attempts)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// containerImage picks the sandbox image for a local or remote
// container run.
func containerImage(job *models.Job) (string, error) {
	switch job.Type {
	case models.JobTypeScript:
		if job.Spec.Script == nil {
			return "", apperr.Dispatch("script job %s has no script spec", job.ID)
		}
		switch job.Spec.Script.Kind {
		case models.ScriptKindPython:
			return "scriptflow/runner-python:latest", nil
		case models.ScriptKindNode:
			return "scriptflow/runner-node:latest", nil
		case models.ScriptKindBash:
			return "scriptflow/runner-bash:latest", nil
		default:
			return "", apperr.Dispatch("no runner image for script kind %q", job.Spec.Script.Kind)
		}
	case models.JobTypeHTTP:
		return "scriptflow/runner-http:latest", nil
	case models.JobTypeToolAction:
		return "scriptflow/runner-tool:latest", nil
	default:
		return "", apperr.Dispatch("no runner image for job type %q", job.Type)
	}
}
