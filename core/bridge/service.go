// Package bridge implements the runtime bridge: the shared service a
// running sandbox talks to for input, output, variables, branch
// conditions, event metadata, and tool actions. Reads go cache-first
// with a durable fallback; writes land durably first and then refresh
// the cache, so a cache loss costs latency, not data.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scriptflow/core/models"
	"scriptflow/core/repository"
	"scriptflow/pkg/apperr"

	"github.com/sirupsen/logrus"
)

// ExecutionStore is the durable side of per-execution state.
type ExecutionStore interface {
	Create(ctx context.Context, rec *repository.ExecutionRecord) error
	Get(ctx context.Context, id string) (*repository.ExecutionRecord, error)
	SetOutput(ctx context.Context, id string, output any) error
	SetCondition(ctx context.Context, id string, condition bool) error
	GetVariable(ctx context.Context, userID, key string) (*models.Variable, error)
	SetVariable(ctx context.Context, userID, key string, value any) error
	DeleteVariable(ctx context.Context, userID, key string) error
}

// EventSource resolves the event behind an execution.
type EventSource interface {
	Get(ctx context.Context, id string) (*models.Event, error)
}

// ToolActionRequest is a named tool action with its parameter object.
type ToolActionRequest struct {
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Config map[string]any `json:"config,omitempty"`
}

// ToolDispatcher forwards tool actions to the credential-aware backend
// dispatcher.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, userID string, req *ToolActionRequest) (*models.ToolActionResult, error)
}

// Cache is the ephemeral side of bridge state.
type Cache interface {
	SetSession(ctx context.Context, session *models.ExecutionSession) error
	GetSession(ctx context.Context, executionID string) (*models.ExecutionSession, error)
	SetInput(ctx context.Context, executionID string, input any) error
	GetInput(ctx context.Context, executionID string) (any, bool, error)
	SetOutput(ctx context.Context, executionID string, output any) error
	GetOutput(ctx context.Context, executionID string) (any, bool, error)
	GetVariable(ctx context.Context, userID, key string) (*models.Variable, error)
	SetVariable(ctx context.Context, userID string, variable *models.Variable) error
	DeleteVariable(ctx context.Context, userID, key string) error
	InvalidateExecution(ctx context.Context, executionID string) error
}

// Service is the runtime bridge service. Each call is bounded by the
// configured deadline; a call that cannot finish in time returns a
// timeout error instead of hanging the sandbox.
type Service struct {
	executions  ExecutionStore
	events      EventSource
	cache       Cache
	tools       ToolDispatcher
	callTimeout time.Duration
	log         *logrus.Logger
}

// New creates a bridge service.
func New(executions ExecutionStore, events EventSource, cacheClient Cache, tools ToolDispatcher, callTimeout time.Duration, log *logrus.Logger) *Service {
	return &Service{
		executions:  executions,
		events:      events,
		cache:       cacheClient,
		tools:       tools,
		callTimeout: callTimeout,
		log:         log,
	}
}

// StartExecution creates the durable execution record and its
// cache-resident session. Input, when present, is staged for the
// sandbox's first read.
func (s *Service) StartExecution(ctx context.Context, session *models.ExecutionSession, input any) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec := &repository.ExecutionRecord{
		ID:      session.ExecutionID,
		JobID:   session.JobID,
		EventID: session.EventID,
		UserID:  session.UserID,
		Input:   input,
	}
	if err := s.executions.Create(ctx, rec); err != nil {
		return s.wrap("create execution", err)
	}
	if err := s.cache.SetSession(ctx, session); err != nil {
		return s.wrap("store session", err)
	}
	if input != nil {
		if err := s.cache.SetInput(ctx, session.ExecutionID, input); err != nil {
			// Durable row already holds the input.
			s.log.WithError(err).WithField("execution_id", session.ExecutionID).
				Warn("Failed to stage input in cache")
		}
	}
	return nil
}

// EndExecution tears down the session and every cached trace of the
// execution. The durable record stays.
func (s *Service) EndExecution(ctx context.Context, executionID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.cache.InvalidateExecution(ctx, executionID)
}

// Session resolves the live session for an execution. A missing or
// expired session returns nil; callers must treat that as a rejection.
func (s *Service) Session(ctx context.Context, executionID string) (*models.ExecutionSession, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.cache.GetSession(ctx, executionID)
}

// GetInput returns the input staged for an execution, or nil when none
// was provided.
func (s *Service) GetInput(ctx context.Context, executionID string) (any, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if input, ok, err := s.cache.GetInput(ctx, executionID); err == nil && ok {
		return input, nil
	} else if err != nil {
		s.log.WithError(err).WithField("execution_id", executionID).Warn("Cache read failed, falling back to backend")
	}

	rec, err := s.executions.Get(ctx, executionID)
	if err != nil {
		return nil, s.wrap("get input", err)
	}
	return rec.Input, nil
}

// SetOutput stores an execution's output. Last write wins.
func (s *Service) SetOutput(ctx context.Context, executionID string, data any) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.executions.SetOutput(ctx, executionID, data); err != nil {
		return s.wrap("set output", err)
	}
	if err := s.cache.SetOutput(ctx, executionID, data); err != nil {
		s.log.WithError(err).WithField("execution_id", executionID).Warn("Failed to refresh output cache")
	}
	return nil
}

// GetOutput returns the execution's stored output, or nil when the
// sandbox has not written one yet.
func (s *Service) GetOutput(ctx context.Context, executionID string) (any, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if output, ok, err := s.cache.GetOutput(ctx, executionID); err == nil && ok {
		return output, nil
	} else if err != nil {
		s.log.WithError(err).WithField("execution_id", executionID).Warn("Cache read failed, falling back to backend")
	}

	rec, err := s.executions.Get(ctx, executionID)
	if err != nil {
		return nil, s.wrap("get output", err)
	}
	return rec.Output, nil
}

// GetVariable returns a user-scoped variable, or nil when absent.
func (s *Service) GetVariable(ctx context.Context, userID, key string) (*models.Variable, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if variable, err := s.cache.GetVariable(ctx, userID, key); err == nil && variable != nil {
		return variable, nil
	} else if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Cache read failed, falling back to backend")
	}

	variable, err := s.executions.GetVariable(ctx, userID, key)
	if err != nil {
		return nil, s.wrap("get variable", err)
	}
	if variable != nil {
		if err := s.cache.SetVariable(ctx, userID, variable); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("Failed to fill variable cache")
		}
	}
	return variable, nil
}

// SetVariable writes a user-scoped variable durably, then refreshes
// the cache. Last write wins per key.
func (s *Service) SetVariable(ctx context.Context, userID, key string, value any) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.executions.SetVariable(ctx, userID, key, value); err != nil {
		return s.wrap("set variable", err)
	}
	variable := &models.Variable{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	if err := s.cache.SetVariable(ctx, userID, variable); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to refresh variable cache")
	}
	return nil
}

// DeleteVariable removes a user-scoped variable durably and drops the
// cached copy. Deleting a key that was never set is a no-op.
func (s *Service) DeleteVariable(ctx context.Context, userID, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.executions.DeleteVariable(ctx, userID, key); err != nil {
		return s.wrap("delete variable", err)
	}
	if err := s.cache.DeleteVariable(ctx, userID, key); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to drop cached variable")
	}
	return nil
}

// SetCondition records the boolean branch condition that conditional
// actions with an on-condition trigger consult.
func (s *Service) SetCondition(ctx context.Context, executionID string, condition bool) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.executions.SetCondition(ctx, executionID, condition); err != nil {
		return s.wrap("set condition", err)
	}
	return nil
}

// GetEventMetadata returns the triggering-event view for a sandbox.
func (s *Service) GetEventMetadata(ctx context.Context, executionID string) (*models.EventMetadata, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec, err := s.executions.Get(ctx, executionID)
	if err != nil {
		return nil, s.wrap("get execution", err)
	}
	event, err := s.events.Get(ctx, rec.EventID)
	if err != nil {
		return nil, s.wrap("get event", err)
	}
	return &models.EventMetadata{
		EventID:     event.ID,
		EventName:   event.Name,
		ExecutionID: executionID,
		JobID:       rec.JobID,
	}, nil
}

// ExecuteToolAction forwards a named tool action to the backend
// dispatcher under the execution owner's identity.
func (s *Service) ExecuteToolAction(ctx context.Context, executionID string, req *ToolActionRequest) (*models.ToolActionResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if req.Tool == "" || req.Action == "" {
		return nil, apperr.Validation("tool and action are required")
	}
	rec, err := s.executions.Get(ctx, executionID)
	if err != nil {
		return nil, s.wrap("get execution", err)
	}
	result, err := s.tools.Dispatch(ctx, rec.UserID, req)
	if err != nil {
		return nil, s.wrap(fmt.Sprintf("dispatch %s.%s", req.Tool, req.Action), err)
	}
	return result, nil
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.callTimeout)
}

// wrap maps a deadline overrun to the timeout type and passes typed
// errors through untouched.
func (s *Service) wrap(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout("bridge call exceeded deadline: "+op, err)
	}
	var typed *apperr.Error
	if errors.As(err, &typed) {
		return err
	}
	return apperr.Internal("bridge "+op+" failed", err)
}
