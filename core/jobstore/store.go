// Package jobstore owns jobs and the transitions between their states.
// All mutations flow through Store; the repository underneath supplies
// the atomic compare-and-set primitives.
package jobstore

import (
	"context"
	"time"

	"scriptflow/core/models"
	"scriptflow/pkg/apperr"

	"github.com/sirupsen/logrus"
)

// Repository is the persistence surface the store needs.
type Repository interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	Claim(ctx context.Context, jobID, orchestratorID string, now time.Time) (bool, error)
	Transition(ctx context.Context, jobID string, from, to models.JobStatus, orchestratorID *string, result *models.ResultEnvelope, lastError, reason string) (bool, error)
	Requeue(ctx context.Context, jobID string, scheduledFor time.Time) (bool, error)
	SetPayload(ctx context.Context, jobID string, payload *models.ExecutionDescriptor) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
}

// transitions is the status lattice. A status may only move to one of
// its listed successors; everything else is rejected.
var transitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusQueued:  {models.JobStatusClaimed, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusClaimed: {models.JobStatusRunning, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusTimeout, models.JobStatusPartial},
	models.JobStatusFailed:  {models.JobStatusQueued},
}

// CanTransition reports whether from → to is an edge of the lattice.
func CanTransition(from, to models.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalHook observes jobs reaching a terminal state. Hooks run on
// the reporting goroutine; keep them fast or hand off.
type TerminalHook func(ctx context.Context, job *models.Job)

// Store is the job store and state machine.
type Store struct {
	repo  Repository
	log   *logrus.Logger
	hooks []TerminalHook
}

// New creates a job store.
func New(repo Repository, log *logrus.Logger) *Store {
	return &Store{repo: repo, log: log}
}

// RegisterTerminalHook adds an observer for terminal transitions. Must
// be called during startup wiring, before the store serves requests.
func (s *Store) RegisterTerminalHook(hook TerminalHook) {
	s.hooks = append(s.hooks, hook)
}

// Create validates and enqueues a new job for an event.
func (s *Store) Create(ctx context.Context, event *models.Event, spec models.JobSpec, scheduledFor time.Time, priority int) (*models.Job, error) {
	if spec.Kind == "" {
		return nil, apperr.Validation("job spec has no kind")
	}
	switch spec.Kind {
	case models.JobTypeScript:
		if spec.Script == nil {
			return nil, apperr.Validation("script job without script spec")
		}
	case models.JobTypeHTTP:
		if spec.HTTP == nil {
			return nil, apperr.Validation("http job without http spec")
		}
	case models.JobTypeToolAction:
		if spec.ToolAction == nil {
			return nil, apperr.Validation("tool action job without tool spec")
		}
	default:
		return nil, apperr.Validation("unknown job kind %q", spec.Kind)
	}

	maxAttempts := event.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	job := &models.Job{
		EventID:      event.ID,
		Type:         spec.Kind,
		Status:       models.JobStatusQueued,
		Priority:     priority,
		Spec:         spec,
		ScheduledFor: scheduledFor,
		MaxAttempts:  maxAttempts,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"jobId":        job.ID,
		"eventId":      event.ID,
		"scheduledFor": scheduledFor,
	}).Info("Job created")

	return job, nil
}

// Claim attempts to claim a due queued job for an orchestrator. Losers
// of the race get apperr.ErrClaimConflict.
func (s *Store) Claim(ctx context.Context, jobID, orchestratorID string) (*models.Job, error) {
	won, err := s.repo.Claim(ctx, jobID, orchestratorID, time.Now())
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, apperr.ErrClaimConflict
	}

	s.log.WithFields(logrus.Fields{
		"jobId":          jobID,
		"orchestratorId": orchestratorID,
	}).Info("Job claimed")

	return s.repo.Get(ctx, jobID)
}

// ReportStatus applies a status report from the claiming orchestrator.
// Reports from a non-holder are a no-op, not an error.
func (s *Store) ReportStatus(ctx context.Context, jobID, orchestratorID string, status models.JobStatus, result *models.ResultEnvelope, lastError string) error {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}

	if job.OrchestratorID == nil || *job.OrchestratorID != orchestratorID {
		s.log.WithFields(logrus.Fields{
			"jobId":          jobID,
			"orchestratorId": orchestratorID,
		}).Warn("Status report from non-holder ignored")
		return nil
	}

	if !CanTransition(job.Status, status) {
		return apperr.Validation("invalid transition %s -> %s for job %s", job.Status, status, jobID)
	}

	applied, err := s.repo.Transition(ctx, jobID, job.Status, status, &orchestratorID, result, lastError, "reported by "+orchestratorID)
	if err != nil {
		return err
	}
	if !applied {
		// Lost a race with another mutation; the guard makes this safe
		// to treat the same as a non-holder report.
		return nil
	}

	if status.Terminal() {
		if status == models.JobStatusFailed {
			// Failures consume the retry budget before going terminal;
			// the Requeue guard checks the budget atomically.
			requeued, err := s.repo.Requeue(ctx, jobID, time.Now())
			if err != nil {
				return err
			}
			if requeued {
				s.log.WithField("jobId", jobID).Info("Job re-queued after failure")
				return nil
			}
		}
		job, err = s.repo.Get(ctx, jobID)
		if err != nil {
			return err
		}
		s.fireTerminalHooks(ctx, job)
	}
	return nil
}

// MarkDispatchFailed fails a job that could not be resolved to an
// execution target. The job goes queued -> failed without ever being
// claimed.
func (s *Store) MarkDispatchFailed(ctx context.Context, jobID, reason string) error {
	applied, err := s.repo.Transition(ctx, jobID, models.JobStatusQueued, models.JobStatusFailed, nil, nil, reason, "dispatch failed")
	if err != nil {
		return err
	}
	if !applied {
		return apperr.Validation("job %s is no longer queued", jobID)
	}
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	s.fireTerminalHooks(ctx, job)
	return nil
}

// Cancel cancels a job that has not started running.
func (s *Store) Cancel(ctx context.Context, jobID string) error {
	for _, from := range []models.JobStatus{models.JobStatusQueued, models.JobStatusClaimed} {
		applied, err := s.repo.Transition(ctx, jobID, from, models.JobStatusCancelled, nil, nil, "", "cancelled")
		if err != nil {
			return err
		}
		if applied {
			job, err := s.repo.Get(ctx, jobID)
			if err != nil {
				return err
			}
			s.fireTerminalHooks(ctx, job)
			return nil
		}
	}

	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	return apperr.Validation("cannot cancel job in status %s", job.Status)
}

// Retry re-queues a failed job while attempts remain. Beyond the
// budget the job stays terminally failed.
func (s *Store) Retry(ctx context.Context, jobID string) error {
	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusFailed {
		return apperr.Validation("only failed jobs can be retried, job %s is %s", jobID, job.Status)
	}
	if job.Attempts >= job.MaxAttempts {
		return apperr.Validation("job %s exhausted its %d attempts", jobID, job.MaxAttempts)
	}

	applied, err := s.repo.Requeue(ctx, jobID, time.Now())
	if err != nil {
		return err
	}
	if !applied {
		return apperr.Validation("job %s could not be retried", jobID)
	}

	s.log.WithField("jobId", jobID).Info("Job re-queued for retry")
	return nil
}

// Get returns a job by ID.
func (s *Store) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return s.repo.Get(ctx, jobID)
}

// ListDue returns due queued jobs for agent polling.
func (s *Store) ListDue(ctx context.Context, limit int) ([]*models.Job, error) {
	return s.repo.ListDue(ctx, time.Now(), limit)
}

// SetPayload attaches the transformed execution descriptor.
func (s *Store) SetPayload(ctx context.Context, jobID string, payload *models.ExecutionDescriptor) error {
	return s.repo.SetPayload(ctx, jobID, payload)
}

func (s *Store) fireTerminalHooks(ctx context.Context, job *models.Job) {
	for _, hook := range s.hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					s.log.WithField("jobId", job.ID).Errorf("terminal hook panicked: %v", rec)
				}
			}()
			hook(ctx, job)
		}()
	}
}
