// Package scheduler turns trigger configuration into job-creation
// calls: recurring cron/interval triggers, manual runs (immediate,
// deferred, or run-and-wait), and conditional actions chained off
// terminal jobs.
package scheduler

import (
	"context"
	"time"

	"scriptflow/core/jobstore"
	"scriptflow/core/models"

	"github.com/sirupsen/logrus"
)

// EventSource is the event persistence surface the scheduler needs.
type EventSource interface {
	Get(ctx context.Context, id string) (*models.Event, error)
	ListScheduled(ctx context.Context) ([]*models.Event, error)
	SetConditionals(ctx context.Context, eventID string, conditionals []models.ConditionalAction) error
}

// ConditionSource resolves the branch condition a finished execution
// may have set through the bridge.
type ConditionSource interface {
	ConditionByJob(ctx context.Context, jobID string) (*bool, error)
}

// Scheduler is the trigger engine.
type Scheduler struct {
	jobs       *jobstore.Store
	events     EventSource
	conditions ConditionSource
	queue      *FireQueue
	tick       time.Duration
	poll       time.Duration
	log        *logrus.Logger
	stopChan   chan struct{}
}

// New creates a scheduler. Register it on the job store with
// RegisterTerminalHook(s.OnJobTerminal) during wiring so conditional
// actions fire.
func New(jobs *jobstore.Store, events EventSource, conditions ConditionSource, tick, poll time.Duration, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		jobs:       jobs,
		events:     events,
		conditions: conditions,
		queue:      NewFireQueue(),
		tick:       tick,
		poll:       poll,
		log:        log,
		stopChan:   make(chan struct{}),
	}
}

// Start runs the tick loop until the context is cancelled or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) {
	s.loadRecurring(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.fireDue(ctx, time.Now())
		}
	}
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

// loadRecurring seeds the fire queue from every event with a recurring
// trigger.
func (s *Scheduler) loadRecurring(ctx context.Context) {
	events, err := s.events.ListScheduled(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to load scheduled events")
		return
	}

	now := time.Now()
	for _, event := range events {
		for _, trigger := range event.Triggers {
			if trigger.Kind == models.TriggerKindManual {
				continue
			}
			at, err := NextFire(trigger, now)
			if err != nil {
				s.log.WithError(err).WithField("eventId", event.ID).Warn("Skipping trigger with bad schedule")
				continue
			}
			s.queue.Add(&Firing{EventID: event.ID, Trigger: trigger, At: at})
		}
	}

	s.log.WithField("firings", s.queue.Size()).Info("Recurring triggers loaded")
}

// ScheduleEvent enqueues the recurring triggers of a newly created or
// updated event without waiting for a restart.
func (s *Scheduler) ScheduleEvent(event *models.Event) {
	now := time.Now()
	for _, trigger := range event.Triggers {
		if trigger.Kind == models.TriggerKindManual {
			continue
		}
		at, err := NextFire(trigger, now)
		if err != nil {
			s.log.WithError(err).WithField("eventId", event.ID).Warn("Skipping trigger with bad schedule")
			continue
		}
		s.queue.Add(&Firing{EventID: event.ID, Trigger: trigger, At: at})
	}
}

// RescheduleEvent replaces an event's queued firings with the firings
// of its current triggers. Used after an event update so retired
// triggers stop firing.
func (s *Scheduler) RescheduleEvent(event *models.Event) {
	s.queue.RemoveEvent(event.ID)
	s.ScheduleEvent(event)
}

// fireDue drains due firings: each one creates a job with immediate
// intent (scheduledFor = now) and re-queues the trigger's next fire.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for {
		firing := s.queue.PopDue(now)
		if firing == nil {
			return
		}

		event, err := s.events.Get(ctx, firing.EventID)
		if err != nil {
			// Deleted events fall out of the queue by not re-queueing.
			s.log.WithError(err).WithField("eventId", firing.EventID).Warn("Dropping firing for unloadable event")
			continue
		}

		if _, err := s.jobs.Create(ctx, event, SpecFromEvent(event), now, 0); err != nil {
			s.log.WithError(err).WithField("eventId", event.ID).Error("Failed to create job for trigger")
		}

		next, err := NextFire(firing.Trigger, now)
		if err != nil {
			s.log.WithError(err).WithField("eventId", event.ID).Warn("Trigger has no next fire")
			continue
		}
		s.queue.Add(&Firing{EventID: event.ID, Trigger: firing.Trigger, At: next})
	}
}

// TriggerNow creates a job for an event manually. A zero scheduledFor
// means run as soon as an agent claims it; a future time defers the job
// until the claim guard lets it through.
func (s *Scheduler) TriggerNow(ctx context.Context, eventID string, scheduledFor time.Time, priority int) (*models.Job, error) {
	event, err := s.events.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if scheduledFor.IsZero() {
		scheduledFor = time.Now()
	}
	return s.jobs.Create(ctx, event, SpecFromEvent(event), scheduledFor, priority)
}

// RunAndWait creates a job and polls until it reaches a terminal state
// or the caller's context expires. On expiry the in-flight job is
// returned as-is and keeps running; only the polling stops.
func (s *Scheduler) RunAndWait(ctx context.Context, eventID string) (*models.Job, error) {
	job, err := s.TriggerNow(ctx, eventID, time.Time{}, 0)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Fire-and-forget from here on.
			latest, err := s.jobs.Get(context.WithoutCancel(ctx), job.ID)
			if err != nil {
				return job, nil
			}
			return latest, nil
		case <-ticker.C:
			latest, err := s.jobs.Get(ctx, job.ID)
			if err != nil {
				return nil, err
			}
			if latest.Status.Terminal() {
				return latest, nil
			}
		}
	}
}

// AddConditionalAction appends a conditional action to an event after
// cycle validation. The triggering link is rejected before it is ever
// persisted.
func (s *Scheduler) AddConditionalAction(ctx context.Context, eventID string, action models.ConditionalAction) error {
	if err := ValidateLink(ctx, s.events, eventID, action.TargetEventID); err != nil {
		return err
	}

	event, err := s.events.Get(ctx, eventID)
	if err != nil {
		return err
	}
	conditionals := append(append([]models.ConditionalAction{}, event.Conditionals...), action)
	return s.events.SetConditionals(ctx, eventID, conditionals)
}

// OnJobTerminal resolves the event's conditional actions for a job
// that reached a terminal state and enqueues the follow-up jobs.
func (s *Scheduler) OnJobTerminal(ctx context.Context, job *models.Job) {
	event, err := s.events.Get(ctx, job.EventID)
	if err != nil {
		s.log.WithError(err).WithField("jobId", job.ID).Error("Failed to load event for conditional actions")
		return
	}
	if len(event.Conditionals) == 0 {
		return
	}

	var conditionMet *bool
	for _, cond := range event.Conditionals {
		if cond.When == models.ConditionOnCondition && conditionMet == nil {
			conditionMet, err = s.conditions.ConditionByJob(ctx, job.ID)
			if err != nil {
				s.log.WithError(err).WithField("jobId", job.ID).Warn("Failed to resolve branch condition")
				continue
			}
		}
		if !conditionMatches(cond.When, job.Status, conditionMet) {
			continue
		}

		target, err := s.events.Get(ctx, cond.TargetEventID)
		if err != nil {
			s.log.WithError(err).WithField("eventId", cond.TargetEventID).Warn("Conditional target unavailable")
			continue
		}
		if _, err := s.jobs.Create(ctx, target, SpecFromEvent(target), time.Now(), job.Priority); err != nil {
			s.log.WithError(err).WithField("eventId", target.ID).Error("Failed to enqueue conditional job")
			continue
		}
		s.log.WithFields(logrus.Fields{
			"fromJob": job.ID,
			"toEvent": target.ID,
			"when":    cond.When,
		}).Info("Conditional action fired")
	}
}

// SpecFromEvent snapshots an event's action into a job spec.
func SpecFromEvent(event *models.Event) models.JobSpec {
	return models.JobSpec{
		Kind:       event.Action.Kind,
		Script:     event.Action.Script,
		HTTP:       event.Action.HTTP,
		ToolAction: event.Action.ToolAction,
	}
}
