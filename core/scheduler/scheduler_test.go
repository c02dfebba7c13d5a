package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"scriptflow/core/jobstore"
	"scriptflow/core/models"
	"scriptflow/pkg/apperr"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memEvents is an in-memory EventSource.
type memEvents struct {
	mu     sync.Mutex
	events map[string]*models.Event
}

func newMemEvents(events ...*models.Event) *memEvents {
	m := &memEvents{events: make(map[string]*models.Event)}
	for _, e := range events {
		m.events[e.ID] = e
	}
	return m
}

func (m *memEvents) Get(_ context.Context, id string) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[id]
	if !ok {
		return nil, apperr.NotFound("event %s not found", id)
	}
	copied := *event
	return &copied, nil
}

func (m *memEvents) ListScheduled(_ context.Context) ([]*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Event
	for _, event := range m.events {
		for _, trigger := range event.Triggers {
			if trigger.Kind != models.TriggerKindManual {
				copied := *event
				out = append(out, &copied)
				break
			}
		}
	}
	return out, nil
}

func (m *memEvents) SetConditionals(_ context.Context, eventID string, conditionals []models.ConditionalAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[eventID]
	if !ok {
		return apperr.NotFound("event %s not found", eventID)
	}
	event.Conditionals = conditionals
	return nil
}

// memConditions is a canned ConditionSource.
type memConditions struct {
	byJob map[string]*bool
}

func (m *memConditions) ConditionByJob(_ context.Context, jobID string) (*bool, error) {
	return m.byJob[jobID], nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func bashEvent(id string) *models.Event {
	return &models.Event{
		ID:          id,
		MaxAttempts: 1,
		Action: models.EventAction{
			Kind:   models.JobTypeScript,
			Script: &models.ScriptSpec{Kind: models.ScriptKindBash, Content: "sleep 3"},
		},
	}
}

// memJobRepo is the minimal jobstore.Repository for scheduler tests.
type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	next int
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*models.Job)}
}

func (r *memJobRepo) Create(_ context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	job.ID = fmt.Sprintf("job-%d", r.next)
	copied := *job
	r.jobs[job.ID] = &copied
	return nil
}

func (r *memJobRepo) Get(_ context.Context, id string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, apperr.NotFound("job %s not found", id)
	}
	copied := *job
	return &copied, nil
}

func (r *memJobRepo) Claim(_ context.Context, jobID, orchestratorID string, now time.Time) (bool, error) {
	return false, nil
}

func (r *memJobRepo) Transition(_ context.Context, jobID string, from, to models.JobStatus, _ *string, _ *models.ResultEnvelope, _, _ string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status != from {
		return false, nil
	}
	job.Status = to
	return true, nil
}

func (r *memJobRepo) Requeue(_ context.Context, _ string, _ time.Time) (bool, error) {
	return false, nil
}

func (r *memJobRepo) SetPayload(_ context.Context, _ string, _ *models.ExecutionDescriptor) error {
	return nil
}

func (r *memJobRepo) ListDue(_ context.Context, _ time.Time, _ int) ([]*models.Job, error) {
	return nil, nil
}

// setStatus flips a job's status directly, standing in for an agent.
func (r *memJobRepo) setStatus(jobID string, status models.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.Status = status
	}
}

func (r *memJobRepo) all() []*models.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Job
	for _, job := range r.jobs {
		copied := *job
		out = append(out, &copied)
	}
	return out
}

func newTestScheduler(events *memEvents, repo *memJobRepo) *Scheduler {
	jobs := jobstore.New(repo, quietLogger())
	return New(jobs, events, &memConditions{byJob: map[string]*bool{}}, time.Second, 20*time.Millisecond, quietLogger())
}

func TestNextFireCron(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 25, 30, 0, time.UTC)
	trigger := models.Trigger{Kind: models.TriggerKindCron, CronExpr: "*/15 * * * *"}

	next, err := NextFire(trigger, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC), next)

	// Pure: same input, same output.
	again, err := NextFire(trigger, now)
	require.NoError(t, err)
	assert.Equal(t, next, again)
}

func TestNextFireInterval(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	trigger := models.Trigger{Kind: models.TriggerKindInterval, Interval: 5 * time.Minute}

	next, err := NextFire(trigger, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Minute), next)
}

func TestNextFireRejectsBadConfig(t *testing.T) {
	_, err := NextFire(models.Trigger{Kind: models.TriggerKindCron, CronExpr: "not cron"}, time.Now())
	assert.True(t, apperr.IsType(err, apperr.TypeValidation))

	_, err = NextFire(models.Trigger{Kind: models.TriggerKindInterval}, time.Now())
	assert.True(t, apperr.IsType(err, apperr.TypeValidation))

	_, err = NextFire(models.Trigger{Kind: models.TriggerKindManual}, time.Now())
	assert.True(t, apperr.IsType(err, apperr.TypeValidation))
}

func TestValidateTrigger(t *testing.T) {
	assert.NoError(t, ValidateTrigger(models.Trigger{Kind: models.TriggerKindCron, CronExpr: "0 * * * *"}))
	assert.NoError(t, ValidateTrigger(models.Trigger{Kind: models.TriggerKindInterval, Interval: time.Minute}))
	assert.NoError(t, ValidateTrigger(models.Trigger{Kind: models.TriggerKindManual}))
	assert.Error(t, ValidateTrigger(models.Trigger{Kind: models.TriggerKindCron, CronExpr: "bad"}))
	assert.Error(t, ValidateTrigger(models.Trigger{Kind: "mystery"}))
}

func TestValidateLinkRejectsSelf(t *testing.T) {
	events := newMemEvents(bashEvent("a"))
	err := ValidateLink(context.Background(), events, "a", "a")
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.TypeValidation))
}

func TestValidateLinkRejectsTwoNodeCycle(t *testing.T) {
	a := bashEvent("a")
	b := bashEvent("b")
	events := newMemEvents(a, b)
	sched := newTestScheduler(events, newMemJobRepo())

	// a on-success -> b is fine.
	require.NoError(t, sched.AddConditionalAction(context.Background(), "a",
		models.ConditionalAction{When: models.ConditionOnSuccess, TargetEventID: "b"}))

	// b on-success -> a must fail on the second link.
	err := sched.AddConditionalAction(context.Background(), "b",
		models.ConditionalAction{When: models.ConditionOnSuccess, TargetEventID: "a"})
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.TypeValidation))
}

func TestValidateLinkRejectsTransitiveCycle(t *testing.T) {
	a, b, c := bashEvent("a"), bashEvent("b"), bashEvent("c")
	a.Conditionals = []models.ConditionalAction{{When: models.ConditionAlways, TargetEventID: "b"}}
	b.Conditionals = []models.ConditionalAction{{When: models.ConditionAlways, TargetEventID: "c"}}
	events := newMemEvents(a, b, c)

	err := ValidateLink(context.Background(), events, "c", "a")
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.TypeValidation))
}

func TestValidateLinkRejectsMissingTarget(t *testing.T) {
	events := newMemEvents(bashEvent("a"))
	err := ValidateLink(context.Background(), events, "a", "ghost")
	require.Error(t, err)
	assert.True(t, apperr.IsType(err, apperr.TypeValidation))
}

func TestConditionMatches(t *testing.T) {
	yes, no := true, false

	assert.True(t, conditionMatches(models.ConditionOnSuccess, models.JobStatusCompleted, nil))
	assert.False(t, conditionMatches(models.ConditionOnSuccess, models.JobStatusFailed, nil))

	for _, status := range []models.JobStatus{models.JobStatusFailed, models.JobStatusTimeout, models.JobStatusPartial} {
		assert.True(t, conditionMatches(models.ConditionOnFailure, status, nil), string(status))
	}
	assert.False(t, conditionMatches(models.ConditionOnFailure, models.JobStatusCompleted, nil))

	assert.True(t, conditionMatches(models.ConditionAlways, models.JobStatusCompleted, nil))
	assert.True(t, conditionMatches(models.ConditionAlways, models.JobStatusFailed, nil))
	assert.False(t, conditionMatches(models.ConditionAlways, models.JobStatusCancelled, nil))

	assert.True(t, conditionMatches(models.ConditionOnCondition, models.JobStatusCompleted, &yes))
	assert.False(t, conditionMatches(models.ConditionOnCondition, models.JobStatusCompleted, &no))
	assert.False(t, conditionMatches(models.ConditionOnCondition, models.JobStatusCompleted, nil))
}

func TestTriggerNowDefaultsToImmediate(t *testing.T) {
	repo := newMemJobRepo()
	events := newMemEvents(bashEvent("a"))
	sched := newTestScheduler(events, repo)

	before := time.Now()
	job, err := sched.TriggerNow(context.Background(), "a", time.Time{}, 0)
	require.NoError(t, err)
	assert.False(t, job.ScheduledFor.Before(before))
	assert.True(t, job.ScheduledFor.Before(time.Now().Add(time.Second)))
}

func TestTriggerNowHonorsFutureSchedule(t *testing.T) {
	repo := newMemJobRepo()
	events := newMemEvents(bashEvent("a"))
	sched := newTestScheduler(events, repo)

	future := time.Now().Add(2 * time.Hour)
	job, err := sched.TriggerNow(context.Background(), "a", future, 0)
	require.NoError(t, err)
	assert.Equal(t, future, job.ScheduledFor)
}

func TestRunAndWaitReturnsOnTerminal(t *testing.T) {
	repo := newMemJobRepo()
	events := newMemEvents(bashEvent("a"))
	sched := newTestScheduler(events, repo)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Flip the only job to completed once it appears.
		for {
			jobs := repo.all()
			if len(jobs) == 1 {
				repo.setStatus(jobs[0].ID, models.JobStatusCompleted)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	job, err := sched.RunAndWait(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	<-done
}

func TestRunAndWaitHonorsCallerDeadline(t *testing.T) {
	repo := newMemJobRepo()
	events := newMemEvents(bashEvent("a"))
	sched := newTestScheduler(events, repo)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	job, err := sched.RunAndWait(ctx, "a")
	elapsed := time.Since(start)

	// The call returns around the deadline with the job still in
	// flight; the job itself is untouched.
	require.NoError(t, err)
	assert.Less(t, elapsed, time.Second)
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	stored, err := repo.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, stored.Status)
}

func TestFireDueCreatesJobAndRequeuesTrigger(t *testing.T) {
	repo := newMemJobRepo()
	event := bashEvent("a")
	event.Triggers = []models.Trigger{{Kind: models.TriggerKindInterval, Interval: time.Hour}}
	events := newMemEvents(event)
	sched := newTestScheduler(events, repo)

	now := time.Now()
	sched.queue.Add(&Firing{EventID: "a", Trigger: event.Triggers[0], At: now.Add(-time.Second)})

	sched.fireDue(context.Background(), now)

	jobs := repo.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobStatusQueued, jobs[0].Status)
	// Recurring trigger enqueues with immediate intent.
	assert.WithinDuration(t, now, jobs[0].ScheduledFor, time.Second)
	// The next fire is back in the queue.
	assert.Equal(t, 1, sched.queue.Size())
}

func TestRescheduleEventReplacesFirings(t *testing.T) {
	repo := newMemJobRepo()
	event := bashEvent("a")
	event.Triggers = []models.Trigger{{Kind: models.TriggerKindInterval, Interval: time.Minute}}
	events := newMemEvents(event, bashEvent("b"))
	sched := newTestScheduler(events, repo)

	sched.ScheduleEvent(event)
	sched.queue.Add(&Firing{EventID: "b", Trigger: models.Trigger{Kind: models.TriggerKindInterval, Interval: time.Minute}, At: time.Now().Add(time.Minute)})
	require.Equal(t, 2, sched.queue.Size())

	// The update swaps the interval trigger for a cron one; the old
	// firing must not survive, other events' firings must.
	event.Triggers = []models.Trigger{{Kind: models.TriggerKindCron, CronExpr: "0 * * * *"}}
	sched.RescheduleEvent(event)

	assert.Equal(t, 2, sched.queue.Size())
	seen := map[string]models.TriggerKind{}
	for {
		firing := sched.queue.PopDue(time.Now().Add(2 * time.Hour))
		if firing == nil {
			break
		}
		seen[firing.EventID] = firing.Trigger.Kind
	}
	assert.Equal(t, models.TriggerKindCron, seen["a"])
	assert.Equal(t, models.TriggerKindInterval, seen["b"])
}

func TestOnJobTerminalFiresConditionalChain(t *testing.T) {
	repo := newMemJobRepo()
	a := bashEvent("a")
	a.Conditionals = []models.ConditionalAction{{When: models.ConditionOnSuccess, TargetEventID: "b"}}
	events := newMemEvents(a, bashEvent("b"))
	sched := newTestScheduler(events, repo)

	job := &models.Job{ID: "job-a", EventID: "a", Status: models.JobStatusCompleted}
	sched.OnJobTerminal(context.Background(), job)

	jobs := repo.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].EventID)

	// A failed job does not fire an on-success link.
	failed := &models.Job{ID: "job-a2", EventID: "a", Status: models.JobStatusFailed}
	sched.OnJobTerminal(context.Background(), failed)
	assert.Len(t, repo.all(), 1)
}
