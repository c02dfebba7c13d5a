package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"scriptflow/core/models"

	"github.com/google/uuid"
)

// JobRepository handles database operations for jobs.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository.
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new job row and its initial transition.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	specJSON, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("failed to marshal job spec: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, event_id, job_type, status, priority, spec_json,
			scheduled_for, attempts, max_attempts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`,
		job.ID, job.EventID, job.Type, job.Status, job.Priority, specJSON,
		job.ScheduledFor, job.Attempts, job.MaxAttempts, now,
	)
	if err != nil {
		return err
	}

	if err := insertTransition(ctx, tx, job.ID, nil, job.Status, "job_created"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// Get retrieves a job by ID.
func (r *JobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, event_id, job_type, status, priority, spec_json, payload_json,
			scheduled_for, attempts, max_attempts, orchestrator_id, result_json,
			last_error, created_at, claimed_at, started_at, completed_at, updated_at
		FROM jobs
		WHERE id = $1
	`, id)
	return scanJob(row)
}

// Claim atomically claims a due queued job for one orchestrator. The
// conditional UPDATE guarantees exactly one of N racing claimers wins;
// losers see claimed=false.
func (r *JobRepository) Claim(ctx context.Context, jobID, orchestratorID string, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, orchestrator_id = $2, claimed_at = $3, updated_at = $3
		WHERE id = $4 AND status = $5 AND scheduled_for <= $3
	`, models.JobStatusClaimed, orchestratorID, now, jobID, models.JobStatusQueued)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	from := models.JobStatusQueued
	if err := insertTransition(ctx, tx, jobID, &from, models.JobStatusClaimed, "claimed by "+orchestratorID); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// Transition applies a guarded status change. When orchestratorID is
// non-nil the row must still be held by that orchestrator. Returns
// false when the guard did not match.
func (r *JobRepository) Transition(ctx context.Context, jobID string, from, to models.JobStatus, orchestratorID *string, result *models.ResultEnvelope, lastError, reason string) (bool, error) {
	var resultJSON any
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = data
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now()
	query := `
		UPDATE jobs
		SET status = $1,
			result_json = COALESCE($2, result_json),
			last_error = CASE WHEN $3 <> '' THEN $3 ELSE last_error END,
			started_at = CASE WHEN $1 = 'running' THEN $4 ELSE started_at END,
			completed_at = CASE WHEN $1 IN ('completed','failed','cancelled','timeout','partial') THEN $4 ELSE completed_at END,
			updated_at = $4
		WHERE id = $5 AND status = $6
	`
	args := []any{to, resultJSON, lastError, now, jobID, from}
	if orchestratorID != nil {
		query += ` AND orchestrator_id = $7`
		args = append(args, *orchestratorID)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := insertTransition(ctx, tx, jobID, &from, to, reason); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// Requeue re-enters a failed job into the queue, bumping attempts. The
// attempts bound is enforced in the same statement so concurrent
// retries cannot exceed it. The orchestrator hold is released so the
// next claim starts a fresh episode.
func (r *JobRepository) Requeue(ctx context.Context, jobID string, scheduledFor time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, attempts = attempts + 1, orchestrator_id = NULL,
			claimed_at = NULL, started_at = NULL, completed_at = NULL,
			scheduled_for = $2, updated_at = now()
		WHERE id = $3 AND status = $4 AND attempts < max_attempts
	`, models.JobStatusQueued, scheduledFor, jobID, models.JobStatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	from := models.JobStatusFailed
	if err := insertTransition(ctx, tx, jobID, &from, models.JobStatusQueued, "retry"); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// SetPayload stores the execution descriptor produced by the transformer.
func (r *JobRepository) SetPayload(ctx context.Context, jobID string, payload *models.ExecutionDescriptor) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE jobs SET payload_json = $1, updated_at = now() WHERE id = $2`, data, jobID)
	return err
}

// ListDue returns queued jobs whose scheduled time has passed, highest
// priority first.
func (r *JobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, job_type, status, priority, spec_json, payload_json,
			scheduled_for, attempts, max_attempts, orchestrator_id, result_json,
			last_error, created_at, claimed_at, started_at, completed_at, updated_at
		FROM jobs
		WHERE status = $1 AND scheduled_for <= $2
		ORDER BY priority DESC, scheduled_for ASC
		LIMIT $3
	`, models.JobStatusQueued, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ListByEvent returns the most recent jobs for an event.
func (r *JobRepository) ListByEvent(ctx context.Context, eventID string, limit int) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, job_type, status, priority, spec_json, payload_json,
			scheduled_for, attempts, max_attempts, orchestrator_id, result_json,
			last_error, created_at, claimed_at, started_at, completed_at, updated_at
		FROM jobs
		WHERE event_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, eventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// List returns the most recent jobs, optionally filtered by status.
func (r *JobRepository) List(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	query := `
		SELECT id, event_id, job_type, status, priority, spec_json, payload_json,
			scheduled_for, attempts, max_attempts, orchestrator_id, result_json,
			last_error, created_at, claimed_at, started_at, completed_at, updated_at
		FROM jobs
	`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Transitions returns the audit trail for a job, oldest first.
func (r *JobRepository) Transitions(ctx context.Context, jobID string) ([]models.JobTransition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, job_id, from_status, to_status, reason, at
		FROM job_transitions
		WHERE job_id = $1
		ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.JobTransition
	for rows.Next() {
		var t models.JobTransition
		var from sql.NullString
		if err := rows.Scan(&t.ID, &t.JobID, &from, &t.ToStatus, &t.Reason, &t.At); err != nil {
			return nil, err
		}
		if from.Valid {
			s := models.JobStatus(from.String)
			t.FromStatus = &s
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertTransition(ctx context.Context, tx *sql.Tx, jobID string, from *models.JobStatus, to models.JobStatus, reason string) error {
	var fromStr *string
	if from != nil {
		s := string(*from)
		fromStr = &s
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_transitions (job_id, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4)
	`, jobID, fromStr, to, reason)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var specJSON []byte
	var payloadJSON, resultJSON []byte
	var orchestratorID sql.NullString
	var claimedAt, startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.EventID, &job.Type, &job.Status, &job.Priority,
		&specJSON, &payloadJSON, &job.ScheduledFor, &job.Attempts,
		&job.MaxAttempts, &orchestratorID, &resultJSON, &job.LastError,
		&job.CreatedAt, &claimedAt, &startedAt, &completedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(specJSON, &job.Spec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job spec: %w", err)
	}
	if len(payloadJSON) > 0 {
		job.Payload = &models.ExecutionDescriptor{}
		if err := json.Unmarshal(payloadJSON, job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		job.Result = &models.ResultEnvelope{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if orchestratorID.Valid {
		job.OrchestratorID = &orchestratorID.String
	}
	if claimedAt.Valid {
		job.ClaimedAt = &claimedAt.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
