package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"scriptflow/core/models"
	"scriptflow/pkg/apperr"
)

// ExecutionRepository handles durable per-execution state: the record a
// sandbox reads and writes through the bridge. Variable and output
// writes are single-statement UPSERTs, so concurrent bridge calls are
// last-write-wins per key, never merged.
type ExecutionRepository struct {
	db *DB
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// ExecutionRecord is the durable row behind a bridge session.
type ExecutionRecord struct {
	ID           string
	JobID        string
	EventID      string
	UserID       string
	Input        any
	Output       any
	ConditionMet *bool
}

// Create inserts an execution row, optionally carrying input data the
// sandbox will pull.
func (r *ExecutionRepository) Create(ctx context.Context, rec *ExecutionRecord) error {
	var inputJSON any
	if rec.Input != nil {
		data, err := json.Marshal(rec.Input)
		if err != nil {
			return fmt.Errorf("failed to marshal input: %w", err)
		}
		inputJSON = data
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO executions (id, job_id, event_id, user_id, input_json)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.JobID, rec.EventID, rec.UserID, inputJSON)
	return err
}

// Get retrieves an execution row.
func (r *ExecutionRepository) Get(ctx context.Context, id string) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var inputJSON, outputJSON []byte
	var condition sql.NullBool

	err := r.db.QueryRowContext(ctx, `
		SELECT id, job_id, event_id, user_id, input_json, output_json, condition_met
		FROM executions
		WHERE id = $1
	`, id).Scan(&rec.ID, &rec.JobID, &rec.EventID, &rec.UserID, &inputJSON, &outputJSON, &condition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("execution %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &rec.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &rec.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}
	if condition.Valid {
		rec.ConditionMet = &condition.Bool
	}
	return &rec, nil
}

// SetOutput overwrites the execution's output. Last write wins.
func (r *ExecutionRepository) SetOutput(ctx context.Context, id string, output any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE executions SET output_json = $1, updated_at = now() WHERE id = $2
	`, data, id)
	if err != nil {
		return err
	}
	return requireRow(res, "execution", id)
}

// SetCondition overwrites the execution's branch condition.
func (r *ExecutionRepository) SetCondition(ctx context.Context, id string, condition bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE executions SET condition_met = $1, updated_at = now() WHERE id = $2
	`, condition, id)
	if err != nil {
		return err
	}
	return requireRow(res, "execution", id)
}

// ConditionByJob returns the branch condition set by the job's
// execution, nil when the script never signalled one.
func (r *ExecutionRepository) ConditionByJob(ctx context.Context, jobID string) (*bool, error) {
	var condition sql.NullBool
	err := r.db.QueryRowContext(ctx, `
		SELECT condition_met FROM executions WHERE job_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, jobID).Scan(&condition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !condition.Valid {
		return nil, nil
	}
	return &condition.Bool, nil
}

// GetVariable reads a user-scoped variable, nil when absent.
func (r *ExecutionRepository) GetVariable(ctx context.Context, userID, key string) (*models.Variable, error) {
	var v models.Variable
	var valueJSON []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT key, value_json, updated_at FROM variables WHERE user_id = $1 AND key = $2
	`, userID, key).Scan(&v.Key, &valueJSON, &v.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(valueJSON) > 0 {
		if err := json.Unmarshal(valueJSON, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variable: %w", err)
		}
	}
	return &v, nil
}

// SetVariable upserts a user-scoped variable. The single statement
// makes concurrent writers last-write-wins per key.
func (r *ExecutionRepository) SetVariable(ctx context.Context, userID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal variable: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO variables (user_id, key, value_json, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key)
		DO UPDATE SET value_json = EXCLUDED.value_json, updated_at = now()
	`, userID, key, data)
	return err
}

// DeleteVariable removes a user-scoped variable. Deleting an absent
// key is a no-op.
func (r *ExecutionRepository) DeleteVariable(ctx context.Context, userID, key string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM variables WHERE user_id = $1 AND key = $2
	`, userID, key)
	return err
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("%s %s not found", kind, id)
	}
	return nil
}
