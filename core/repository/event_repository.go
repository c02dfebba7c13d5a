package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"scriptflow/core/models"
	"scriptflow/pkg/apperr"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventRepository handles database operations for events and servers.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts an event and its server associations.
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Version == 0 {
		event.Version = 1
	}

	actionJSON, err := json.Marshal(event.Action)
	if err != nil {
		return fmt.Errorf("failed to marshal event action: %w", err)
	}
	envJSON, err := json.Marshal(event.EnvVars)
	if err != nil {
		return fmt.Errorf("failed to marshal env vars: %w", err)
	}
	triggersJSON, err := json.Marshal(event.Triggers)
	if err != nil {
		return fmt.Errorf("failed to marshal triggers: %w", err)
	}
	conditionalsJSON, err := json.Marshal(event.Conditionals)
	if err != nil {
		return fmt.Errorf("failed to marshal conditionals: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (
			id, user_id, name, action_json, env_json, run_location,
			timeout_seconds, max_attempts, triggers_json, conditionals_json, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		event.ID, event.UserID, event.Name, actionJSON, envJSON,
		event.RunLocation, event.TimeoutSeconds, event.MaxAttempts,
		triggersJSON, conditionalsJSON, event.Version,
	)
	if err != nil {
		return err
	}

	for _, serverID := range event.ServerIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_servers (event_id, server_id) VALUES ($1, $2)
		`, event.ID, serverID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Get retrieves an event with its server associations.
func (r *EventRepository) Get(ctx context.Context, id string) (*models.Event, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, action_json, env_json, run_location,
			timeout_seconds, max_attempts, triggers_json, conditionals_json,
			version, created_at, updated_at
		FROM events
		WHERE id = $1
	`, id)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("event %s not found", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT server_id FROM event_servers WHERE event_id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var serverID string
		if err := rows.Scan(&serverID); err != nil {
			return nil, err
		}
		event.ServerIDs = append(event.ServerIDs, serverID)
	}
	return event, rows.Err()
}

// Delete removes an event. Job history and executions cascade with
// it; artifact rows cascade too, their bundles are removed separately.
func (r *EventRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperr.NotFound("event %s not found", id)
	}
	return nil
}

// List returns all events that carry at least one recurring trigger.
// The scheduler uses this to seed its fire-time queue.
func (r *EventRepository) ListScheduled(ctx context.Context) ([]*models.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, action_json, env_json, run_location,
			timeout_seconds, max_attempts, triggers_json, conditionals_json,
			version, created_at, updated_at
		FROM events
		WHERE triggers_json @> '[{"kind":"cron"}]' OR triggers_json @> '[{"kind":"interval"}]'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// SetConditionals replaces an event's conditional actions. Cycle
// validation happens in the scheduler before this is called.
func (r *EventRepository) SetConditionals(ctx context.Context, eventID string, conditionals []models.ConditionalAction) error {
	data, err := json.Marshal(conditionals)
	if err != nil {
		return fmt.Errorf("failed to marshal conditionals: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE events SET conditionals_json = $1, updated_at = now() WHERE id = $2
	`, data, eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("event %s not found", eventID)
	}
	return nil
}

// BumpVersion replaces an event's definition and increments the
// monotonic version so the payload builder produces a fresh artifact.
// Identity, ownership, and conditionals are untouched; server
// associations are replaced with the updated set.
func (r *EventRepository) BumpVersion(ctx context.Context, eventID string, updated *models.Event) (int, error) {
	actionJSON, err := json.Marshal(updated.Action)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event action: %w", err)
	}
	envJSON, err := json.Marshal(updated.EnvVars)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal env vars: %w", err)
	}
	triggersJSON, err := json.Marshal(updated.Triggers)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal triggers: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx, `
		UPDATE events
		SET name = $1, action_json = $2, env_json = $3, run_location = $4,
			timeout_seconds = $5, max_attempts = $6, triggers_json = $7,
			version = version + 1, updated_at = now()
		WHERE id = $8
		RETURNING version
	`, updated.Name, actionJSON, envJSON, updated.RunLocation,
		updated.TimeoutSeconds, updated.MaxAttempts, triggersJSON, eventID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperr.NotFound("event %s not found", eventID)
	}
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM event_servers WHERE event_id = $1`, eventID); err != nil {
		return 0, err
	}
	for _, serverID := range updated.ServerIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_servers (event_id, server_id) VALUES ($1, $2)
		`, eventID, serverID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// GetServers resolves server rows by ID.
func (r *EventRepository) GetServers(ctx context.Context, ids []string) ([]*models.Server, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, host, port, username, created_at
		FROM servers
		WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*models.Server
	for rows.Next() {
		var s models.Server
		if err := rows.Scan(&s.ID, &s.UserID, &s.Name, &s.Host, &s.Port, &s.Username, &s.CreatedAt); err != nil {
			return nil, err
		}
		servers = append(servers, &s)
	}
	return servers, rows.Err()
}

// CreateServer registers a remote secure-shell host.
func (r *EventRepository) CreateServer(ctx context.Context, server *models.Server) error {
	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	if server.Port == 0 {
		server.Port = 22
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO servers (id, user_id, name, host, port, username)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, server.ID, server.UserID, server.Name, server.Host, server.Port, server.Username)
	return err
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var event models.Event
	var actionJSON, envJSON, triggersJSON, conditionalsJSON []byte

	err := row.Scan(
		&event.ID, &event.UserID, &event.Name, &actionJSON, &envJSON,
		&event.RunLocation, &event.TimeoutSeconds, &event.MaxAttempts,
		&triggersJSON, &conditionalsJSON, &event.Version,
		&event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(actionJSON, &event.Action); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event action: %w", err)
	}
	if err := json.Unmarshal(envJSON, &event.EnvVars); err != nil {
		return nil, fmt.Errorf("failed to unmarshal env vars: %w", err)
	}
	if err := json.Unmarshal(triggersJSON, &event.Triggers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal triggers: %w", err)
	}
	if err := json.Unmarshal(conditionalsJSON, &event.Conditionals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditionals: %w", err)
	}

	return &event, nil
}
