package repository

import (
	"context"
	"database/sql"
	"errors"

	"scriptflow/core/models"

	"github.com/google/uuid"
)

// ArtifactRepository handles database operations for artifact metadata.
// The bundles themselves live in the content-addressed store; rows here
// are only recorded after the bundle is durably written.
type ArtifactRepository struct {
	db *DB
}

// NewArtifactRepository creates a new artifact repository.
func NewArtifactRepository(db *DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// Record inserts an artifact row and promotes it to active, demoting
// any prior active artifact for the event in the same transaction.
func (r *ArtifactRepository) Record(ctx context.Context, artifact *models.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE artifacts SET is_active = false WHERE event_id = $1 AND is_active
	`, artifact.EventID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (id, event_id, event_version, path, size_bytes, checksum, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, true)
	`, artifact.ID, artifact.EventID, artifact.EventVersion, artifact.Path,
		artifact.SizeBytes, artifact.Checksum); err != nil {
		return err
	}

	artifact.IsActive = true
	return tx.Commit()
}

// GetByVersion returns the artifact for one (event, version) pair, or
// nil when none has been built yet.
func (r *ArtifactRepository) GetByVersion(ctx context.Context, eventID string, version int) (*models.Artifact, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, event_id, event_version, path, size_bytes, checksum, is_active, created_at
		FROM artifacts
		WHERE event_id = $1 AND event_version = $2
	`, eventID, version)

	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return artifact, err
}

// GetActive returns the event's active artifact, or nil.
func (r *ArtifactRepository) GetActive(ctx context.Context, eventID string) (*models.Artifact, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, event_id, event_version, path, size_bytes, checksum, is_active, created_at
		FROM artifacts
		WHERE event_id = $1 AND is_active
	`, eventID)

	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return artifact, err
}

// ListByEvent returns all artifacts for an event, newest version first.
func (r *ArtifactRepository) ListByEvent(ctx context.Context, eventID string) ([]*models.Artifact, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_id, event_version, path, size_bytes, checksum, is_active, created_at
		FROM artifacts
		WHERE event_id = $1
		ORDER BY event_version DESC
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// Delete removes an artifact row.
func (r *ArtifactRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = $1`, id)
	return err
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var a models.Artifact
	err := row.Scan(&a.ID, &a.EventID, &a.EventVersion, &a.Path, &a.SizeBytes,
		&a.Checksum, &a.IsActive, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
