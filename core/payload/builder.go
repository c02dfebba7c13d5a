// Package payload turns an event's executable content into versioned,
// checksummed bundles and manages their lifecycle in a
// content-addressed store.
package payload

import (
	"context"
	"fmt"

	"scriptflow/core/models"
	"scriptflow/pkg/apperr"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ArtifactRecords is the metadata surface the builder needs. Rows are
// only recorded after the bundle is durably stored.
type ArtifactRecords interface {
	GetByVersion(ctx context.Context, eventID string, version int) (*models.Artifact, error)
	GetActive(ctx context.Context, eventID string) (*models.Artifact, error)
	ListByEvent(ctx context.Context, eventID string) ([]*models.Artifact, error)
	Record(ctx context.Context, artifact *models.Artifact) error
	Delete(ctx context.Context, id string) error
}

// Builder builds and retires payload artifacts.
type Builder struct {
	store   *Store
	records ArtifactRecords
	retain  int
	group   singleflight.Group
	log     *logrus.Logger
}

// NewBuilder creates a payload builder. retain is how many artifacts
// to keep per event after each build; zero disables pruning.
func NewBuilder(store *Store, records ArtifactRecords, retain int, log *logrus.Logger) *Builder {
	return &Builder{store: store, records: records, retain: retain, log: log}
}

// Generate returns the artifact for the event's current version,
// building it only when no valid one exists. Calling it again with
// unchanged content and env yields the same artifact: same row, same
// checksum. A content or env change replaces the stored artifact even
// when the version did not move. A stored bundle that fails its
// checksum is rebuilt, never served. Concurrent generates for one
// event collapse into one build.
func (b *Builder) Generate(ctx context.Context, event *models.Event, env map[string]string) (*models.Artifact, error) {
	if event.Action.Kind != models.JobTypeScript || event.Action.Script == nil {
		return nil, apperr.Validation("event %s has no script payload to build", event.ID)
	}

	result, err, _ := b.group.Do(event.ID, func() (any, error) {
		return b.generate(ctx, event, env)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.Artifact), nil
}

func (b *Builder) generate(ctx context.Context, event *models.Event, env map[string]string) (*models.Artifact, error) {
	existing, err := b.records.GetByVersion(ctx, event.ID, event.Version)
	if err != nil {
		return nil, err
	}

	bundle, err := buildBundle(event, env)
	if err != nil {
		return nil, err
	}
	checksum := Checksum(bundle)

	if existing != nil && existing.Checksum == checksum {
		if err := b.store.Verify(existing.Path, existing.Checksum); err == nil {
			return existing, nil
		}
		b.log.WithFields(logrus.Fields{
			"eventId":  event.ID,
			"version":  event.Version,
			"artifact": existing.ID,
		}).Warn("Stored bundle failed verification, rebuilding")
		// The row is still valid; restore the bundle at its content
		// address.
		if _, err := b.store.Put(event.ID, checksum, bundle); err != nil {
			return nil, err
		}
		return existing, nil
	}

	path, err := b.store.Put(event.ID, checksum, bundle)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		// Content drifted under an unchanged version. Drop the stale
		// row so the fresh bundle can be recorded.
		if err := b.records.Delete(ctx, existing.ID); err != nil {
			return nil, err
		}
		if err := b.store.Remove(existing.Path); err != nil {
			b.log.WithError(err).WithField("path", existing.Path).Warn("Failed to remove stale bundle")
		}
	}

	artifact := &models.Artifact{
		EventID:      event.ID,
		EventVersion: event.Version,
		Path:         path,
		SizeBytes:    int64(len(bundle)),
		Checksum:     checksum,
	}
	if err := b.records.Record(ctx, artifact); err != nil {
		return nil, fmt.Errorf("failed to record artifact: %w", err)
	}

	b.log.WithFields(logrus.Fields{
		"eventId":  event.ID,
		"version":  event.Version,
		"checksum": checksum,
		"bytes":    artifact.SizeBytes,
	}).Info("Payload artifact built")

	if b.retain > 0 {
		if err := b.RemoveOld(ctx, event.ID, b.retain); err != nil {
			b.log.WithError(err).WithField("eventId", event.ID).Warn("Failed to prune retired artifacts")
		}
	}

	return artifact, nil
}

// Active returns the artifact the event currently executes from, or
// nil when none has been built yet.
func (b *Builder) Active(ctx context.Context, eventID string) (*models.Artifact, error) {
	return b.records.GetActive(ctx, eventID)
}

// RemoveOld deletes all but the keep most recent artifacts for an
// event. The active artifact survives regardless of age.
func (b *Builder) RemoveOld(ctx context.Context, eventID string, keep int) error {
	if keep < 1 {
		return apperr.Validation("retention must keep at least one artifact")
	}

	artifacts, err := b.records.ListByEvent(ctx, eventID)
	if err != nil {
		return err
	}

	// ListByEvent returns newest first.
	for i, artifact := range artifacts {
		if i < keep || artifact.IsActive {
			continue
		}
		if err := b.records.Delete(ctx, artifact.ID); err != nil {
			return err
		}
		if err := b.store.Remove(artifact.Path); err != nil {
			b.log.WithError(err).WithField("path", artifact.Path).Warn("Failed to remove retired bundle")
		}
	}
	return nil
}

// CleanupEvent removes every artifact for a deleted event.
func (b *Builder) CleanupEvent(ctx context.Context, eventID string) error {
	artifacts, err := b.records.ListByEvent(ctx, eventID)
	if err != nil {
		return err
	}
	for _, artifact := range artifacts {
		if err := b.records.Delete(ctx, artifact.ID); err != nil {
			return err
		}
	}
	return b.store.RemoveEvent(eventID)
}
