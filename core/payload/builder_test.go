package payload

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"scriptflow/core/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRecords is an in-memory ArtifactRecords with the same active
// semantics as the SQL repository: recording activates the new row and
// demotes the prior active one.
type memRecords struct {
	mu   sync.Mutex
	rows []*models.Artifact
	next int
}

func (m *memRecords) GetByVersion(_ context.Context, eventID string, version int) (*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.EventID == eventID && row.EventVersion == version {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memRecords) GetActive(_ context.Context, eventID string) (*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.EventID == eventID && row.IsActive {
			copied := *row
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memRecords) ListByEvent(_ context.Context, eventID string) ([]*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Newest first, matching the repository ordering.
	var out []*models.Artifact
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].EventID == eventID {
			copied := *m.rows[i]
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memRecords) Record(_ context.Context, artifact *models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.rows {
		if row.EventID == artifact.EventID {
			row.IsActive = false
		}
	}
	m.next++
	artifact.ID = fmt.Sprintf("artifact-%d", m.next)
	artifact.IsActive = true
	copied := *artifact
	m.rows = append(m.rows, &copied)
	return nil
}

func (m *memRecords) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, row := range m.rows {
		if row.ID == id {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func pythonEvent(version int) *models.Event {
	return &models.Event{
		ID:      "event-py",
		Version: version,
		Action: models.EventAction{
			Kind:   models.JobTypeScript,
			Script: &models.ScriptSpec{Kind: models.ScriptKindPython, Content: "print('hello')"},
		},
	}
}

func newTestBuilder(t *testing.T) (*Builder, *memRecords) {
	t.Helper()
	records := &memRecords{}
	store := NewStore(t.TempDir())
	return NewBuilder(store, records, 0, quietLogger()), records
}

func TestGenerateIsIdempotent(t *testing.T) {
	builder, records := newTestBuilder(t)
	env := map[string]string{"GREETING": "hi"}

	first, err := builder.Generate(context.Background(), pythonEvent(1), env)
	require.NoError(t, err)
	second, err := builder.Generate(context.Background(), pythonEvent(1), env)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Checksum, second.Checksum)
	assert.Equal(t, first.Path, second.Path)

	all, err := records.ListByEvent(context.Background(), "event-py")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGenerateRejectsNonScriptEvents(t *testing.T) {
	builder, _ := newTestBuilder(t)
	event := &models.Event{
		ID:     "event-http",
		Action: models.EventAction{Kind: models.JobTypeHTTP, HTTP: &models.HTTPSpec{URL: "https://example.com"}},
	}
	_, err := builder.Generate(context.Background(), event, nil)
	require.Error(t, err)
}

func TestGenerateNewVersionGetsActive(t *testing.T) {
	builder, records := newTestBuilder(t)

	v1, err := builder.Generate(context.Background(), pythonEvent(1), nil)
	require.NoError(t, err)

	v2Event := pythonEvent(2)
	v2Event.Action.Script.Content = "print('changed')"
	v2, err := builder.Generate(context.Background(), v2Event, nil)
	require.NoError(t, err)

	assert.NotEqual(t, v1.Checksum, v2.Checksum)

	active, err := records.GetActive(context.Background(), "event-py")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v2.ID, active.ID)
}

func TestGenerateReplacesDriftedContent(t *testing.T) {
	builder, records := newTestBuilder(t)

	stale, err := builder.Generate(context.Background(), pythonEvent(1), nil)
	require.NoError(t, err)

	// Content changed but the version did not move. The stale bundle
	// must never be served.
	drifted := pythonEvent(1)
	drifted.Action.Script.Content = "print('rewritten')"
	fresh, err := builder.Generate(context.Background(), drifted, nil)
	require.NoError(t, err)

	assert.NotEqual(t, stale.Checksum, fresh.Checksum)
	require.NoError(t, builder.store.Verify(fresh.Path, fresh.Checksum))

	all, err := records.ListByEvent(context.Background(), "event-py")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, fresh.Checksum, all[0].Checksum)
}

func TestActiveFollowsLatestBuild(t *testing.T) {
	builder, _ := newTestBuilder(t)

	active, err := builder.Active(context.Background(), "event-py")
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = builder.Generate(context.Background(), pythonEvent(1), nil)
	require.NoError(t, err)

	v2Event := pythonEvent(2)
	v2Event.Action.Script.Content = "print('v2')"
	v2, err := builder.Generate(context.Background(), v2Event, nil)
	require.NoError(t, err)

	active, err = builder.Active(context.Background(), "event-py")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v2.ID, active.ID)
}

func TestGenerateRebuildsCorruptedBundle(t *testing.T) {
	builder, _ := newTestBuilder(t)

	artifact, err := builder.Generate(context.Background(), pythonEvent(1), nil)
	require.NoError(t, err)

	// Corrupt the stored bundle under the recorded checksum.
	require.NoError(t, os.WriteFile(artifact.Path, []byte("garbage"), 0o644))

	rebuilt, err := builder.Generate(context.Background(), pythonEvent(1), nil)
	require.NoError(t, err)
	assert.Equal(t, artifact.Checksum, rebuilt.Checksum)

	// The bundle on disk verifies again.
	require.NoError(t, builder.store.Verify(rebuilt.Path, rebuilt.Checksum))
}

func TestRemoveOldKeepsActive(t *testing.T) {
	builder, records := newTestBuilder(t)

	for version := 1; version <= 3; version++ {
		event := pythonEvent(version)
		event.Action.Script.Content = fmt.Sprintf("print(%d)", version)
		_, err := builder.Generate(context.Background(), event, nil)
		require.NoError(t, err)
	}

	require.NoError(t, builder.RemoveOld(context.Background(), "event-py", 1))

	remaining, err := records.ListByEvent(context.Background(), "event-py")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].IsActive)
	assert.Equal(t, 3, remaining[0].EventVersion)
}

func TestGeneratePrunesWhenRetentionConfigured(t *testing.T) {
	records := &memRecords{}
	store := NewStore(t.TempDir())
	builder := NewBuilder(store, records, 2, quietLogger())

	for version := 1; version <= 4; version++ {
		event := pythonEvent(version)
		event.Action.Script.Content = fmt.Sprintf("print(%d)", version)
		_, err := builder.Generate(context.Background(), event, nil)
		require.NoError(t, err)
	}

	remaining, err := records.ListByEvent(context.Background(), "event-py")
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, 4, remaining[0].EventVersion)
	assert.Equal(t, 3, remaining[1].EventVersion)
}

func TestRemoveOldRejectsZeroKeep(t *testing.T) {
	builder, _ := newTestBuilder(t)
	require.Error(t, builder.RemoveOld(context.Background(), "event-py", 0))
}

func TestCleanupEventRemovesEverything(t *testing.T) {
	builder, records := newTestBuilder(t)

	artifact, err := builder.Generate(context.Background(), pythonEvent(1), nil)
	require.NoError(t, err)

	require.NoError(t, builder.CleanupEvent(context.Background(), "event-py"))

	remaining, err := records.ListByEvent(context.Background(), "event-py")
	require.NoError(t, err)
	assert.Empty(t, remaining)
	_, err = os.Stat(artifact.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestBuildBundleIsDeterministic(t *testing.T) {
	env := map[string]string{"A": "1", "B": "2"}

	first, err := buildBundle(pythonEvent(1), env)
	require.NoError(t, err)
	second, err := buildBundle(pythonEvent(1), env)
	require.NoError(t, err)

	assert.Equal(t, Checksum(first), Checksum(second))
	assert.Equal(t, first, second)
}
