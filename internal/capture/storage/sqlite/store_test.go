package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "capture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionEventsRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	started := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordSessionStart("session-a", started))
	require.NoError(t, store.RecordEvent("session-a", "locked",
		map[string]any{"stability": 19}, started.Add(2*time.Second)))
	require.NoError(t, store.RecordEvent("session-a", "captured", nil,
		started.Add(3*time.Second)))

	events, err := store.SessionEvents("session-a")
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "locked", events[0].Kind)
	assert.JSONEq(t, `{"stability":19}`, events[0].Payload)
	assert.Equal(t, "captured", events[1].Kind)
	assert.Equal(t, "{}", events[1].Payload)
}

func TestSessionEventsEmptyForUnknownSession(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	events, err := store.SessionEvents("nope")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPruneSessionsRemovesOldSessionsAndEvents(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordSessionStart("old", now.Add(-48*time.Hour)))
	require.NoError(t, store.RecordEvent("old", "locked", nil, now.Add(-48*time.Hour)))
	require.NoError(t, store.RecordSessionStart("fresh", now.Add(-time.Hour)))
	require.NoError(t, store.RecordEvent("fresh", "locked", nil, now.Add(-time.Hour)))

	pruned, err := store.PruneSessions(24*time.Hour, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	events, err := store.SessionEvents("old")
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = store.SessionEvents("fresh")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecordSessionStartDuplicateFails(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	now := time.Now()
	require.NoError(t, store.RecordSessionStart("dup", now))
	assert.Error(t, store.RecordSessionStart("dup", now))
}
