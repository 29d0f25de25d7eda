package eventlog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendAndForJobOrdering(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	j, err := Open(dbPath)
	require.NoError(t, err)
	defer j.Close()

	now := time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC)
	require.NoError(t, j.Append(Entry{JobID: "job-1", Kind: "claimed", Timestamp: now}))
	require.NoError(t, j.Append(Entry{JobID: "job-2", Kind: "claimed", Timestamp: now}))
	require.NoError(t, j.Append(Entry{JobID: "job-1", Kind: "running", Timestamp: now.Add(time.Second)}))
	require.NoError(t, j.Append(Entry{JobID: "job-1", Kind: "done", Timestamp: now.Add(2 * time.Second)}))

	entries, err := j.ForJob("job-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "claimed", entries[0].Kind)
	require.Equal(t, "running", entries[1].Kind)
	require.Equal(t, "done", entries[2].Kind)
}

func TestForJobUnknownReturnsEmpty(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")
	j, err := Open(dbPath)
	require.NoError(t, err)
	defer j.Close()

	entries, err := j.ForJob("nonexistent")
	require.NoError(t, err)
	require.Empty(t, entries)
}
