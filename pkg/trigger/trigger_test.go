package trigger

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	require.Equal(t, "", ResolvePath("", "", "/script"))
	require.Equal(t, "/abs/path", ResolvePath("/abs/path", "/ignored", "/script"))
	require.Equal(t, filepath.Join("/base", "rel.txt"), ResolvePath("rel.txt", "/base", "/script"))
	require.Equal(t, filepath.Join("/script", "rel.txt"), ResolvePath("rel.txt", "", "/script"))
}

func TestStartGateDisabledAlwaysArmed(t *testing.T) {
	g := StartGate{}
	require.False(t, g.Enabled())
	require.True(t, g.Armed())
	g.Consume() // no panic on disabled gate
}

func TestStartGateArmedAndConsume(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "start.trigger")
	g := StartGate{Path: path}

	require.True(t, g.Enabled())
	require.False(t, g.Armed())

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	require.True(t, g.Armed())

	g.Consume()
	require.False(t, g.Armed())

	g.Consume() // consuming again is a no-op, not an error
}

func TestPersistentGateFiresOnceAfterTouch(t *testing.T) {
	dir := t.TempDir()
	triggerPath := filepath.Join(dir, "persistent.trigger")
	require.NoError(t, os.WriteFile(triggerPath, nil, 0o644))

	g := PersistentGate{Path: triggerPath, StateDir: filepath.Join(dir, "state")}

	require.True(t, g.ShouldFire())
	g.MarkHandled()
	require.False(t, g.ShouldFire())

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(triggerPath, future, future))
	require.True(t, g.ShouldFire())
}

func TestPersistentGateMissingFileNeverFires(t *testing.T) {
	dir := t.TempDir()
	g := PersistentGate{Path: filepath.Join(dir, "missing"), StateDir: dir}
	require.False(t, g.ShouldFire())
}
