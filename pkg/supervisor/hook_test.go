package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunHookEmptyCommandNoop(t *testing.T) {
	require.NoError(t, RunHook(context.Background(), "", time.Second, nil))
}

func TestRunHookSuccessWithEnv(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")
	cmd := "echo \"job=$JOB_ID\" > " + outPath
	err := RunHook(context.Background(), cmd, 5*time.Second, map[string]string{"JOB_ID": "job-42"})
	require.NoError(t, err)

	content, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "job=job-42\n", string(content))
}

func TestRunHookFailureReturnsOutput(t *testing.T) {
	err := RunHook(context.Background(), "echo oops-output; exit 3", 5*time.Second, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "oops-output")
}

func TestRunHookTimeout(t *testing.T) {
	err := RunHook(context.Background(), "sleep 5", 10*time.Millisecond, nil)
	require.Error(t, err)
}
