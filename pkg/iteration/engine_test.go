package iteration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/dodogabrie/night-worker/pkg/archive"
	"github.com/dodogabrie/night-worker/pkg/config"
	"github.com/dodogabrie/night-worker/pkg/types"
	"github.com/stretchr/testify/require"
)

func buildInputZip(t *testing.T, dir string) string {
	t.Helper()
	srcDir := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "README.md"), []byte("hello\n"), 0o644))

	zipPath := filepath.Join(dir, "job-1.zip")
	require.NoError(t, archive.WriteZip(srcDir, zipPath))
	return zipPath
}

// fakeAssistant writes an executable script that drains stdin (so the real
// prompt text, which always contains the configured complete signal in its
// own instructions, is never echoed back) and prints exactly output.
func fakeAssistant(t *testing.T, dir, output string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-assistant.sh")
	script := fmt.Sprintf("#!/bin/sh\ncat >/dev/null\nprintf '%%s\\n' %q\n", output)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// fakeFailingAssistant writes an executable script that drains stdin, prints
// output, and exits with rc. Used to simulate a transient upstream failure.
func fakeFailingAssistant(t *testing.T, dir, output string, rc int) string {
	t.Helper()
	path := filepath.Join(dir, "fake-failing-assistant.sh")
	script := fmt.Sprintf("#!/bin/sh\ncat >/dev/null\nprintf '%%s\\n' %q\nexit %d\n", output, rc)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func baseConfig() config.Config {
	return config.Config{
		MaxIterations:                 3,
		MaxSeconds:                    3600,
		IterTimeoutSeconds:            5,
		SoftStopMarginSeconds:         0,
		ClaudeArgs:                    "",
		ClaudeInputMode:               "stdin",
		CompleteSignal:                "RALPH_COMPLETE",
		MaxConsecutiveTransientErrors: 4,
		TransientBackoffSeconds:       0,
		NextInstructionFile:           "next_instruction.txt",
	}
}

func TestRunClassicCompletesOnSignal(t *testing.T) {
	dir := t.TempDir()
	inputZip := buildInputZip(t, dir)
	outputDir := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	cfg := baseConfig()
	cfg.ClaudeCmd = fakeAssistant(t, dir, "work log\nRALPH_COMPLETE\n")

	e := &Engine{
		JobID:      "job-1",
		Cfg:        cfg,
		Paths:      NewWorkPaths(filepath.Join(dir, "work")),
		TaskPrompt: "do the task",
	}

	res, err := e.RunClassic(context.Background(), inputZip, outputDir)
	require.NoError(t, err)
	require.Equal(t, "done", res.Status)
	require.Equal(t, 1, res.Iterations)

	_, err = os.Stat(res.ArchivePath)
	require.NoError(t, err)

	status, err := os.ReadFile(filepath.Join(outputDir, "job-1.status"))
	require.NoError(t, err)
	require.Equal(t, "done\n", string(status))
}

func TestRunClassicStopsAtIterationCap(t *testing.T) {
	dir := t.TempDir()
	inputZip := buildInputZip(t, dir)
	outputDir := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	cfg := baseConfig()
	cfg.MaxIterations = 2
	cfg.ClaudeCmd = fakeAssistant(t, dir, "still working, nothing special here\n")

	e := &Engine{
		JobID:      "job-2",
		Cfg:        cfg,
		Paths:      NewWorkPaths(filepath.Join(dir, "work")),
		TaskPrompt: "do the task",
	}

	res, err := e.RunClassic(context.Background(), inputZip, outputDir)
	require.NoError(t, err)
	require.Equal(t, "stopped_iteration_cap", res.Status)
	require.Equal(t, 2, res.Iterations)
}

func TestRunClassicFailsAfterTooManyConsecutiveTransientErrors(t *testing.T) {
	dir := t.TempDir()
	inputZip := buildInputZip(t, dir)
	outputDir := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	cfg := baseConfig()
	cfg.MaxIterations = 10
	cfg.MaxConsecutiveTransientErrors = 3
	cfg.ClaudeCmd = fakeFailingAssistant(t, dir, "upstream error: status code 503", 1)

	e := &Engine{
		JobID:      "job-transient",
		Cfg:        cfg,
		Paths:      NewWorkPaths(filepath.Join(dir, "work")),
		TaskPrompt: "do the task",
	}

	res, err := e.RunClassic(context.Background(), inputZip, outputDir)
	require.NoError(t, err)
	require.Equal(t, "failed", res.Status)
	require.Equal(t, types.StopReasonTransient, res.StopReason)
	require.Equal(t, 3, res.Iterations)

	status, err := os.ReadFile(filepath.Join(outputDir, "job-transient.status"))
	require.NoError(t, err)
	require.Equal(t, "failed\n", string(status))

	extractDir := filepath.Join(dir, "extracted")
	require.NoError(t, archive.ExtractFlat(res.ArchivePath, extractDir))
	metadata, err := os.ReadFile(filepath.Join(extractDir, "metadata.txt"))
	require.NoError(t, err)
	require.Contains(t, string(metadata), "status=failed\n")
	require.Contains(t, string(metadata), "stop_reason=too_many_transient_errors\n")
}

func TestRunZipChainProducesVersionedArchives(t *testing.T) {
	dir := t.TempDir()
	inputZip := buildInputZip(t, dir)
	outputDir := filepath.Join(dir, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	cfg := baseConfig()
	cfg.ClaudeCmd = fakeAssistant(t, dir, "RALPH_COMPLETE\n")

	e := &Engine{
		JobID:      "job-3",
		Cfg:        cfg,
		Paths:      NewWorkPaths(filepath.Join(dir, "work")),
		TaskPrompt: "do the task",
	}

	res, err := e.RunZipChain(context.Background(), inputZip, outputDir, 0)
	require.NoError(t, err)
	require.Equal(t, "done", res.Status)
	require.Equal(t, 1, res.Iterations)

	_, err = os.Stat(filepath.Join(outputDir, "job-3_v1.zip"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(outputDir, "job-3_v1.status"))
	require.NoError(t, err)
}
