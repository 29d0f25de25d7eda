// Package supervisor drives one job's end-to-end execution on one host: it
// provisions a per-job workspace, launches the sandbox container, streams
// logs and artifacts to the sink while the container runs, classifies the
// outcome, and places the terminal marker.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dodogabrie/night-worker/pkg/archive"
	"github.com/dodogabrie/night-worker/pkg/config"
	"github.com/dodogabrie/night-worker/pkg/eventlog"
	"github.com/dodogabrie/night-worker/pkg/metrics"
	"github.com/dodogabrie/night-worker/pkg/runtime"
	"github.com/dodogabrie/night-worker/pkg/state"
	"github.com/dodogabrie/night-worker/pkg/timefmt"
	"github.com/dodogabrie/night-worker/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sandbox is the subset of ContainerdSandbox the supervisor depends on,
// narrowed to an interface so tests can run without a real containerd
// socket.
type Sandbox interface {
	PullImage(ctx context.Context, imageRef string) error
	Launch(ctx context.Context, spec runtime.LaunchSpec) (string, error)
	Wait(ctx context.Context, containerID string) (uint32, error)
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
}

// Supervisor runs one job at a time; the Loop serializes calls to Run
// according to its parallelism cap.
type Supervisor struct {
	Cfg     config.Config
	Sandbox Sandbox
	Dirs    state.Dirs
	Journal *eventlog.Journal // optional
	Logger  zerolog.Logger
}

type workPaths struct {
	root      string
	inputDir  string
	outputDir string
	tmpDir    string
	logsDir   string
}

func newWorkPaths(workDirRoot, jobID string) workPaths {
	root := filepath.Join(workDirRoot, jobID)
	return workPaths{
		root:      root,
		inputDir:  filepath.Join(root, "input"),
		outputDir: filepath.Join(root, "output"),
		tmpDir:    filepath.Join(root, "tmp"),
		logsDir:   filepath.Join(root, "tmp", "logs"),
	}
}

// Result summarizes one completed (or failed-to-start) job run.
type Result struct {
	Success    bool
	ExitCode   uint32
	Iterations int
	Elapsed    time.Duration
	WorkerStatus string
}

// Run executes the full per-job lifecycle described by the supervisor
// responsibility. It always attempts to reach the final-marker step, even
// when an earlier stage fails.
func (s *Supervisor) Run(ctx context.Context, job types.Job, versionOffset int) (Result, error) {
	logger := s.Logger.With().Str("job_id", job.ID).Logger()
	paths := newWorkPaths(s.Cfg.WorkDir, job.ID)

	if err := s.provisionWorkspace(paths); err != nil {
		s.appendEvent(job.ID, "provision_failed", err.Error())
		_ = state.MarkFailed(s.Dirs, job.ID)
		return Result{}, fmt.Errorf("provision workspace: %w", err)
	}

	inputZipInContainer := filepath.Join(paths.inputDir, "input.zip")
	if err := atomicCopy(job.ZipPath, inputZipInContainer); err != nil {
		logger.Error().Err(err).Msg("stage input failed")
		s.appendEvent(job.ID, "stage_input_failed", err.Error())
		_ = state.MarkFailed(s.Dirs, job.ID)
		return Result{}, fmt.Errorf("stage input: %w", err)
	}

	if err := state.MarkRunning(s.Dirs, job.ID); err != nil {
		_ = state.MarkFailed(s.Dirs, job.ID)
		return Result{}, fmt.Errorf("mark running: %w", err)
	}
	s.appendEvent(job.ID, "running", "")
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()

	launchTimer := metrics.NewTimer()
	spec := s.buildLaunchSpec(job, paths, versionOffset)
	if err := s.Sandbox.PullImage(ctx, spec.Image); err != nil {
		logger.Warn().Err(err).Msg("pull image failed, attempting launch with local image")
	}
	containerID, err := s.Sandbox.Launch(ctx, spec)
	launchTimer.ObserveDuration(metrics.SandboxLaunchDuration)
	if err != nil {
		_ = state.ClearRunning(s.Dirs, job.ID)
		_ = state.MarkFailed(s.Dirs, job.ID)
		s.appendEvent(job.ID, "launch_failed", err.Error())
		return Result{}, fmt.Errorf("launch sandbox: %w", err)
	}

	startedAt := time.Now()
	offsets := map[string]int64{}
	synced := map[string]struct{}{}
	stopSync := make(chan struct{})
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		s.syncLoop(job.ID, paths, offsets, synced, startedAt, stopSync)
	}()

	rc, waitErr := s.Sandbox.Wait(ctx, containerID)
	close(stopSync)
	<-syncDone
	_ = s.Sandbox.Remove(ctx, containerID)

	if waitErr != nil {
		logger.Error().Err(waitErr).Msg("sandbox wait error")
	}
	elapsed := time.Since(startedAt)

	// Final sync pass, continuing from the sync loop's cursors.
	s.syncTickWithState(job.ID, paths, offsets, synced, startedAt)
	_ = SyncOutputStatusFiles(paths.outputDir, s.Cfg.SinkOutputDir, logger)

	workerStatus := readWorkerStatus(filepath.Join(paths.outputDir, job.ID+".status"))
	success := rc == 0 && workerStatus != "failed"
	iterations := countIterLogs(paths.logsDir)

	if success {
		_ = state.ClearRunning(s.Dirs, job.ID)
		_ = state.MarkDone(s.Dirs, job.ID)
		s.appendEvent(job.ID, "done", workerStatus)
	} else {
		_ = state.ClearRunning(s.Dirs, job.ID)
		if s.Cfg.KeepFailedMarker {
			_ = state.MarkFailed(s.Dirs, job.ID)
		} else {
			_ = removeFailedMarker(s.Dirs, job.ID)
		}
		s.appendEvent(job.ID, "failed", fmt.Sprintf("rc=%d worker_status=%s", rc, workerStatus))
	}
	metrics.JobDuration.WithLabelValues(finalStatusLabel(success)).Observe(elapsed.Seconds())

	if err := writeFinalStatusLine(s.Cfg.SinkLogDir, job.ID, success, rc, iterations, elapsed, workerStatus); err != nil {
		logger.Warn().Err(err).Msg("write final status line failed")
	}

	s.runPostSyncHook(ctx, job.ID, logger)
	s.cleanup(paths, success, logger)

	return Result{Success: success, ExitCode: rc, Iterations: iterations, Elapsed: elapsed, WorkerStatus: workerStatus}, nil
}

func (s *Supervisor) provisionWorkspace(p workPaths) error {
	for _, dir := range []string{p.inputDir, p.outputDir, p.tmpDir} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
		// The sandbox runs as a non-root user; widen access explicitly since
		// MkdirAll respects umask.
		_ = os.Chmod(dir, 0o777)
	}
	return nil
}

func (s *Supervisor) buildLaunchSpec(job types.Job, p workPaths, versionOffset int) runtime.LaunchSpec {
	zipChain := "0"
	if job.ZipChain {
		zipChain = "1"
	}
	maxIters := job.MaxIters
	if maxIters == 0 {
		maxIters = s.Cfg.MaxIterations
	}

	env := []string{
		"JOB_ID=" + job.ID,
		"INPUT_ZIP=/job/input.zip",
		"OUTPUT_DIR=/job/output",
		"TASK_PROMPT_FILE=/job/task_prompt.txt",
		"MAX_ITERATIONS=" + strconv.Itoa(maxIters),
		"MAX_SECONDS=" + strconv.Itoa(s.Cfg.MaxSeconds),
		"ITER_TIMEOUT_SECONDS=" + strconv.Itoa(s.Cfg.IterTimeoutSeconds),
		"SOFT_STOP_MARGIN_SECONDS=" + strconv.Itoa(s.Cfg.SoftStopMarginSeconds),
		"CLAUDE_CMD=" + s.Cfg.ClaudeCmd,
		"CLAUDE_ARGS=" + s.Cfg.ClaudeArgs,
		"CLAUDE_INPUT_MODE=" + s.Cfg.ClaudeInputMode,
		"COMPLETE_SIGNAL=" + s.Cfg.CompleteSignal,
		"MAX_CONSECUTIVE_TRANSIENT_ERRORS=" + strconv.Itoa(s.Cfg.MaxConsecutiveTransientErrors),
		"TRANSIENT_BACKOFF_SECONDS=" + strconv.Itoa(s.Cfg.TransientBackoffSeconds),
		"ZIP_CHAIN_MODE=" + zipChain,
		"NEXT_INSTRUCTION_FILE=" + s.Cfg.NextInstructionFile,
		"PRD_FILE=" + s.Cfg.PRDFile,
		"PROGRESS_FILE=" + s.Cfg.ProgressFile,
		"VERSION_OFFSET=" + strconv.Itoa(versionOffset),
		"EXTERNAL_LOG_DIR=" + s.Cfg.ExternalLogDir,
	}

	// A short uuid suffix keeps retried/resumed runs of the same job from
	// colliding with a prior container slot that Remove failed to clear.
	return runtime.LaunchSpec{
		ContainerID: "night-worker-" + job.ID + "-" + uuid.NewString()[:8],
		Image:       s.Cfg.SandboxImage,
		Env:         env,
		Mounts: []runtime.Mount{
			{Source: filepath.Join(p.inputDir, "input.zip"), Destination: "/job/input.zip", ReadOnly: true},
			{Source: s.Cfg.TaskPromptFile, Destination: "/job/task_prompt.txt", ReadOnly: true},
			{Source: p.outputDir, Destination: "/job/output"},
			{Source: p.tmpDir, Destination: "/tmp/work"},
		},
	}
}

// syncLoop runs the concurrent log/artifact sync tick on LogSyncSeconds
// cadence until stop is closed.
func (s *Supervisor) syncLoop(jobID string, p workPaths, offsets map[string]int64, synced map[string]struct{}, startedAt time.Time, stop <-chan struct{}) {
	interval := time.Duration(s.Cfg.LogSyncSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.syncTickWithState(jobID, p, offsets, synced, startedAt)
		case <-stop:
			return
		}
	}
}

func (s *Supervisor) syncTickWithState(jobID string, p workPaths, offsets map[string]int64, synced map[string]struct{}, startedAt time.Time) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncTickDuration)

	combinedLog := filepath.Join(s.Cfg.SinkLogDir, jobID+".log")
	if err := SyncIterLogs(p.logsDir, combinedLog, offsets, s.Logger); err != nil {
		s.Logger.Warn().Err(err).Str("job_id", jobID).Msg("iteration log sync failed")
	}

	count := countIterLogs(p.logsDir)
	statusLine := fmt.Sprintf("running | iter %d | elapsed %s\n", count, timefmt.Elapsed(time.Since(startedAt)))
	statusPath := filepath.Join(s.Cfg.SinkLogDir, jobID+".status")
	if err := os.MkdirAll(s.Cfg.SinkLogDir, 0o755); err == nil {
		_ = os.WriteFile(statusPath, []byte(statusLine), 0o644)
	}

	if err := SyncOutputZips(p.outputDir, s.Cfg.SinkOutputDir, synced, s.Logger); err != nil {
		s.Logger.Warn().Err(err).Str("job_id", jobID).Msg("output archive sync failed")
	}
}

func (s *Supervisor) runPostSyncHook(ctx context.Context, jobID string, logger zerolog.Logger) {
	if s.Cfg.PostSyncHookCmd == "" {
		return
	}
	timeout := time.Duration(s.Cfg.PostSyncHookTimeoutSeconds) * time.Second
	if err := RunHook(ctx, s.Cfg.PostSyncHookCmd, timeout, map[string]string{
		"JOB_ID":        jobID,
		"NC_OUTPUT_DIR": s.Cfg.SinkOutputDir,
		"NC_LOG_DIR":    s.Cfg.SinkLogDir,
	}); err != nil {
		logger.Warn().Err(err).Msg("post-sync hook failed")
	}
}

func (s *Supervisor) cleanup(p workPaths, success bool, logger zerolog.Logger) {
	switch s.Cfg.KeepWorkDir {
	case "always":
		return
	case "never":
	default: // on_failure
		if !success {
			return
		}
	}
	if err := os.RemoveAll(p.root); err != nil {
		logger.Warn().Err(err).Msg("cleanup work dir failed")
	}
}

func (s *Supervisor) appendEvent(jobID, kind, detail string) {
	if s.Journal == nil {
		return
	}
	_ = s.Journal.Append(eventlog.Entry{JobID: jobID, Kind: kind, Detail: detail, Timestamp: time.Now()})
}

func atomicCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := archive.CopyFileAtomic(src, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

func readWorkerStatus(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(string(data)))
}

func countIterLogs(logsDir string) int {
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "iter-") && strings.HasSuffix(e.Name(), ".log") {
			n++
		}
	}
	return n
}

func removeFailedMarker(dirs state.Dirs, jobID string) error {
	path := filepath.Join(dirs.Failed(), jobID)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func finalStatusLabel(success bool) string {
	if success {
		return "done"
	}
	return "failed"
}

func writeFinalStatusLine(sinkLogDir, jobID string, success bool, rc uint32, iterations int, elapsed time.Duration, workerStatus string) error {
	if err := os.MkdirAll(sinkLogDir, 0o755); err != nil {
		return err
	}
	var line string
	if success {
		line = fmt.Sprintf("done | %d iterations, %s\n", iterations, timefmt.Elapsed(elapsed))
	} else {
		line = fmt.Sprintf("failed (rc=%d) | iter %d, %s, worker_status=%s\n", rc, iterations, timefmt.Elapsed(elapsed), workerStatus)
	}
	return os.WriteFile(filepath.Join(sinkLogDir, jobID+".status"), []byte(line), 0o644)
}
