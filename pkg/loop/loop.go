// Package loop implements the single-threaded poller that discovers job
// archives in the drop folder and hands each one to a Supervisor run,
// honoring trigger gates, a parallelism cap, and an optional strict
// single-archive contract.
package loop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dodogabrie/night-worker/pkg/archive"
	"github.com/dodogabrie/night-worker/pkg/config"
	"github.com/dodogabrie/night-worker/pkg/log"
	"github.com/dodogabrie/night-worker/pkg/metrics"
	"github.com/dodogabrie/night-worker/pkg/state"
	"github.com/dodogabrie/night-worker/pkg/trigger"
	"github.com/dodogabrie/night-worker/pkg/types"
	"github.com/rs/zerolog"
)

// Dispatcher runs one job's full supervised lifecycle. In production this is
// a *supervisor.Supervisor method value; tests supply a fake.
type Dispatcher func(ctx context.Context, job types.Job, versionOffset int) (success bool, err error)

// Loop is the top-level poller. It runs single-threaded: one poll cycle must
// finish (including every dispatch it starts synchronously) before the next
// begins, mirroring the source this was ported from.
type Loop struct {
	Cfg        config.Config
	Dirs       state.Dirs
	Dispatch   Dispatcher
	Logger     zerolog.Logger
	startGate  trigger.StartGate
	persistent trigger.PersistentGate

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds a Loop from cfg, resolving each trigger gate's path against its
// configured trigger dir, or scriptDir when that is unset. The persistent
// gate keeps its "last handled" stamp under the configured state dir.
func New(cfg config.Config, dirs state.Dirs, dispatch Dispatcher, scriptDir string) *Loop {
	logger := log.WithComponent("loop")
	return &Loop{
		Cfg:      cfg,
		Dirs:     dirs,
		Dispatch: dispatch,
		Logger:   logger,
		startGate: trigger.StartGate{
			Path: trigger.ResolvePath(cfg.StartTriggerFile, cfg.StartTriggerDir, scriptDir),
		},
		persistent: trigger.PersistentGate{
			Path:     trigger.ResolvePath(cfg.PersistentTriggerFile, cfg.PersistentTriggerDir, scriptDir),
			StateDir: cfg.StateDir,
		},
		stopCh: make(chan struct{}),
	}
}

// Start runs the poll loop until Stop is called or ctx is cancelled.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop halts the poll loop. Safe to call once.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}

func (l *Loop) run(ctx context.Context) {
	interval := time.Duration(l.Cfg.PollSeconds) * time.Second
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := l.tick(ctx); err != nil {
			l.Logger.Error().Err(err).Msg("poll cycle failed")
		}
		select {
		case <-ticker.C:
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs exactly one poll cycle: trigger evaluation, backpressure check,
// archive discovery, and dispatch. Kept separate from run so tests in this
// package can drive single cycles deterministically without waiting on the
// ticker.
func (l *Loop) tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingCycleDuration)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.gatesConfigured() && !l.anyGateArmed() {
		return nil
	}

	running, err := state.RunningCount(l.Dirs)
	if err != nil {
		return fmt.Errorf("count running jobs: %w", err)
	}
	if running >= l.Cfg.MaxParallel {
		return nil
	}

	archives, err := listArchives(l.Cfg.InputDir)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}
	metrics.JobsDiscovered.Add(float64(len(archives)))

	if l.Cfg.StrictSingleZipContract {
		return l.tickStrict(ctx, archives)
	}
	return l.tickNormal(ctx, archives)
}

func (l *Loop) gatesConfigured() bool {
	return l.startGate.Enabled() || l.persistent.Enabled()
}

func (l *Loop) anyGateArmed() bool {
	if l.startGate.Enabled() && l.startGate.Armed() {
		return true
	}
	if l.persistent.Enabled() && l.persistent.ShouldFire() {
		return true
	}
	return false
}

// tickNormal handles the default (non-strict) dispatch branch: claim and run
// each undispatched archive in order, up to the parallelism cap.
func (l *Loop) tickNormal(ctx context.Context, archives []string) error {
	dispatchedAny := false

	for _, zipPath := range archives {
		running, err := state.RunningCount(l.Dirs)
		if err != nil {
			return fmt.Errorf("count running jobs: %w", err)
		}
		if running >= l.Cfg.MaxParallel {
			break
		}

		jobID := jobIDFromZipPath(zipPath)
		if state.IsDone(l.Dirs, jobID) || state.IsFailed(l.Dirs, jobID) {
			continue
		}

		claimed, err := l.claimWithStaleRecovery(jobID, zipPath)
		if err != nil {
			l.Logger.Warn().Err(err).Str("job_id", jobID).Msg("claim attempt failed")
			continue
		}
		if !claimed {
			continue
		}

		metrics.JobsClaimed.Inc()
		dispatchedAny = true
		l.dispatchOne(ctx, jobID, zipPath)
	}

	if l.Cfg.ConsumeTrigger {
		if dispatchedAny || len(archives) == 0 {
			l.startGate.Consume()
		}
	}
	if dispatchedAny {
		l.persistent.MarkHandled()
	}
	return nil
}

// tickStrict handles the strict single-zip-contract branch: the drop folder
// must hold exactly one archive, and no claim link is used since only one
// job at a time runs under this contract.
func (l *Loop) tickStrict(ctx context.Context, archives []string) error {
	if len(archives) == 0 {
		return nil
	}
	if len(archives) > 1 {
		return fmt.Errorf("strict single-zip contract violated: found %d archives in %s", len(archives), l.Cfg.InputDir)
	}

	zipPath := archives[0]
	name := filepath.Base(zipPath)
	if strings.Contains(name, "_v") && !l.Cfg.StrictAllowVersionedInputs {
		return fmt.Errorf("strict single-zip contract violated: versioned input %s not allowed", name)
	}

	jobID := jobIDFromZipPath(zipPath)
	if state.IsDone(l.Dirs, jobID) || state.IsFailed(l.Dirs, jobID) {
		return nil
	}

	l.dispatchOne(ctx, jobID, zipPath)
	if l.Cfg.ConsumeTrigger {
		l.startGate.Consume()
	}
	l.persistent.MarkHandled()
	return nil
}

// claimWithStaleRecovery implements the claim protocol: a symlink that
// already exists without a matching running marker is a stale claim left by
// a crashed process, so it is unlinked and retried exactly once.
func (l *Loop) claimWithStaleRecovery(jobID, zipPath string) (bool, error) {
	claimed, err := state.Claim(l.Dirs, jobID, zipPath)
	if err != nil {
		return false, err
	}
	if claimed {
		return true, nil
	}

	if hasRunningMarker(l.Dirs, jobID) {
		return false, nil
	}

	claimPath := filepath.Join(l.Dirs.Queue(), jobID+".claimed")
	if err := os.Remove(claimPath); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove stale claim: %w", err)
	}
	return state.Claim(l.Dirs, jobID, zipPath)
}

func hasRunningMarker(dirs state.Dirs, jobID string) bool {
	_, err := os.Stat(filepath.Join(dirs.Running(), jobID))
	return err == nil
}

// dispatchOne resolves the resume policy (a prior versioned output takes
// over from the drop-folder archive) and invokes the dispatcher. Dispatch
// errors are swallowed beyond logging: the spec gives non-critical
// filesystem errors this treatment, and a failed dispatch only fails the
// job it ran for.
func (l *Loop) dispatchOne(ctx context.Context, jobID, zipPath string) {
	resumePath, versionOffset, err := archive.LatestVersioned(l.Cfg.SinkOutputDir, jobID)
	if err != nil {
		l.Logger.Warn().Err(err).Str("job_id", jobID).Msg("resume lookup failed, using drop-folder archive")
	}
	inputZip := zipPath
	if resumePath != "" {
		inputZip = resumePath
	}

	job := types.Job{ID: jobID, ZipPath: inputZip, DiscoveredAt: time.Now()}

	success, err := l.Dispatch(ctx, job, versionOffset)
	if err != nil {
		l.Logger.Error().Err(err).Str("job_id", jobID).Msg("dispatch failed")
		metrics.JobsDispatched.WithLabelValues("error").Inc()
	} else if success {
		metrics.JobsDispatched.WithLabelValues("done").Inc()
	} else {
		metrics.JobsDispatched.WithLabelValues("failed").Inc()
	}

	if (err != nil || !success) && l.Cfg.StopLoopOnJobFailure {
		l.Logger.Warn().Str("job_id", jobID).Msg("stopping loop after job failure per stop_loop_on_job_failure")
		select {
		case <-l.stopCh:
		default:
			close(l.stopCh)
		}
	}
}

func jobIDFromZipPath(zipPath string) string {
	name := filepath.Base(zipPath)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// listArchives returns every "*.zip" in dir, lexicographically sorted. A
// missing directory yields an empty list rather than an error.
func listArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".zip") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
