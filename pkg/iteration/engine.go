// Package iteration implements the in-sandbox bounded loop that drives an
// external assistant process across multiple iterations, classifying its
// output and emitting result archives.
package iteration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dodogabrie/night-worker/pkg/archive"
	"github.com/dodogabrie/night-worker/pkg/classify"
	"github.com/dodogabrie/night-worker/pkg/config"
	"github.com/dodogabrie/night-worker/pkg/types"
	"github.com/rs/zerolog"
)

// splitArgs performs a minimal POSIX-ish shell word split on CLAUDE_ARGS,
// honoring single and double quotes. There is no corpus-provided shlex
// equivalent, and CLAUDE_ARGS is operator-controlled config rather than
// untrusted input, so a small local splitter is used instead of pulling in
// an out-of-pack dependency for one field.
func splitArgs(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	var quote rune
	inWord := false

	flush := func() {
		if inWord {
			args = append(args, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			flush()
		default:
			inWord = true
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in CLAUDE_ARGS")
	}
	flush()
	return args, nil
}

// WorkPaths lays out the sandbox-local directories the engine operates on.
type WorkPaths struct {
	Root          string
	ProjectDir    string
	LogDir        string
	ResultStaging string
	ScratchDir    string
}

// NewWorkPaths derives the standard layout rooted at root.
func NewWorkPaths(root string) WorkPaths {
	return WorkPaths{
		Root:          root,
		ProjectDir:    filepath.Join(root, "project"),
		LogDir:        filepath.Join(root, "logs"),
		ResultStaging: filepath.Join(root, "result"),
		ScratchDir:    filepath.Join(root, "extract"),
	}
}

// EnsureDirs creates every directory in the layout.
func (w WorkPaths) EnsureDirs() error {
	for _, dir := range []string{w.ProjectDir, w.LogDir, w.ResultStaging, w.ScratchDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create work dir %s: %w", dir, err)
		}
	}
	return nil
}

// Engine drives one job's bounded iteration loop.
type Engine struct {
	JobID      string
	Cfg        config.Config
	Paths      WorkPaths
	TaskPrompt string
	Logger     zerolog.Logger
}

// runIteration executes one call to the assistant process, capturing its
// combined stdout/stderr into logs/iter-<n>.log, and returns its exit code.
// A process that exceeds iterTimeout reports exit code 124, matching the
// timeout-signaling convention this was ported from.
func (e *Engine) runIteration(ctx context.Context, iteration int, promptText string) (int, error) {
	iterLog := filepath.Join(e.Paths.LogDir, fmt.Sprintf("iter-%d.log", iteration))
	e.Logger.Info().Int("iteration", iteration).Msg("iteration starting")

	args, err := splitArgs(e.Cfg.ClaudeArgs)
	if err != nil {
		return 0, fmt.Errorf("parse CLAUDE_ARGS: %w", err)
	}
	if e.Cfg.ClaudeInputMode != "stdin" {
		args = append(args, "-p", promptText)
	}

	timeout := time.Duration(e.Cfg.IterTimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.Cfg.ClaudeCmd, args...)
	cmd.Dir = e.Paths.ProjectDir
	if e.Cfg.ClaudeInputMode == "stdin" {
		cmd.Stdin = strings.NewReader(promptText)
	}

	logFile, err := os.Create(iterLog)
	if err != nil {
		return 0, fmt.Errorf("create iteration log: %w", err)
	}
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	runErr := cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		e.Logger.Warn().Int("iteration", iteration).Msg("iteration timed out")
		return 124, nil
	}
	if runErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("run iteration %d: %w", iteration, runErr)
}

func (e *Engine) readIterLog(iteration int) []byte {
	data, _ := os.ReadFile(filepath.Join(e.Paths.LogDir, fmt.Sprintf("iter-%d.log", iteration)))
	return data
}

func ensureSeedFiles(projectDir, prdFile, progressFile string) error {
	progressPath := filepath.Join(projectDir, progressFile)
	if _, err := os.Stat(progressPath); os.IsNotExist(err) {
		if err := os.WriteFile(progressPath, []byte("# Progress Log\n\n"), 0o644); err != nil {
			return err
		}
	}
	prdPath := filepath.Join(projectDir, prdFile)
	if _, err := os.Stat(prdPath); os.IsNotExist(err) {
		if err := os.WriteFile(prdPath, []byte("# PRD\n\n- [ ] Define tasks\n"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writeMetadata(path string, meta types.ArchiveMetadata) error {
	reason := string(meta.StopReason)
	content := strings.Join([]string{
		"job_id=" + meta.JobID,
		"status=" + meta.Status,
		"stop_reason=" + reason,
		"started_at_unix=" + strconv.FormatInt(meta.StartedAt.Unix(), 10),
		"ended_at_unix=" + strconv.FormatInt(meta.FinishedAt.Unix(), 10),
		"iterations_attempted=" + strconv.Itoa(meta.Iterations),
		"",
	}, "\n")
	return os.WriteFile(path, []byte(content), 0o644)
}

func (e *Engine) writeResultArchive(outputDir string, meta types.ArchiveMetadata, nameSuffix string) (string, error) {
	if err := os.RemoveAll(e.Paths.ResultStaging); err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.Paths.ResultStaging, 0o755); err != nil {
		return "", err
	}
	if err := writeMetadata(filepath.Join(e.Paths.ResultStaging, "metadata.txt"), meta); err != nil {
		return "", err
	}

	projectStage := filepath.Join(e.Paths.ResultStaging, "project")
	logsStage := filepath.Join(e.Paths.ResultStaging, "logs")
	if err := copyDir(e.Paths.ProjectDir, projectStage); err != nil {
		return "", err
	}
	if err := copyDir(e.Paths.LogDir, logsStage); err != nil {
		return "", err
	}

	finalPath := filepath.Join(outputDir, e.JobID+nameSuffix+".zip")
	if err := archive.PublishAtomic(e.Paths.ResultStaging, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

// ClassicResult is the return value of RunClassic.
type ClassicResult struct {
	Status     string
	StopReason types.StopReason
	Iterations int
	ArchivePath string
}

// RunClassic drives Mode A: a shared project tree across all iterations,
// producing exactly one final "<id>.result.zip".
func (e *Engine) RunClassic(ctx context.Context, inputZip, outputDir string) (ClassicResult, error) {
	if err := e.Paths.EnsureDirs(); err != nil {
		return ClassicResult{}, err
	}

	e.Logger.Info().Msg("unpacking input zip")
	if err := archive.ExtractFlat(inputZip, e.Paths.ProjectDir); err != nil {
		return ClassicResult{}, fmt.Errorf("extract input zip: %w", err)
	}

	if err := ensureSeedFiles(e.Paths.ProjectDir, e.Cfg.PRDFile, e.Cfg.ProgressFile); err != nil {
		return ClassicResult{}, err
	}

	promptText := BuildPrompt(PromptParams{
		TaskPrompt:     e.TaskPrompt,
		ProjectDir:     e.Paths.ProjectDir,
		PRDFile:        e.Cfg.PRDFile,
		ProgressFile:   e.Cfg.ProgressFile,
		CompleteSignal: e.Cfg.CompleteSignal,
	})

	startTS := time.Now()
	status := "done"
	var stopReason types.StopReason
	consecutiveTransient := 0
	attempted := 0
	iteration := 1

	for iteration <= e.Cfg.MaxIterations {
		remaining := e.Cfg.MaxSeconds - int(time.Since(startTS).Seconds())
		if remaining <= e.Cfg.SoftStopMarginSeconds {
			status = "stopped_rate_limit"
			stopReason = "soft_budget_guard"
			e.Logger.Warn().Msg("soft stop due to global time budget")
			break
		}

		attempted++
		rc, err := e.runIteration(ctx, iteration, promptText)
		if err != nil {
			return ClassicResult{}, err
		}

		logBytes := e.readIterLog(iteration)
		res := classify.Classify(classify.Input{
			Log:                      logBytes,
			ExitCode:                 rc,
			CompleteSignal:           e.Cfg.CompleteSignal,
			ConsecutiveTransient:     consecutiveTransient,
			MaxConsecutiveTransient: e.Cfg.MaxConsecutiveTransientErrors,
			IsLastIteration:          iteration == e.Cfg.MaxIterations,
		})

		if res.Reason == types.StopReasonTransient && !res.ShouldStop {
			consecutiveTransient = res.ConsecutiveTransient
			time.Sleep(time.Duration(e.Cfg.TransientBackoffSeconds) * time.Second)
			iteration++
			continue
		}

		if rc == 124 && !res.ShouldStop {
			e.Logger.Info().Msg("continuing after iteration timeout")
			iteration++
			continue
		}

		if res.ShouldStop {
			status, stopReason = statusForReason(res.Reason)
			break
		}

		consecutiveTransient = 0
		iteration++
	}

	if iteration > e.Cfg.MaxIterations && status == "done" {
		status = "stopped_iteration_cap"
		stopReason = types.StopReasonIterCap
	}

	meta := types.ArchiveMetadata{
		JobID:      e.JobID,
		Status:     status,
		Iterations: attempted,
		StopReason: stopReason,
		StartedAt:  startTS,
		FinishedAt: time.Now(),
	}
	archivePath, err := e.writeResultArchive(outputDir, meta, ".result")
	if err != nil {
		return ClassicResult{}, err
	}

	if err := os.WriteFile(filepath.Join(outputDir, e.JobID+".status"), []byte(status+"\n"), 0o644); err != nil {
		return ClassicResult{}, err
	}

	e.Logger.Info().Str("status", status).Msg("job completed")
	return ClassicResult{Status: status, StopReason: stopReason, Iterations: attempted, ArchivePath: archivePath}, nil
}

// ChainResult is the return value of RunZipChain.
type ChainResult struct {
	Status      string
	Iterations  int
	LastArchive string
}

// RunZipChain drives Mode B: each iteration re-extracts from the latest
// versioned zip, runs one step, and emits "<id>_v<n>.zip" with a handoff
// file for the next iteration.
func (e *Engine) RunZipChain(ctx context.Context, inputZip, outputDir string, versionOffset int) (ChainResult, error) {
	if err := e.Paths.EnsureDirs(); err != nil {
		return ChainResult{}, err
	}

	currentZip := inputZip
	iteration := 1
	attempted := 0
	consecutiveTransient := 0
	startTS := time.Now()
	status := "done"

	e.Logger.Info().Msg("zip-chain mode enabled")

	for iteration <= e.Cfg.MaxIterations {
		remaining := e.Cfg.MaxSeconds - int(time.Since(startTS).Seconds())
		if remaining <= e.Cfg.SoftStopMarginSeconds {
			status = "stopped_rate_limit"
			e.Logger.Warn().Msg("soft stop due to global time budget")
			break
		}

		e.Logger.Info().Str("zip", currentZip).Int("iteration", iteration).Msg("unpacking zip for iteration")
		if err := archive.Extract(currentZip, e.Paths.ProjectDir, e.Paths.ScratchDir); err != nil {
			return ChainResult{}, fmt.Errorf("extract chain zip: %w", err)
		}
		if err := ensureSeedFiles(e.Paths.ProjectDir, e.Cfg.PRDFile, e.Cfg.ProgressFile); err != nil {
			return ChainResult{}, err
		}

		nextInstrPath := filepath.Join(e.Paths.ProjectDir, e.Cfg.NextInstructionFile)
		handoff := ""
		if data, err := os.ReadFile(nextInstrPath); err == nil {
			handoff = strings.TrimSpace(string(data))
		}

		promptText := BuildPrompt(PromptParams{
			TaskPrompt:          e.TaskPrompt,
			ProjectDir:          e.Paths.ProjectDir,
			PRDFile:             e.Cfg.PRDFile,
			ProgressFile:        e.Cfg.ProgressFile,
			NextInstructionFile: e.Cfg.NextInstructionFile,
			CompleteSignal:      e.Cfg.CompleteSignal,
			HandoffText:         handoff,
			ZipChain:            true,
		})

		attempted++
		rc, err := e.runIteration(ctx, iteration, promptText)
		if err != nil {
			return ChainResult{}, err
		}

		logBytes := e.readIterLog(iteration)
		res := classify.Classify(classify.Input{
			Log:                      logBytes,
			ExitCode:                 rc,
			CompleteSignal:           e.Cfg.CompleteSignal,
			ConsecutiveTransient:     consecutiveTransient,
			MaxConsecutiveTransient: e.Cfg.MaxConsecutiveTransientErrors,
			IsLastIteration:          iteration == e.Cfg.MaxIterations,
		})

		iterStatus := "in_progress"
		var iterStopReason types.StopReason
		hardStop := false

		switch {
		case res.Reason == types.StopReasonTransient && !res.ShouldStop:
			consecutiveTransient = res.ConsecutiveTransient
			e.Logger.Info().Int("consecutive_transient", consecutiveTransient).Msg("transient upstream error detected")
		case res.ShouldStop:
			iterStatus, iterStopReason = statusForReason(res.Reason)
			hardStop = true
		default:
			consecutiveTransient = 0
		}

		nameSuffix := fmt.Sprintf("_v%d", versionOffset+iteration)
		meta := types.ArchiveMetadata{
			JobID:      e.JobID,
			Status:     iterStatus,
			Iterations: attempted,
			StopReason: iterStopReason,
			StartedAt:  startTS,
			FinishedAt: time.Now(),
			Version:    versionOffset + iteration,
		}
		archivePath, err := e.writeResultArchive(outputDir, meta, nameSuffix)
		if err != nil {
			return ChainResult{}, err
		}
		if err := os.WriteFile(filepath.Join(outputDir, e.JobID+nameSuffix+".status"), []byte(iterStatus+"\n"), 0o644); err != nil {
			return ChainResult{}, err
		}

		status = iterStatus
		currentZip = archivePath

		if hardStop {
			break
		}

		if res.Reason == types.StopReasonTransient {
			time.Sleep(time.Duration(e.Cfg.TransientBackoffSeconds) * time.Second)
		}
		iteration++
	}

	if err := os.WriteFile(filepath.Join(outputDir, e.JobID+".status"), []byte(status+"\n"), 0o644); err != nil {
		return ChainResult{}, err
	}
	e.Logger.Info().Str("status", status).Msg("job completed")
	return ChainResult{Status: status, Iterations: attempted, LastArchive: currentZip}, nil
}

func statusForReason(reason types.StopReason) (string, types.StopReason) {
	switch {
	case reason == types.StopReasonRateLimit:
		return "stopped_rate_limit", reason
	case reason == types.StopReasonContextLimit:
		return "stopped_context_limit", reason
	case reason == types.StopReasonTransient:
		return "failed", reason
	case types.IsNonzeroExit(reason):
		return "failed", reason
	case reason == types.StopReasonComplete:
		return "done", reason
	case reason == types.StopReasonIterCap:
		return "stopped_iteration_cap", reason
	default:
		return "done", reason
	}
}
