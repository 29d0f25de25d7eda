// Package config assembles the immutable configuration used by every other
// package. It is built once at process startup from built-in defaults, an
// optional .env-style file, and the real process environment, in that order
// of increasing precedence, and is never re-read afterward.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config is the fully-resolved, immutable runtime configuration.
type Config struct {
	InputDir      string
	SinkOutputDir string
	SinkLogDir    string
	StateDir      string
	WorkDir       string

	TaskPromptFile string

	PollSeconds    int
	MaxParallel    int
	LogSyncSeconds int

	KeepFailedMarker     bool
	StopLoopOnJobFailure bool
	KeepWorkDir          string // always | never | on_failure

	ConsumeTrigger bool

	StartTriggerFile      string
	StartTriggerDir       string
	PersistentTriggerFile string
	PersistentTriggerDir  string

	StrictSingleZipContract    bool
	StrictAllowVersionedInputs bool

	PostSyncHookCmd            string
	PostSyncHookTimeoutSeconds int

	SandboxImage     string
	ContainerdSocket string

	MaxIterations                 int
	MaxSeconds                    int
	IterTimeoutSeconds            int
	SoftStopMarginSeconds         int
	ClaudeCmd                     string
	ClaudeArgs                    string
	ClaudeInputMode               string
	CompleteSignal                string
	MaxConsecutiveTransientErrors int
	TransientBackoffSeconds       int
	ZipChainMode                  bool
	NextInstructionFile           string
	PRDFile                       string
	ProgressFile                  string
	ExternalLogDir                string
}

// Default returns the built-in defaults, relative to scriptDir for any path
// not otherwise overridden.
func Default(scriptDir string) Config {
	return Config{
		InputDir:                      "/srv/nextcloud/night_worker/input",
		SinkOutputDir:                 "/srv/nextcloud/night_worker/output",
		SinkLogDir:                    "/srv/nextcloud/night_worker/output",
		StateDir:                      filepath.Join(scriptDir, ".state"),
		WorkDir:                       filepath.Join(scriptDir, ".work"),
		TaskPromptFile:                filepath.Join(scriptDir, "task_prompt.txt"),
		PollSeconds:                   20,
		MaxParallel:                   1,
		LogSyncSeconds:                10,
		KeepFailedMarker:              true,
		StopLoopOnJobFailure:          false,
		KeepWorkDir:                   "on_failure",
		ConsumeTrigger:                true,
		PostSyncHookTimeoutSeconds:    180,
		SandboxImage:                  "night-worker-sandbox:latest",
		ContainerdSocket:              "/run/containerd/containerd.sock",
		MaxIterations:                 8,
		MaxSeconds:                    3600,
		IterTimeoutSeconds:            600,
		SoftStopMarginSeconds:         90,
		ClaudeCmd:                     "claude",
		ClaudeArgs:                    "--print",
		ClaudeInputMode:               "stdin",
		CompleteSignal:                "RALPH_COMPLETE",
		MaxConsecutiveTransientErrors: 4,
		TransientBackoffSeconds:       20,
		ZipChainMode:                  false,
		NextInstructionFile:           "next_instruction.txt",
		PRDFile:                       "PRD.md",
		ProgressFile:                  "progress.txt",
	}
}

// LoadEnvFile parses a .env-style file into the process environment. Lines
// that are blank, start with "#", or lack an "=" are skipped. Keys already
// present in the environment are left untouched: real environment variables
// always win over the file.
func LoadEnvFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

// EnvString returns the environment variable's value, or def if unset/empty.
func EnvString(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}

// EnvInt returns the environment variable parsed as an int, or def if
// unset/empty. A malformed value is treated as unset.
func EnvInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvBool returns the environment variable parsed as a loose boolean, or def
// if unset/empty. Recognized truthy values: 1, true, yes, y, on
// (case-insensitive); anything else is false.
func EnvBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// FromEnvironment resolves a full Config from the current process
// environment, falling back to Default(scriptDir) for anything unset.
func FromEnvironment(scriptDir string) Config {
	d := Default(scriptDir)
	return Config{
		InputDir:       EnvString("INPUT_DIR", d.InputDir),
		SinkOutputDir:  EnvString("SINK_OUTPUT_DIR", d.SinkOutputDir),
		SinkLogDir:     EnvString("SINK_LOG_DIR", d.SinkLogDir),
		StateDir:       EnvString("STATE_DIR", d.StateDir),
		WorkDir:        EnvString("WORK_DIR", d.WorkDir),
		TaskPromptFile: EnvString("TASK_PROMPT_FILE", d.TaskPromptFile),
		PollSeconds:    EnvInt("POLL_SECONDS", d.PollSeconds),
		MaxParallel:    EnvInt("MAX_PARALLEL", d.MaxParallel),
		LogSyncSeconds: EnvInt("LOG_SYNC_SECONDS", d.LogSyncSeconds),

		KeepFailedMarker:     EnvBool("KEEP_FAILED_MARKER", d.KeepFailedMarker),
		StopLoopOnJobFailure: EnvBool("STOP_LOOP_ON_JOB_FAILURE", d.StopLoopOnJobFailure),
		KeepWorkDir:          EnvString("KEEP_WORK_DIR", d.KeepWorkDir),

		ConsumeTrigger: EnvBool("CONSUME_TRIGGER", d.ConsumeTrigger),

		StartTriggerFile:      EnvString("START_TRIGGER_FILE", ""),
		StartTriggerDir:       EnvString("START_TRIGGER_DIR", ""),
		PersistentTriggerFile: EnvString("PERSISTENT_TRIGGER_FILE", ""),
		PersistentTriggerDir:  EnvString("PERSISTENT_TRIGGER_DIR", ""),

		StrictSingleZipContract:    EnvBool("STRICT_SINGLE_ZIP_CONTRACT", false),
		StrictAllowVersionedInputs: EnvBool("STRICT_ALLOW_VERSIONED_INPUTS", false),

		PostSyncHookCmd:            EnvString("POST_SYNC_HOOK_CMD", ""),
		PostSyncHookTimeoutSeconds: EnvInt("POST_SYNC_HOOK_TIMEOUT_SECONDS", d.PostSyncHookTimeoutSeconds),

		SandboxImage:     EnvString("SANDBOX_IMAGE", d.SandboxImage),
		ContainerdSocket: EnvString("CONTAINERD_SOCKET", d.ContainerdSocket),

		MaxIterations:                 EnvInt("MAX_ITERATIONS", d.MaxIterations),
		MaxSeconds:                    EnvInt("MAX_SECONDS", d.MaxSeconds),
		IterTimeoutSeconds:            EnvInt("ITER_TIMEOUT_SECONDS", d.IterTimeoutSeconds),
		SoftStopMarginSeconds:         EnvInt("SOFT_STOP_MARGIN_SECONDS", d.SoftStopMarginSeconds),
		ClaudeCmd:                     EnvString("CLAUDE_CMD", d.ClaudeCmd),
		ClaudeArgs:                    EnvString("CLAUDE_ARGS", d.ClaudeArgs),
		ClaudeInputMode:               EnvString("CLAUDE_INPUT_MODE", d.ClaudeInputMode),
		CompleteSignal:                EnvString("COMPLETE_SIGNAL", d.CompleteSignal),
		MaxConsecutiveTransientErrors: EnvInt("MAX_CONSECUTIVE_TRANSIENT_ERRORS", d.MaxConsecutiveTransientErrors),
		TransientBackoffSeconds:       EnvInt("TRANSIENT_BACKOFF_SECONDS", d.TransientBackoffSeconds),
		ZipChainMode:                  EnvBool("ZIP_CHAIN_MODE", d.ZipChainMode),
		NextInstructionFile:           EnvString("NEXT_INSTRUCTION_FILE", d.NextInstructionFile),
		PRDFile:                       EnvString("PRD_FILE", d.PRDFile),
		ProgressFile:                  EnvString("PROGRESS_FILE", d.ProgressFile),
		ExternalLogDir:                EnvString("EXTERNAL_LOG_DIR", ""),
	}
}

const defaultPrompt = "Sei un coding agent autonomo in modalita Ralph Wiggum.\n" +
	"Leggi prd.json e progress.txt nel progetto.\n" +
	"Completa un solo task per iterazione, iniziando dal piu prioritario con stato non completato.\n" +
	"Esegui i check/test del progetto e aggiorna progress.txt con risultato e prossimi passi.\n" +
	"Mantieni modifiche piccole e atomiche.\n"

// EnsureDefaultPrompt writes a default task prompt file if none exists yet.
// Returns true if it created the file.
func EnsureDefaultPrompt(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(defaultPrompt), 0o644); err != nil {
		return false, err
	}
	return true, nil
}
