package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dodogabrie/night-worker/pkg/config"
	"github.com/dodogabrie/night-worker/pkg/eventlog"
	"github.com/dodogabrie/night-worker/pkg/iteration"
	"github.com/dodogabrie/night-worker/pkg/log"
	"github.com/dodogabrie/night-worker/pkg/loop"
	"github.com/dodogabrie/night-worker/pkg/metrics"
	"github.com/dodogabrie/night-worker/pkg/runtime"
	"github.com/dodogabrie/night-worker/pkg/state"
	"github.com/dodogabrie/night-worker/pkg/supervisor"
	"github.com/dodogabrie/night-worker/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "night-worker",
	Short: "Night Worker - autonomous overnight job orchestrator",
	Long: `Night Worker polls a drop folder for job archives and runs each one
to completion in a sandboxed container, driving a bounded iteration loop
against an external assistant process.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"night-worker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("script-dir", ".", "Base directory trigger/state paths resolve against when relative")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the poll loop, dispatching discovered jobs to sandboxed supervisors",
	RunE: func(cmd *cobra.Command, args []string) error {
		scriptDir, _ := rootCmd.PersistentFlags().GetString("script-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		if err := config.LoadEnvFile(filepath.Join(scriptDir, ".env")); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		cfg := config.FromEnvironment(scriptDir)
		if _, err := config.EnsureDefaultPrompt(cfg.TaskPromptFile); err != nil {
			return fmt.Errorf("ensure default prompt: %w", err)
		}

		dirs := state.Dirs{Root: cfg.StateDir}
		if err := state.EnsureDirs(dirs); err != nil {
			return fmt.Errorf("ensure state dirs: %w", err)
		}

		metrics.SetVersion(Version)

		sandbox, err := runtime.NewContainerdSandbox(cfg.ContainerdSocket)
		if err != nil {
			metrics.RegisterComponent("containerd", false, err.Error())
			return fmt.Errorf("connect to containerd: %w", err)
		}
		metrics.RegisterComponent("containerd", true, "")
		metrics.RegisterComponent("loop", true, "")

		journal, err := eventlog.Open(filepath.Join(cfg.StateDir, "events.db"))
		if err != nil {
			return fmt.Errorf("open event journal: %w", err)
		}
		defer journal.Close()

		sup := &supervisor.Supervisor{
			Cfg:     cfg,
			Sandbox: sandbox,
			Dirs:    dirs,
			Journal: journal,
			Logger:  log.WithComponent("supervisor"),
		}

		dispatch := func(ctx context.Context, job types.Job, versionOffset int) (bool, error) {
			res, err := sup.Run(ctx, job, versionOffset)
			if err != nil {
				return false, err
			}
			return res.Success, nil
		}

		l := loop.New(cfg, dirs, dispatch, scriptDir)

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			http.Handle("/ready", metrics.ReadyHandler())
			http.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		l.Start(ctx)

		log.Logger.Info().
			Str("input_dir", cfg.InputDir).
			Int("poll_seconds", cfg.PollSeconds).
			Int("max_parallel", cfg.MaxParallel).
			Msg("loop started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		l.Stop()
		cancel()
		return nil
	},
}

func init() {
	runCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the /metrics HTTP endpoint")
}

// workerCmd is the in-sandbox entrypoint: it drives one job's bounded
// iteration loop against the assistant process, reading its configuration
// entirely from the environment variables the Supervisor forwarded into the
// container (§6.3), and never touches the drop folder or state markers.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the in-container iteration engine for one job (invoked inside the sandbox)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnvironment(".")
		jobID := os.Getenv("JOB_ID")
		if jobID == "" {
			return fmt.Errorf("JOB_ID is required")
		}

		inputZip := config.EnvString("INPUT_ZIP", "/job/input.zip")
		outputDir := config.EnvString("OUTPUT_DIR", "/job/output")
		taskPromptFile := config.EnvString("TASK_PROMPT_FILE", "/job/task_prompt.txt")
		workRoot := config.EnvString("WORK_ROOT", "/tmp/work")

		promptBytes, err := os.ReadFile(taskPromptFile)
		if err != nil {
			return fmt.Errorf("read task prompt: %w", err)
		}

		paths := iteration.NewWorkPaths(workRoot)
		if err := paths.EnsureDirs(); err != nil {
			return fmt.Errorf("prepare work dirs: %w", err)
		}

		engine := &iteration.Engine{
			JobID:      jobID,
			Cfg:        cfg,
			Paths:      paths,
			TaskPrompt: string(promptBytes),
			Logger:     log.WithJobID(jobID),
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.MaxSeconds+cfg.SoftStopMarginSeconds)*time.Second)
		defer cancel()

		versionOffset := config.EnvInt("VERSION_OFFSET", 0)
		if cfg.ZipChainMode {
			_, err := engine.RunZipChain(ctx, inputZip, outputDir, versionOffset)
			return err
		}
		_, err = engine.RunClassic(ctx, inputZip, outputDir)
		return err
	},
}
