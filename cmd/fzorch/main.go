package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	_ "go.uber.org/automaxprocs"

	"fzorch/config"
	"fzorch/internal/constraint"
	"fzorch/internal/fuzzer"
	"fzorch/internal/fuzzer/wiring"
	"fzorch/internal/metrics"
	"fzorch/internal/notify"
	"fzorch/internal/orchestrator"
	"fzorch/internal/resource"
	"fzorch/internal/scheduler"
	"fzorch/internal/store"
	"fzorch/internal/supervisor"
	"fzorch/internal/task"
	"fzorch/internal/taskfile"
	"fzorch/pkg/logger"
	"fzorch/pkg/telemetry"
	"fzorch/pkg/watchdog"
)

// runFlags holds the `run` subcommand's flag values.
type runFlags struct {
	configPath  string
	tasksPath   string
	maxParallel int
	memoryLimit int
	cpuLimit    float64
	outputDir   string
	ui          string
	debug       bool
}

func main() {
	root := &cobra.Command{
		Use:   "fzorch",
		Short: "fzorch launches, supervises, and coordinates fuzzing campaigns",
	}
	root.AddCommand(newRunCmd(), newCreateCmd(), newListFuzzersCmd(), newValidateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a fuzzing campaign from a task file",
		RunE: func(cmd *cobra.Command, args []string) error {
			os.Exit(runCampaign(flags))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.configPath, "config", "", "path to an optional YAML, JSON, or TOML config file")
	cmd.Flags().StringVar(&flags.tasksPath, "tasks", "tasks.json", "path to a task file (JSON or YAML)")
	cmd.Flags().IntVar(&flags.maxParallel, "max-parallel", 10, "maximum number of concurrent fuzzing tasks")
	cmd.Flags().IntVar(&flags.memoryLimit, "memory-limit", 0, "host memory budget in MB (0 = use config default)")
	cmd.Flags().Float64Var(&flags.cpuLimit, "cpu-limit", 0, "host CPU percent budget (0 = use config default)")
	cmd.Flags().StringVar(&flags.outputDir, "output", "./out", "root directory for per-task working directories")
	cmd.Flags().StringVar(&flags.ui, "ui", "auto", "UI mode: auto|tui|simple|none (rendering is out of scope; accepted for compatibility)")
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
	return cmd
}

// runCampaign builds the fx application, submits every task from the task
// file, runs the campaign to completion (or until an interrupt), and
// returns the process exit code: 0 all succeeded, 1 any failed, 2
// invalid input.
func runCampaign(flags *runFlags) int {
	if flags.debug {
		os.Setenv("LOG_LEVEL", "debug")
	}

	file, err := taskfile.Load(flags.tasksPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	tasks, err := taskfile.ToTasks(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	exitCode := 2
	app := fx.New(
		fx.Provide(
			newAppConfig(flags),
			store.NewDBConnection,
			store.NewRedisClient,
			logger.NewLogger,
			notify.NewRabbitMQ,
			telemetry.NewTelemetry,
			telemetry.NewTracerFactory,
			watchdog.NewWatchDogFactory,
			metrics.NewRegistry,
			newResourceMonitor,
			newSupervisor,
			newEnforcer,
			newScheduler(flags),
			newOrchestrator(flags),
		),
		wiring.Module,
		fx.Invoke(func(lc fx.Lifecycle, log *zap.Logger, orch *orchestrator.Orchestrator) {
			runCtx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})

			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					for _, t := range tasks {
						if err := orch.SubmitTask(runCtx, t); err != nil {
							log.Error("failed to submit task", zap.String("name", t.Name), zap.Error(err))
						}
					}
					go func() {
						defer close(done)
						orch.Start(runCtx)
					}()
					go watchForCompletion(runCtx, orch, log, &exitCode, tasks)
					return nil
				},
				OnStop: func(ctx context.Context) error {
					cancel()
					orch.CancelPending()
					orch.StopAll()
					select {
					case <-done:
					case <-ctx.Done():
					}
					return nil
				},
			})
		}),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			zlogger := fxevent.ZapLogger{Logger: log}
			zlogger.UseLogLevel(zap.DebugLevel)
			return &zlogger
		}),
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()
	if err := app.Start(startCtx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 40*time.Second)
	defer cancelStop()
	_ = app.Stop(stopCtx)

	return exitCode
}

// watchForCompletion polls until the orchestrator's scheduler has no more
// pending or running work, sets the process exit code accordingly, and
// sends SIGTERM to the running process so the same signal-driven shutdown
// path an operator's Ctrl-C would take also handles a campaign finishing
// on its own.
func watchForCompletion(ctx context.Context, orch *orchestrator.Orchestrator, log *zap.Logger, exitCode *int, tasks []*task.Task) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if orch.HasPending() {
				continue
			}
			*exitCode = campaignExitCode(tasks)
			log.Info("campaign finished", zap.Int("exit_code", *exitCode))
			proc, err := os.FindProcess(os.Getpid())
			if err == nil {
				_ = proc.Signal(syscall.SIGTERM)
			}
			return
		}
	}
}

func campaignExitCode(tasks []*task.Task) int {
	for _, t := range tasks {
		if t.Status == task.Failed {
			return 1
		}
	}
	return 0
}

// newAppConfig returns an fx constructor that loads config from the
// environment, layering a --config file's overrides on top when one was
// given on the command line, and a non-zero --cpu-limit on top of both.
func newAppConfig(flags *runFlags) func() (*config.AppConfig, error) {
	return func() (*config.AppConfig, error) {
		cfg := config.LoadConfig()
		if flags.configPath != "" {
			var err error
			if cfg, err = config.LoadConfigFile(flags.configPath); err != nil {
				return nil, err
			}
		}
		if flags.cpuLimit > 0 {
			cfg.Resource.CPUThresholdPct = flags.cpuLimit
		}
		return cfg, nil
	}
}

func newResourceMonitor(logger *zap.Logger, cfg *config.AppConfig) *resource.Monitor {
	return resource.NewMonitor(logger, resource.Config{
		HistorySize:        cfg.Resource.HistorySize,
		SampleInterval:     cfg.Resource.SampleInterval,
		MemoryThresholdPct: cfg.Resource.MemoryThresholdPct,
		CPUThresholdPct:    cfg.Resource.CPUThresholdPct,
		DiskThresholdPct:   cfg.Resource.DiskThresholdPct,
	})
}

func newSupervisor(logger *zap.Logger, cfg *config.AppConfig) *supervisor.Supervisor {
	return supervisor.New(logger, supervisor.Config{
		MaxProcesses:   cfg.Supervisor.MaxProcesses,
		GraceTimeout:   cfg.Supervisor.GraceTimeout,
		SampleInterval: cfg.Supervisor.SampleInterval,
	})
}

func newEnforcer(logger *zap.Logger, cfg *config.AppConfig) *constraint.Enforcer {
	composite := constraint.NewComposite(
		constraint.Memory{GlobalLimitMB: cfg.Resource.MemoryLimitMB},
		constraint.CPU{GlobalThresholdPct: cfg.Resource.CPUThresholdPct},
		constraint.Time{},
	)
	return constraint.NewEnforcer(logger, composite, 3)
}

// newScheduler returns an fx constructor closing over the CLI flags that
// override the scheduler's concurrency cap.
func newScheduler(flags *runFlags) func(*zap.Logger, *config.AppConfig, *supervisor.Supervisor, *constraint.Enforcer, *resource.Monitor) *scheduler.Scheduler {
	return func(logger *zap.Logger, cfg *config.AppConfig, sup *supervisor.Supervisor, enforcer *constraint.Enforcer, monitor *resource.Monitor) *scheduler.Scheduler {
		var strategy scheduler.Strategy
		if cfg.Scheduler.Strategy == "fair-share" || cfg.Scheduler.Strategy == "fair_share" {
			strategy = scheduler.NewFairShareStrategy(map[string]float64{"default": 1})
		} else {
			strategy = scheduler.NewPriorityStrategy(cfg.Scheduler.AllowPreemption)
		}

		totalCores := cfg.Resource.CPUCores
		if totalCores <= 0 {
			totalCores = runtime.NumCPU()
		}

		maxConcurrent := cfg.Scheduler.MaxParallel
		if flags.maxParallel > 0 {
			maxConcurrent = flags.maxParallel
		}
		memoryLimitMB := cfg.Resource.MemoryLimitMB
		if flags.memoryLimit > 0 {
			memoryLimitMB = flags.memoryLimit
		}

		return scheduler.New(logger, scheduler.Config{
			TotalMemoryMB:       memoryLimitMB,
			TotalCores:          totalCores,
			MaxConcurrent:       maxConcurrent,
			SchedulingInterval:  cfg.Scheduler.SchedulingInterval,
			CleanupInterval:     cfg.Scheduler.CleanupInterval,
			MaxCompletedHistory: 1000,
			CompletedTrimTo:     500,
		}, strategy, sup, enforcer, monitor)
	}
}

// newOrchestrator returns an fx constructor closing over the CLI flags that
// override the orchestrator's own Config (output directory); the restart
// limit comes from the loaded config.
func newOrchestrator(flags *runFlags) func(
	*zap.Logger,
	*config.AppConfig,
	*fuzzer.Registry,
	*scheduler.Scheduler,
	*supervisor.Supervisor,
	*resource.Monitor,
	*metrics.Registry,
	*gorm.DB,
	notify.Notifier,
	*telemetry.TracerFactory,
	*watchdog.WatchDogFactory,
) *orchestrator.Orchestrator {
	return func(
		logger *zap.Logger,
		cfg *config.AppConfig,
		adapters *fuzzer.Registry,
		sched *scheduler.Scheduler,
		sup *supervisor.Supervisor,
		resmon *resource.Monitor,
		metricsReg *metrics.Registry,
		db *gorm.DB,
		notifier notify.Notifier,
		tracers *telemetry.TracerFactory,
		watchdogs *watchdog.WatchDogFactory,
	) *orchestrator.Orchestrator {
		outputRoot := flags.outputDir
		if outputRoot == "" {
			outputRoot = "./out"
		}
		return orchestrator.New(
			logger,
			orchestrator.Config{
				OutputRoot:         outputRoot,
				MaxRestartAttempts: cfg.Scheduler.MaxRestartAttempts,
			},
			adapters,
			sched,
			sup,
			resmon,
			metricsReg,
			db,
			notifier,
			tracers,
			watchdogs,
		)
	}
}

func newCreateCmd() *cobra.Command {
	var (
		outputPath  string
		interactive bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "emit a tasks file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive {
				fmt.Fprintln(os.Stderr, "interactive task construction lives in the CLI front-end; writing a template instead")
			}
			if err := taskfile.WriteTemplate(outputPath); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			fmt.Printf("wrote task file template to %s\n", outputPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outputPath, "output", "tasks.json", "path to write the task file template to")
	cmd.Flags().BoolVar(&interactive, "interactive", false, "accepted for interface compatibility; prompt-driven construction lives in the CLI front-end, not here")
	return cmd
}

func newListFuzzersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-fuzzers",
		Short: "enumerate registered fuzzer adapter kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zap.NewNop()
			registry := wiring.NewDefaultRegistry(log)
			for _, kind := range registry.Kinds() {
				adapter, err := registry.Get(kind)
				if err != nil {
					continue
				}
				caps := adapter.Capabilities()
				fmt.Printf("%-14s coverage_guided=%-5v parallel=%-5v dictionary=%-5v persistent=%-5v custom_mutators=%-5v crash_analysis=%-5v\n",
					kind, caps.SupportsCoverageGuided, caps.SupportsParallelFuzzing, caps.SupportsDictionary,
					caps.SupportsPersistentMode, caps.SupportsCustomMutators, caps.SupportsCrashAnalysis)
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "syntactic and semantic check of a task file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := taskfile.Load(args[0])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			log := zap.NewNop()
			registry := wiring.NewDefaultRegistry(log)
			for _, spec := range file.Tasks {
				if _, err := registry.Get(spec.FuzzerType); err != nil {
					fmt.Fprintf(os.Stderr, "task %q: %s\n", spec.Name, err)
					os.Exit(1)
				}
			}
			if _, err := taskfile.ToTasks(file); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			fmt.Printf("%s: %d task(s), all valid\n", args[0], len(file.Tasks))
			return nil
		},
	}
}
