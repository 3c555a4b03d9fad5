// Package orchestrator is the composition root that ties a task's
// submission through adapter preparation, scheduling, supervision, and
// metrics collection into one coherent campaign run.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"fzorch/internal/errs"
	"fzorch/internal/fuzzer"
	"fzorch/internal/metrics"
	"fzorch/internal/notify"
	"fzorch/internal/resource"
	"fzorch/internal/scheduler"
	"fzorch/internal/store"
	"fzorch/internal/supervisor"
	"fzorch/internal/task"
	"fzorch/pkg/telemetry"
	"fzorch/pkg/watchdog"
)

// Config bounds the orchestrator's own behavior, separate from its
// collaborators' (scheduler, supervisor, resource monitor) configs.
type Config struct {
	OutputRoot            string
	MetricsInterval       time.Duration
	EfficiencyThreshold   float64
	MaxRestartAttempts    int
	AdaptiveSchedulingLog bool
}

func (c *Config) applyDefaults() {
	if c.OutputRoot == "" {
		c.OutputRoot = "./out"
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 10 * time.Second
	}
	if c.EfficiencyThreshold <= 0 {
		c.EfficiencyThreshold = 20.0
	}
}

// Orchestrator is the library entry point: construct one with its
// collaborators, SubmitTask each campaign task, then Start it.
type Orchestrator struct {
	logger *zap.Logger
	cfg    Config

	adapters   *fuzzer.Registry
	scheduler  *scheduler.Scheduler
	supervisor *supervisor.Supervisor
	resmon     *resource.Monitor
	metricsReg *metrics.Registry
	db         *gorm.DB
	notifier   notify.Notifier
	tracers    *telemetry.TracerFactory
	watchdogs  *watchdog.WatchDogFactory

	mu    sync.Mutex
	tasks map[uuid.UUID]*task.Task
}

func New(
	logger *zap.Logger,
	cfg Config,
	adapters *fuzzer.Registry,
	sched *scheduler.Scheduler,
	sup *supervisor.Supervisor,
	resmon *resource.Monitor,
	metricsReg *metrics.Registry,
	db *gorm.DB,
	notifier notify.Notifier,
	tracers *telemetry.TracerFactory,
	watchdogs *watchdog.WatchDogFactory,
) *Orchestrator {
	cfg.applyDefaults()
	resmon.AddAlertCallback(func(resourceType resource.Type, value float64) {
		logger.Warn("resource alert",
			zap.Error(errs.ErrResourceAlert),
			zap.String("resource", resourceType.String()),
			zap.Float64("value", value))
	})
	return &Orchestrator{
		logger:     logger,
		cfg:        cfg,
		adapters:   adapters,
		scheduler:  sched,
		supervisor: sup,
		resmon:     resmon,
		metricsReg: metricsReg,
		db:         db,
		notifier:   notifier,
		tracers:    tracers,
		watchdogs:  watchdogs,
		tasks:      make(map[uuid.UUID]*task.Task),
	}
}

// SubmitTask prepares t for execution (working directory, adapter
// validation, corpus seeding, command/environment rewrite, metric
// provider registration) and hands it to the scheduler. If adapter
// validation, corpus seeding, or command building fails, the task is
// marked FAILED; a task with no command, an unknown fuzzer kind, or an
// unusable working directory is rejected with its status unchanged. In
// either case it never reaches the scheduler.
func (o *Orchestrator) SubmitTask(ctx context.Context, t *task.Task) error {
	tracer := o.tracers.NewTracer(ctx, "orchestrator.submit_task")
	tracer.Start()
	defer tracer.End()

	if err := o.submitTask(ctx, t); err != nil {
		tracer.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) submitTask(ctx context.Context, t *task.Task) error {
	if len(t.Command) == 0 {
		return fmt.Errorf("%w: task %q has no command", errs.ErrInvalidTask, t.Name)
	}

	adapter, err := o.adapters.Get(t.FuzzerKind)
	if err != nil {
		return fmt.Errorf("%w: %s", errs.ErrUnknownFuzzerKind, err)
	}

	workDir := filepath.Join(o.cfg.OutputRoot, t.Name)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("%w: create working dir: %s", errs.ErrInvalidTask, err)
	}

	binaryPath := t.Command[0]
	if err := adapter.ValidateSetup(binaryPath, workDir); err != nil {
		_ = t.UpdateStatus(task.Failed)
		t.ErrorMessage = err.Error()
		return fmt.Errorf("%w: %s", errs.ErrSetupInvalid, err)
	}

	if t.SeedDir != "" {
		corpusDir := t.CorpusDir
		if corpusDir == "" {
			corpusDir = filepath.Join(workDir, "corpus")
		}
		if err := adapter.PrepareCorpus(ctx, t.SeedDir, corpusDir, t); err != nil {
			_ = t.UpdateStatus(task.Failed)
			t.ErrorMessage = err.Error()
			return fmt.Errorf("%w: prepare corpus: %s", errs.ErrAdapterFailed, err)
		}
		t.CorpusDir = corpusDir
	}

	argv, err := adapter.BuildCommand(ctx, t, binaryPath, workDir)
	if err != nil {
		_ = t.UpdateStatus(task.Failed)
		t.ErrorMessage = err.Error()
		return fmt.Errorf("%w: build command: %s", errs.ErrAdapterFailed, err)
	}
	t.Command = argv
	t.OutputDir = workDir

	env := adapter.Environment(t)
	if len(env) > 0 {
		if t.FuzzerConfig == nil {
			t.FuzzerConfig = map[string]any{}
		}
		t.FuzzerConfig["env"] = env
	}

	o.metricsReg.RegisterProvider(t.ID.String(), adapter.MetricProvider(workDir, t))
	o.startCrashWatch(ctx, t, workDir)

	o.mu.Lock()
	o.tasks[t.ID] = t
	o.mu.Unlock()

	o.scheduler.Submit(t)
	o.logger.Info("task submitted", zap.String("task_id", t.ID.String()), zap.String("name", t.Name), zap.String("fuzzer_kind", t.FuzzerKind))
	return nil
}

// startCrashWatch watches a task's working directory for newly created
// files whose name suggests a crash artifact (both the AFL and libFuzzer
// adapters name crash files with "crash" or "id:" substrings), publishing
// an immediate alert rather than waiting for postProcess's end-of-run
// scan. It complements, and never replaces, that scan: a file the watcher
// misses (created before the watch was added, or during a directory
// enumeration race) is still picked up when the task reaches a terminal
// state.
func (o *Orchestrator) startCrashWatch(ctx context.Context, t *task.Task, workDir string) {
	if o.watchdogs == nil {
		return
	}
	notifyChan := make(chan string, 32)
	watch := o.watchdogs.New(ctx, notifyChan, func(name string) bool {
		lower := strings.ToLower(filepath.Base(name))
		return strings.Contains(lower, "crash") || strings.HasPrefix(lower, "id:")
	})
	watch.AddDir(workDir)
	// fsnotify watches are not recursive, and each adapter drops crash
	// artifacts into its own subdirectory; add the ones that already
	// exist at submit time.
	for _, sub := range []string{"artifacts", filepath.Join("output", "master", "crashes")} {
		dir := filepath.Join(workDir, sub)
		if _, err := os.Stat(dir); err == nil {
			watch.AddDir(dir)
		}
	}

	go func() {
		for path := range notifyChan {
			o.logger.Info("crash artifact detected", zap.String("task_id", t.ID.String()), zap.String("path", path))
			if o.notifier != nil {
				body := []byte(fmt.Sprintf(`{"task_id":%q,"name":%q,"path":%q}`, t.ID, t.Name, path))
				if err := o.notifier.Publish(ctx, "task.crash", body); err != nil {
					o.logger.Debug("failed to publish crash alert", zap.String("task_id", t.ID.String()), zap.Error(err))
				}
			}
		}
	}()
}

// Start launches every periodic role — resource sampling, scheduler
// tick, cleanup, metrics collection, and terminal-event handling — and
// returns once ctx is cancelled and all roles have exited.
func (o *Orchestrator) Start(ctx context.Context) {
	var wg sync.WaitGroup
	roles := []func(context.Context){
		o.resmon.Run,
		o.scheduler.Run,
		o.scheduler.RunCleanup,
		o.runMetricsLoop,
		o.runEventLoop,
	}
	for _, role := range roles {
		wg.Add(1)
		go func(r func(context.Context)) {
			defer wg.Done()
			r(ctx)
		}(role)
	}
	wg.Wait()
}

func (o *Orchestrator) runMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, running, _ := o.scheduler.Snapshot()
			for _, id := range running {
				sample, ok := o.metricsReg.Collect(ctx, id.String())
				if !ok {
					continue
				}
				_ = sample
				if o.metricsReg.IsStalled(id.String(), 1800) && o.metricsReg.Efficiency(id.String()) < o.cfg.EfficiencyThreshold {
					o.logger.Warn("task stalled with low efficiency, flagging for operator attention",
						zap.String("task_id", id.String()),
						zap.Float64("efficiency", o.metricsReg.Efficiency(id.String())))
				}
			}
		}
	}
}

func (o *Orchestrator) runEventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.scheduler.Events():
			if !ok {
				return
			}
			o.handleEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev scheduler.Event) {
	o.mu.Lock()
	t, ok := o.tasks[ev.TaskID]
	o.mu.Unlock()
	if !ok {
		return
	}

	o.logger.Info("task reached terminal state", zap.String("task_id", ev.TaskID.String()), zap.String("status", ev.Status.String()))

	o.postProcess(ctx, t)
	o.publishTerminalEvent(ctx, t, ev)

	if ev.Status == task.Failed {
		o.maybeRestart(ctx, t)
	}
}

func (o *Orchestrator) postProcess(ctx context.Context, t *task.Task) {
	adapter, err := o.adapters.Get(t.FuzzerKind)
	if err != nil {
		return
	}
	result := adapter.PostProcess(t.OutputDir)

	for _, crashFile := range result.Crashes {
		analysis, err := adapter.AnalyzeCrash(ctx, crashFile, t.Command[0], t.OutputDir)
		if err != nil {
			o.logger.Debug("crash analysis failed", zap.String("task_id", t.ID.String()), zap.Error(err))
			continue
		}
		meta := store.JSONMap{"crash_type": analysis.CrashType}
		for k, v := range analysis.Detail {
			meta[k] = v
		}
		if err := store.RecordCrash(ctx, o.db, t.ID, t.FuzzerKind, t.OutputDir, analysis.CrashFile, analysis.Signal, analysis.Source, analysis.Operation, meta); err != nil {
			o.logger.Warn("failed to record crash", zap.String("task_id", t.ID.String()), zap.Error(err))
		}
	}

	if result.CorpusSize > 0 {
		if err := store.RecordSeed(ctx, o.db, t.ID, t.FuzzerKind, t.CorpusDir, result.CorpusSize, nil); err != nil {
			o.logger.Warn("failed to record seed growth", zap.String("task_id", t.ID.String()), zap.Error(err))
		}
	}

	o.metricsReg.Unregister(t.ID.String())
}

func (o *Orchestrator) publishTerminalEvent(ctx context.Context, t *task.Task, ev scheduler.Event) {
	if o.notifier == nil {
		return
	}
	routingKey := "task." + stringStatus(ev.Status)
	body := []byte(fmt.Sprintf(`{"task_id":%q,"name":%q,"status":%q}`, t.ID, t.Name, ev.Status.String()))
	if err := o.notifier.Publish(ctx, routingKey, body); err != nil {
		o.logger.Debug("failed to publish task event", zap.String("task_id", t.ID.String()), zap.Error(err))
	}
}

func stringStatus(s task.Status) string {
	switch s {
	case task.Completed:
		return "completed"
	case task.Failed:
		return "failed"
	case task.Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (o *Orchestrator) maybeRestart(ctx context.Context, t *task.Task) {
	limit := o.cfg.MaxRestartAttempts
	if limit <= 0 || t.RestartCount >= limit {
		return
	}
	t.Restart()
	// postProcess dropped the metric provider when the task went terminal;
	// the restarted run needs its own.
	if adapter, err := o.adapters.Get(t.FuzzerKind); err == nil {
		o.metricsReg.RegisterProvider(t.ID.String(), adapter.MetricProvider(t.OutputDir, t))
	}
	o.scheduler.Submit(t)
	o.logger.Info("task auto-restarted", zap.String("task_id", t.ID.String()), zap.Int("attempt", t.RestartCount))
}

// PauseAll pauses every currently running task's process.
func (o *Orchestrator) PauseAll() {
	_, running, _ := o.scheduler.Snapshot()
	for _, id := range running {
		if err := o.supervisor.Pause(id.String()); err != nil {
			o.logger.Warn("pause failed", zap.String("task_id", id.String()), zap.Error(err))
		}
	}
}

// ResumeAll resumes every paused task's process.
func (o *Orchestrator) ResumeAll() {
	_, running, _ := o.scheduler.Snapshot()
	for _, id := range running {
		if err := o.supervisor.Resume(id.String()); err != nil {
			o.logger.Warn("resume failed", zap.String("task_id", id.String()), zap.Error(err))
		}
	}
}

// StopAll terminates every managed process, used on shutdown.
func (o *Orchestrator) StopAll() {
	o.supervisor.ShutdownAll()
}

// CancelTask explicitly cancels one task, whether pending or running. A
// pending task is marked CANCELLED in place; a running task's process is
// terminated first. Either way the terminal event is delivered exactly
// like any other scheduler-driven transition.
func (o *Orchestrator) CancelTask(id uuid.UUID) error {
	return o.scheduler.Cancel(id)
}

// CancelPending explicitly cancels every task still in PENDING, so a
// shutdown leaves them CANCELLED rather than PENDING forever.
func (o *Orchestrator) CancelPending() {
	pending, _, _ := o.scheduler.Snapshot()
	for _, id := range pending {
		if err := o.scheduler.Cancel(id); err != nil {
			o.logger.Warn("cancel pending task failed", zap.String("task_id", id.String()), zap.Error(err))
		}
	}
}

// HasPending reports whether the campaign still has pending or running
// work.
func (o *Orchestrator) HasPending() bool {
	return o.scheduler.HasPending()
}

// Statistics returns a point-in-time snapshot of task counts and overall
// efficiency, suitable for CLI reporting.
func (o *Orchestrator) Statistics() map[string]any {
	pending, running, completed := o.scheduler.Snapshot()

	o.mu.Lock()
	failed, cancelledCount, succeeded := 0, 0, 0
	for _, t := range o.tasks {
		switch t.Status {
		case task.Failed:
			failed++
		case task.Cancelled:
			cancelledCount++
		case task.Completed:
			succeeded++
		}
	}
	o.mu.Unlock()

	return map[string]any{
		"pending":             len(pending),
		"running":             len(running),
		"completed_total":     completed,
		"completed_succeeded": succeeded,
		"completed_failed":    failed,
		"completed_cancelled": cancelledCount,
		"top_performers":      o.metricsReg.TopN(5),
		"resources":           o.resmon.Snapshot(),
	}
}
