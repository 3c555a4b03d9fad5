// Package scheduler elects which ready task runs next and drives the
// supervisor's spawn/terminate calls to carry out that decision. Each
// tick reaps finished processes first, then elects new work, so
// resources freed by a completion are visible to the same tick's
// election.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fzorch/internal/constraint"
	"fzorch/internal/errs"
	"fzorch/internal/resource"
	"fzorch/internal/supervisor"
	"fzorch/internal/task"
)

// Config bounds one Scheduler's behavior.
type Config struct {
	TotalMemoryMB      int
	TotalCores         int
	MaxConcurrent      int
	SchedulingInterval time.Duration
	CleanupInterval    time.Duration

	MaxCompletedHistory int
	CompletedTrimTo     int
}

func (c *Config) applyDefaults() {
	if c.SchedulingInterval <= 0 {
		c.SchedulingInterval = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.MaxCompletedHistory <= 0 {
		c.MaxCompletedHistory = 1000
	}
	if c.CompletedTrimTo <= 0 {
		c.CompletedTrimTo = 500
	}
}

// Scheduler owns the pending, running, and completed task collections
// and periodically elects ready tasks to spawn via the Supervisor.
type Scheduler struct {
	logger     *zap.Logger
	cfg        Config
	strategy   Strategy
	supervisor *supervisor.Supervisor
	enforcer   *constraint.Enforcer
	monitor    *resource.Monitor

	events chan Event

	mu        sync.Mutex
	pending   map[uuid.UUID]*task.Task
	running   map[uuid.UUID]*task.Task
	completed []*task.Task

	availMemMB int
	availCores int
}

func New(logger *zap.Logger, cfg Config, strategy Strategy, sup *supervisor.Supervisor, enforcer *constraint.Enforcer, monitor *resource.Monitor) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		logger:     logger,
		cfg:        cfg,
		strategy:   strategy,
		supervisor: sup,
		enforcer:   enforcer,
		monitor:    monitor,
		events:     make(chan Event, 256),
		pending:    make(map[uuid.UUID]*task.Task),
		running:    make(map[uuid.UUID]*task.Task),
		availMemMB: cfg.TotalMemoryMB,
		availCores: cfg.TotalCores,
	}
}

// Events exposes terminal-state transitions for the orchestrator to
// consume outside the scheduler's own lock.
func (s *Scheduler) Events() <-chan Event { return s.events }

// Submit adds a task to the pending set. The caller is responsible for
// having already prepared the task (working directory, adapter command
// rewrite) before submission.
func (s *Scheduler) Submit(t *task.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[t.ID] = t
}

// Cancel marks a pending or running task CANCELLED, terminating its
// process if one is running.
func (s *Scheduler) Cancel(id uuid.UUID) error {
	s.mu.Lock()
	t, isRunning := s.running[id]
	if !isRunning {
		t = s.pending[id]
	}
	if t == nil {
		s.mu.Unlock()
		return nil
	}

	if isRunning {
		s.mu.Unlock()
		if err := s.supervisor.Terminate(id.String()); err != nil {
			s.logger.Warn("terminate during cancel failed", zap.String("task_id", id.String()), zap.Error(err))
		}
		s.mu.Lock()
	}

	err := t.UpdateStatus(task.Cancelled)

	if isRunning {
		delete(s.running, id)
		if t.MemoryLimitMB != nil {
			s.availMemMB += *t.MemoryLimitMB
		}
		if t.CPUCores != nil {
			s.availCores += *t.CPUCores
		}
		s.supervisor.Remove(id.String())
	} else {
		delete(s.pending, id)
	}
	s.completed = append(s.completed, t)
	if s.enforcer != nil {
		s.enforcer.Reset(id)
	}

	select {
	case s.events <- Event{TaskID: id, Status: task.Cancelled}:
	default:
		s.logger.Warn("scheduler event channel full, dropping event", zap.String("task_id", id.String()))
	}
	s.mu.Unlock()

	return err
}

// HasPending reports whether any task is still pending or running.
func (s *Scheduler) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0 || len(s.running) > 0
}

// Run drives the tick loop (reap, elect, sleep) until ctx is cancelled.
// No new task is spawned once ctx is done; in-flight spawns from the
// current tick are allowed to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// RunCleanup periodically trims the completed-task history until ctx is
// cancelled.
func (s *Scheduler) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.reap()
	if ctx.Err() != nil {
		return
	}
	s.checkRuntimeViolations()
	if ctx.Err() != nil {
		return
	}
	s.elect(ctx)
}

// checkRuntimeViolations samples every running task's constraint.Snapshot
// and hands it to the enforcer. A task that has accumulated enough
// consecutive violations to cross the enforcer's kill threshold is
// terminated immediately; the next reap() then observes its dead handle
// and moves it to FAILED, same as any other abnormal exit.
func (s *Scheduler) checkRuntimeViolations() {
	if s.enforcer == nil {
		return
	}

	s.mu.Lock()
	running := make([]*task.Task, 0, len(s.running))
	for _, t := range s.running {
		running = append(running, t)
	}
	totalCores := s.cfg.TotalCores
	s.mu.Unlock()

	var hostUsage resource.Usage
	if s.monitor != nil {
		hostUsage, _ = s.monitor.CurrentUsage()
	}

	for _, t := range running {
		handle, ok := s.supervisor.Handle(t.ID.String())
		if !ok {
			continue
		}
		snapshot := constraint.Snapshot{
			Task:       t,
			Handle:     handle,
			HostUsage:  hostUsage,
			TotalCores: totalCores,
		}

		violation, kill := s.enforcer.Observe(snapshot)
		if violation == nil || !kill {
			continue
		}

		s.logger.Warn("terminating task for repeated constraint violation",
			zap.String("task_id", t.ID.String()),
			zap.String("constraint", violation.Constraint),
			zap.String("detail", violation.Detail))
		t.ErrorMessage = fmt.Errorf("%w: %s", errs.ErrConstraintViolation, violation.Detail).Error()
		if err := s.supervisor.Terminate(t.ID.String()); err != nil {
			s.logger.Warn("terminate after constraint violation failed", zap.String("task_id", t.ID.String()), zap.Error(err))
		}
		s.enforcer.Reset(t.ID)
	}
}

func (s *Scheduler) reap() {
	s.mu.Lock()
	finishedIDs := make([]uuid.UUID, 0)
	for id, t := range s.running {
		handle, ok := s.supervisor.Handle(id.String())
		if !ok || handle.IsAlive() {
			continue
		}
		finishedIDs = append(finishedIDs, id)

		newStatus := task.Completed
		var evErr error
		if code, hasCode := handle.ExitCode(); hasCode && code != 0 {
			newStatus = task.Failed
			evErr = fmtExitError(code, handle.ErrorMessage())
		}
		if errMsg := handle.ErrorMessage(); errMsg != "" && newStatus == task.Completed {
			newStatus = task.Failed
			evErr = fmtExitError(0, errMsg)
		}

		if err := t.UpdateStatus(newStatus); err != nil {
			s.logger.Warn("invalid status transition during reap", zap.String("task_id", id.String()), zap.Error(err))
		}

		if fair, ok := s.strategy.(*FairShareStrategy); ok {
			fair.AccumulateRuntime(t, t.Duration().Seconds())
		}
		if t.MemoryLimitMB != nil {
			s.availMemMB += *t.MemoryLimitMB
		}
		if t.CPUCores != nil {
			s.availCores += *t.CPUCores
		}

		delete(s.running, id)
		s.completed = append(s.completed, t)

		if newStatus == task.Completed {
			for _, pendingTask := range s.pending {
				delete(pendingTask.Dependencies, id)
			}
		}

		select {
		case s.events <- Event{TaskID: id, Status: newStatus, Err: evErr}:
		default:
			s.logger.Warn("scheduler event channel full, dropping event", zap.String("task_id", id.String()))
		}

		s.supervisor.Remove(id.String())
		if s.enforcer != nil {
			s.enforcer.Reset(id)
		}
	}
	s.mu.Unlock()
}

func fmtExitError(code int, msg string) error {
	if msg != "" {
		return fmt.Errorf("%w: %s", errs.ErrAbnormalExit, msg)
	}
	return fmt.Errorf("%w: exit code %d", errs.ErrAbnormalExit, code)
}

func (s *Scheduler) elect(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.running) >= s.cfg.MaxConcurrent {
			s.mu.Unlock()
			return
		}

		ready := make([]*task.Task, 0, len(s.pending))
		for _, t := range s.pending {
			if t.IsReady() {
				ready = append(ready, t)
			}
		}
		if len(ready) == 0 {
			s.mu.Unlock()
			return
		}

		runningSlice := make([]*task.Task, 0, len(s.running))
		for _, t := range s.running {
			runningSlice = append(runningSlice, t)
		}

		candidate := s.strategy.SelectNext(ready, runningSlice, s.availMemMB, s.availCores)
		if candidate == nil {
			s.mu.Unlock()
			return
		}

		if !candidate.CanFitResources(s.availMemMB, s.availCores) {
			if !s.tryPreemptLocked(candidate, runningSlice) {
				s.mu.Unlock()
				return
			}
		}

		violations := s.admissionViolationsLocked(candidate)
		if len(violations) > 0 {
			s.logger.Debug("task held back by constraint admission", zap.String("task_id", candidate.ID.String()), zap.Int("violation_count", len(violations)))
			s.mu.Unlock()
			return
		}

		delete(s.pending, candidate.ID)
		if err := candidate.UpdateStatus(task.Scheduled); err != nil {
			s.logger.Warn("scheduled transition failed", zap.Error(err))
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		handle, err := s.supervisor.Spawn(ctx, candidate.ID.String(), candidate.Command, candidate.OutputDir, taskEnv(candidate))
		s.mu.Lock()
		if err != nil {
			_ = candidate.UpdateStatus(task.Failed)
			s.completed = append(s.completed, candidate)
			select {
			case s.events <- Event{TaskID: candidate.ID, Status: task.Failed, Err: err}:
			default:
			}
			s.mu.Unlock()
			continue
		}
		_ = handle
		if err := candidate.UpdateStatus(task.Running); err != nil {
			s.logger.Warn("running transition failed", zap.Error(err))
		}
		s.running[candidate.ID] = candidate
		if candidate.MemoryLimitMB != nil {
			s.availMemMB -= *candidate.MemoryLimitMB
		}
		if candidate.CPUCores != nil {
			s.availCores -= *candidate.CPUCores
		}
		s.mu.Unlock()
	}
}

// tryPreemptLocked asks the strategy (if it's a Preemptor) whether the
// lowest-priority running task can be sacrificed for candidate. Must be
// called with s.mu held.
func (s *Scheduler) tryPreemptLocked(candidate *task.Task, running []*task.Task) bool {
	preemptor, ok := s.strategy.(Preemptor)
	if !ok || len(running) == 0 {
		return false
	}

	var victim *task.Task
	for _, t := range running {
		if victim == nil || t.Priority < victim.Priority {
			victim = t
		}
	}
	if victim == nil || !preemptor.CanPreempt(candidate, victim) {
		return false
	}

	s.logger.Info("preempting running task", zap.String("victim", victim.ID.String()), zap.String("candidate", candidate.ID.String()))
	if err := s.supervisor.Terminate(victim.ID.String()); err != nil {
		s.logger.Warn("preemption terminate failed", zap.Error(err))
		return false
	}
	_ = victim.UpdateStatus(task.Cancelled)
	delete(s.running, victim.ID)
	s.completed = append(s.completed, victim)
	if victim.MemoryLimitMB != nil {
		s.availMemMB += *victim.MemoryLimitMB
	}
	if victim.CPUCores != nil {
		s.availCores += *victim.CPUCores
	}
	s.supervisor.Remove(victim.ID.String())
	if s.enforcer != nil {
		s.enforcer.Reset(victim.ID)
	}
	select {
	case s.events <- Event{TaskID: victim.ID, Status: task.Cancelled}:
	default:
	}
	return candidate.CanFitResources(s.availMemMB, s.availCores)
}

func (s *Scheduler) admissionViolationsLocked(candidate *task.Task) []constraint.Violation {
	if s.enforcer == nil {
		return nil
	}
	snapshot := constraint.Snapshot{
		Task:          candidate,
		TotalCores:    s.cfg.TotalCores,
		AvailMemoryMB: s.availMemMB,
		AvailCores:    s.availCores,
	}
	if s.monitor != nil {
		if usage, ok := s.monitor.CurrentUsage(); ok {
			snapshot.HostUsage = usage
		}
	}
	return s.enforcer.Admit(snapshot)
}

func taskEnv(t *task.Task) map[string]string {
	raw, ok := t.FuzzerConfig["env"]
	if !ok {
		return nil
	}
	switch env := raw.(type) {
	case map[string]string:
		return env
	case map[string]any:
		out := make(map[string]string, len(env))
		for k, v := range env {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

func (s *Scheduler) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.completed) > s.cfg.MaxCompletedHistory {
		s.completed = append([]*task.Task{}, s.completed[len(s.completed)-s.cfg.CompletedTrimTo:]...)
	}
}

// Snapshot returns copies of the pending/running task ID lists and the
// completed count, for read-only reporting.
func (s *Scheduler) Snapshot() (pending, running []uuid.UUID, completedCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.pending {
		pending = append(pending, id)
	}
	for id := range s.running {
		running = append(running, id)
	}
	return pending, running, len(s.completed)
}
