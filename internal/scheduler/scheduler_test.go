package scheduler

import (
	"context"
	"testing"
	"time"

	"fzorch/internal/constraint"
	"fzorch/internal/supervisor"
	"fzorch/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T, strategy Strategy, maxConcurrent int) *Scheduler {
	sup := supervisor.New(zap.NewNop(), supervisor.Config{MaxProcesses: 8, GraceTimeout: 500 * time.Millisecond, SampleInterval: 50 * time.Millisecond})
	enforcer := constraint.NewEnforcer(zap.NewNop(), constraint.NewComposite(), 1)
	return New(zap.NewNop(), Config{
		TotalMemoryMB:      4096,
		TotalCores:         4,
		MaxConcurrent:      maxConcurrent,
		SchedulingInterval: time.Hour,
		CleanupInterval:    time.Hour,
	}, strategy, sup, enforcer, nil)
}

func quickTask(name string) *task.Task {
	t := task.New(name, "afl", []string{"sleep", "0.1"})
	t.OutputDir = "."
	return t
}

func TestSchedulerElectsReadyTask(t *testing.T) {
	s := newTestScheduler(t, NewPriorityStrategy(false), 4)
	tk := quickTask("ready")
	s.Submit(tk)

	s.tick(context.Background())

	_, running, _ := s.Snapshot()
	assert.Contains(t, running, tk.ID)
	assert.Equal(t, task.Running, tk.Status)
}

func TestSchedulerReapsCompletedTask(t *testing.T) {
	s := newTestScheduler(t, NewPriorityStrategy(false), 4)
	tk := quickTask("finishes")
	s.Submit(tk)

	s.tick(context.Background())
	require.Eventually(t, func() bool {
		s.tick(context.Background())
		return tk.Status == task.Completed
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case ev := <-s.Events():
		assert.Equal(t, tk.ID, ev.TaskID)
		assert.Equal(t, task.Completed, ev.Status)
	default:
		t.Fatal("expected a terminal event")
	}
}

func TestSchedulerRespectsMaxConcurrent(t *testing.T) {
	s := newTestScheduler(t, NewPriorityStrategy(false), 1)
	a := task.New("a", "afl", []string{"sleep", "1"})
	a.OutputDir = "."
	b := task.New("b", "afl", []string{"sleep", "1"})
	b.OutputDir = "."
	s.Submit(a)
	s.Submit(b)

	s.tick(context.Background())

	pending, running, _ := s.Snapshot()
	assert.Len(t, running, 1)
	assert.Len(t, pending, 1)

	s.supervisor.ShutdownAll()
}

func TestSchedulerDependencyBlocksUntilDependencyCompletes(t *testing.T) {
	s := newTestScheduler(t, NewPriorityStrategy(false), 4)
	dep := quickTask("dep")
	dependent := quickTask("dependent")
	dependent.Dependencies[dep.ID] = struct{}{}

	s.Submit(dep)
	s.Submit(dependent)

	s.tick(context.Background())
	_, running, _ := s.Snapshot()
	assert.Contains(t, running, dep.ID)
	assert.NotContains(t, running, dependent.ID)
	assert.False(t, dependent.IsReady())

	require.Eventually(t, func() bool {
		s.tick(context.Background())
		return dep.Status == task.Completed
	}, 2*time.Second, 20*time.Millisecond)

	// The tick that reaps dep clears it from dependent's Dependencies and,
	// since reap runs before elect, elects dependent in that same tick.
	assert.Equal(t, task.Running, dependent.Status)

	s.tick(context.Background())
	_, running, _ = s.Snapshot()
	assert.Contains(t, running, dependent.ID)
}

func TestSchedulerPreemptsLowerPriorityTask(t *testing.T) {
	strategy := NewPriorityStrategy(true)
	s := newTestScheduler(t, strategy, 4)
	s.cfg.TotalMemoryMB = 100
	s.availMemMB = 100

	mem := 100
	low := task.New("low", "afl", []string{"sleep", "2"})
	low.OutputDir = "."
	low.Priority = task.Low
	low.MemoryLimitMB = &mem
	s.Submit(low)
	s.tick(context.Background())

	_, running, _ := s.Snapshot()
	require.Contains(t, running, low.ID)

	critical := task.New("critical", "afl", []string{"sleep", "0.1"})
	critical.OutputDir = "."
	critical.Priority = task.Critical
	critical.MemoryLimitMB = &mem
	s.Submit(critical)

	s.tick(context.Background())

	_, running, _ = s.Snapshot()
	assert.Contains(t, running, critical.ID)
	assert.Equal(t, task.Cancelled, low.Status)

	s.supervisor.ShutdownAll()
}

func TestCancelPendingTaskRemovesItFromPending(t *testing.T) {
	s := newTestScheduler(t, NewPriorityStrategy(false), 0)
	tk := quickTask("never-elected")
	s.Submit(tk)

	require.NoError(t, s.Cancel(tk.ID))

	assert.Equal(t, task.Cancelled, tk.Status)
	pending, running, _ := s.Snapshot()
	assert.NotContains(t, pending, tk.ID)
	assert.NotContains(t, running, tk.ID)

	select {
	case ev := <-s.Events():
		assert.Equal(t, tk.ID, ev.TaskID)
		assert.Equal(t, task.Cancelled, ev.Status)
	default:
		t.Fatal("expected a cancellation event")
	}
}

// TestCancelRunningTaskIsNotReprocessedByReap guards against the scheduler
// resurrecting a cancelled task: Cancel must remove the task from
// s.running synchronously, or the next reap() sees its dead handle and
// overwrites the terminal Cancelled status with Failed.
func TestCancelRunningTaskIsNotReprocessedByReap(t *testing.T) {
	s := newTestScheduler(t, NewPriorityStrategy(false), 4)
	tk := task.New("long-runner", "afl", []string{"sleep", "5"})
	tk.OutputDir = "."
	s.Submit(tk)
	s.tick(context.Background())

	_, running, _ := s.Snapshot()
	require.Contains(t, running, tk.ID)

	require.NoError(t, s.Cancel(tk.ID))
	assert.Equal(t, task.Cancelled, tk.Status)

	_, running, _ = s.Snapshot()
	assert.NotContains(t, running, tk.ID)

	select {
	case ev := <-s.Events():
		assert.Equal(t, task.Cancelled, ev.Status)
	default:
		t.Fatal("expected a cancellation event")
	}

	// A reap pass must not find the cancelled task in s.running anymore,
	// so it cannot emit a second, conflicting terminal event for it.
	s.reap()
	select {
	case ev := <-s.Events():
		t.Fatalf("unexpected extra event for cancelled task: %+v", ev)
	default:
	}
	assert.Equal(t, task.Cancelled, tk.Status)
}

func TestCancelUnknownTaskIsANoOp(t *testing.T) {
	s := newTestScheduler(t, NewPriorityStrategy(false), 4)
	assert.NoError(t, s.Cancel(task.New("ghost", "afl", []string{"true"}).ID))
}

func TestCheckRuntimeViolationsTerminatesOnTimeout(t *testing.T) {
	sup := supervisor.New(zap.NewNop(), supervisor.Config{MaxProcesses: 8, GraceTimeout: 500 * time.Millisecond, SampleInterval: 50 * time.Millisecond})
	enforcer := constraint.NewEnforcer(zap.NewNop(), constraint.NewComposite(constraint.Time{}), 1)
	s := New(zap.NewNop(), Config{
		TotalMemoryMB:      4096,
		TotalCores:         4,
		MaxConcurrent:      4,
		SchedulingInterval: time.Hour,
		CleanupInterval:    time.Hour,
	}, NewPriorityStrategy(false), sup, enforcer, nil)

	tk := task.New("slow", "afl", []string{"sleep", "5"})
	tk.OutputDir = "."
	zeroTimeout := 0
	tk.TimeoutSeconds = &zeroTimeout
	s.Submit(tk)
	s.tick(context.Background())

	_, running, _ := s.Snapshot()
	require.Contains(t, running, tk.ID)

	s.checkRuntimeViolations()
	assert.Contains(t, tk.ErrorMessage, "resource constraint violated")

	require.Eventually(t, func() bool {
		s.tick(context.Background())
		return tk.Status == task.Failed
	}, 2*time.Second, 20*time.Millisecond)
}

func TestCheckRuntimeViolationsIgnoresTasksWithoutEnforcer(t *testing.T) {
	sup := supervisor.New(zap.NewNop(), supervisor.Config{MaxProcesses: 8, GraceTimeout: 500 * time.Millisecond, SampleInterval: 50 * time.Millisecond})
	s := New(zap.NewNop(), Config{
		TotalMemoryMB:      4096,
		TotalCores:         4,
		MaxConcurrent:      4,
		SchedulingInterval: time.Hour,
		CleanupInterval:    time.Hour,
	}, NewPriorityStrategy(false), sup, nil, nil)

	tk := quickTask("unbounded")
	s.Submit(tk)
	s.tick(context.Background())

	assert.NotPanics(t, func() { s.checkRuntimeViolations() })
}
