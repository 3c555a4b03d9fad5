package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSupervisor() *Supervisor {
	return New(zap.NewNop(), Config{MaxProcesses: 4, GraceTimeout: 500 * time.Millisecond, SampleInterval: 50 * time.Millisecond})
}

func TestSpawnAndWaitForExit(t *testing.T) {
	s := newTestSupervisor()
	handle, err := s.Spawn(context.Background(), "task-exit", []string{"sleep", "0.1"}, t.TempDir(), nil)
	require.NoError(t, err)
	assert.True(t, handle.PID() > 0)

	assert.Eventually(t, func() bool {
		return handle.State() == Terminated
	}, 2*time.Second, 10*time.Millisecond)

	code, ok := handle.ExitCode()
	require.True(t, ok)
	assert.Equal(t, 0, code)
}

func TestSpawnWritesChildOutputToLog(t *testing.T) {
	s := newTestSupervisor()
	dir := t.TempDir()
	_, err := s.Spawn(context.Background(), "task-log", []string{"sh", "-c", "echo fuzz-output"}, dir, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "fuzzer.log"))
		return err == nil && strings.Contains(string(data), "fuzz-output")
	}, 2*time.Second, 20*time.Millisecond)
}

func TestPauseAndResume(t *testing.T) {
	s := newTestSupervisor()
	handle, err := s.Spawn(context.Background(), "task-pause", []string{"sleep", "1"}, t.TempDir(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Pause("task-pause"))
	assert.Equal(t, Paused, handle.State())

	require.NoError(t, s.Resume("task-pause"))
	assert.Equal(t, Running, handle.State())

	require.NoError(t, s.Terminate("task-pause"))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	s := newTestSupervisor()
	// A shell that ignores SIGTERM, forcing the grace-timeout SIGKILL path.
	handle, err := s.Spawn(context.Background(), "task-stubborn", []string{"sh", "-c", "trap '' TERM; sleep 5"}, t.TempDir(), nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, s.Terminate("task-stubborn"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, s.cfg.GraceTimeout)
	assert.Eventually(t, func() bool {
		return !handle.IsAlive()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHasCapacityRespectsMaxProcesses(t *testing.T) {
	s := New(zap.NewNop(), Config{MaxProcesses: 1, GraceTimeout: time.Second, SampleInterval: 100 * time.Millisecond})
	_, err := s.Spawn(context.Background(), "task-a", []string{"sleep", "1"}, t.TempDir(), nil)
	require.NoError(t, err)

	assert.False(t, s.HasCapacity())
	_, err = s.Spawn(context.Background(), "task-b", []string{"sleep", "1"}, t.TempDir(), nil)
	assert.Error(t, err)

	require.NoError(t, s.Terminate("task-a"))
}

func TestMonitorCollectsMetrics(t *testing.T) {
	s := newTestSupervisor()
	handle, err := s.Spawn(context.Background(), "task-metrics", []string{"sleep", "0.5"}, t.TempDir(), nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, ok := handle.CurrentMetric()
		return ok
	}, time.Second, 20*time.Millisecond)

	require.NoError(t, s.Terminate("task-metrics"))
}

func TestUnknownTaskOperationsError(t *testing.T) {
	s := newTestSupervisor()
	assert.Error(t, s.Pause("missing"))
	assert.Error(t, s.Resume("missing"))
	assert.Error(t, s.Terminate("missing"))
}

func TestShutdownAllTerminatesEverything(t *testing.T) {
	s := newTestSupervisor()
	_, err := s.Spawn(context.Background(), "task-1", []string{"sleep", "2"}, t.TempDir(), nil)
	require.NoError(t, err)
	_, err = s.Spawn(context.Background(), "task-2", []string{"sleep", "2"}, t.TempDir(), nil)
	require.NoError(t, err)

	s.ShutdownAll()
	assert.Equal(t, 0, s.ActiveCount())
}
