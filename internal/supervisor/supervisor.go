// Package supervisor owns every spawned fuzzing process: starting it,
// pausing/resuming/terminating it, and sampling its resource usage.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"fzorch/internal/errs"
	"fzorch/internal/resource"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Config bounds the supervisor's behavior.
type Config struct {
	MaxProcesses   int
	GraceTimeout   time.Duration
	SampleInterval time.Duration
}

// Supervisor spawns and manages OS processes on behalf of fuzzing tasks.
type Supervisor struct {
	logger *zap.Logger
	cfg    Config

	mu       sync.RWMutex
	handles  map[string]*ProcessHandle
	commands map[string]*exec.Cmd
}

func New(logger *zap.Logger, cfg Config) *Supervisor {
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = 32
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 30 * time.Second
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	return &Supervisor{
		logger:   logger,
		cfg:      cfg,
		handles:  make(map[string]*ProcessHandle),
		commands: make(map[string]*exec.Cmd),
	}
}

// ActiveCount returns the number of currently running or paused processes.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, h := range s.handles {
		if h.IsAlive() {
			n++
		}
	}
	return n
}

// HasCapacity reports whether another process can be spawned without
// exceeding MaxProcesses.
func (s *Supervisor) HasCapacity() bool {
	return s.ActiveCount() < s.cfg.MaxProcesses
}

// Spawn starts argv as a new managed process for taskID, in workDir, with
// the given extra environment variables merged onto the current process's
// environment. It begins sampling the process tree's resource usage in the
// background until the process exits or ctx is cancelled.
func (s *Supervisor) Spawn(ctx context.Context, taskID string, argv []string, workDir string, env map[string]string) (*ProcessHandle, error) {
	if !s.HasCapacity() {
		return nil, fmt.Errorf("%w: at capacity (%d processes)", errs.ErrSpawnFailed, s.cfg.MaxProcesses)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", errs.ErrSpawnFailed)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// The fuzzer's own output is a data source (libFuzzer metrics are
	// parsed from it), so it goes to a per-task log rather than being
	// discarded.
	var logFile *os.File
	if workDir != "" {
		f, err := os.OpenFile(filepath.Join(workDir, "fuzzer.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.logger.Warn("failed to open fuzzer log, child output is discarded", zap.String("task_id", taskID), zap.Error(err))
		} else {
			logFile = f
			cmd.Stdout = f
			cmd.Stderr = f
		}
	}

	handle := newHandle(taskID)

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		handle.setState(Failed)
		handle.errMsg = err.Error()
		return handle, fmt.Errorf("%w: %s", errs.ErrSpawnFailed, err)
	}

	handle.mu.Lock()
	handle.pid = cmd.Process.Pid
	handle.startTime = time.Now()
	handle.state = Running
	handle.mu.Unlock()

	s.mu.Lock()
	s.handles[taskID] = handle
	s.commands[taskID] = cmd
	s.mu.Unlock()

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	go s.waitAndReap(cmd, handle, logFile, cancelMonitor)
	go s.monitor(monitorCtx, handle)

	s.logger.Info("spawned process", zap.String("task_id", taskID), zap.Int("pid", handle.pid))
	return handle, nil
}

func (s *Supervisor) waitAndReap(cmd *exec.Cmd, handle *ProcessHandle, logFile *os.File, cancelMonitor context.CancelFunc) {
	err := cmd.Wait()
	defer cancelMonitor()
	if logFile != nil {
		logFile.Close()
	}

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	handle.mu.Lock()
	handle.exitCode = &code
	handle.endTime = time.Now()
	if handle.state != Failed {
		handle.state = Terminated
	}
	handle.mu.Unlock()

	s.logger.Info("process exited", zap.String("task_id", handle.TaskID), zap.Int("exit_code", code))
}

func (s *Supervisor) monitor(ctx context.Context, handle *ProcessHandle) {
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !handle.IsAlive() {
				return
			}
			rss, err := resource.TreeRSS(int32(handle.PID()))
			if err != nil {
				continue
			}
			cpuPct, _ := resource.TreeCPUPercent(ctx, int32(handle.PID()))

			numThreads, ioRead, ioWrite := procDetail(int32(handle.PID()))
			handle.addMetric(ProcessMetric{
				Timestamp:    time.Now(),
				CPUPercent:   cpuPct,
				MemoryMB:     rss,
				NumThreads:   numThreads,
				IOReadBytes:  ioRead,
				IOWriteBytes: ioWrite,
			})
		}
	}
}

func procDetail(pid int32) (numThreads int32, ioRead, ioWrite uint64) {
	p, err := gopsprocess.NewProcess(pid)
	if err != nil {
		return 0, 0, 0
	}
	if n, err := p.NumThreads(); err == nil {
		numThreads = n
	}
	if io, err := p.IOCounters(); err == nil && io != nil {
		ioRead, ioWrite = io.ReadBytes, io.WriteBytes
	}
	return
}

// Pause sends SIGSTOP to the managed process group.
func (s *Supervisor) Pause(taskID string) error {
	handle, cmd, ok := s.lookup(taskID)
	if !ok {
		return fmt.Errorf("%w: task %s", errs.ErrNotFound, taskID)
	}
	if handle.State() != Running {
		return nil
	}
	if err := signalGroup(cmd, syscall.SIGSTOP); err != nil {
		return err
	}
	handle.setState(Paused)
	s.logger.Debug("paused process", zap.String("task_id", taskID))
	return nil
}

// Resume sends SIGCONT to the managed process group.
func (s *Supervisor) Resume(taskID string) error {
	handle, cmd, ok := s.lookup(taskID)
	if !ok {
		return fmt.Errorf("%w: task %s", errs.ErrNotFound, taskID)
	}
	if handle.State() != Paused {
		return nil
	}
	if err := signalGroup(cmd, syscall.SIGCONT); err != nil {
		return err
	}
	handle.setState(Running)
	s.logger.Debug("resumed process", zap.String("task_id", taskID))
	return nil
}

// Terminate sends SIGTERM, waits up to the supervisor's grace timeout, and
// escalates to SIGKILL if the process hasn't exited by then.
func (s *Supervisor) Terminate(taskID string) error {
	handle, cmd, ok := s.lookup(taskID)
	if !ok {
		return fmt.Errorf("%w: task %s", errs.ErrNotFound, taskID)
	}
	if !handle.IsAlive() {
		return nil
	}

	if err := signalGroup(cmd, syscall.SIGTERM); err != nil {
		return err
	}

	deadline := time.After(s.cfg.GraceTimeout)
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-deadline:
			_ = signalGroup(cmd, syscall.SIGKILL)
			return nil
		case <-poll.C:
			if !handle.IsAlive() {
				return nil
			}
		}
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return errs.ErrNotFound
	}
	return syscall.Kill(-cmd.Process.Pid, sig)
}

func (s *Supervisor) lookup(taskID string) (*ProcessHandle, *exec.Cmd, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handle, ok := s.handles[taskID]
	if !ok {
		return nil, nil, false
	}
	return handle, s.commands[taskID], true
}

// Handle returns the ProcessHandle for a task, if one has been spawned.
func (s *Supervisor) Handle(taskID string) (*ProcessHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[taskID]
	return h, ok
}

// Remove drops bookkeeping for a task once it's no longer needed (after a
// terminal status and any post-processing).
func (s *Supervisor) Remove(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, taskID)
	delete(s.commands, taskID)
}

// ShutdownAll terminates every still-alive managed process, waiting up to
// graceTimeout in aggregate.
func (s *Supervisor) ShutdownAll() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.handles))
	for id, h := range s.handles {
		if h.IsAlive() {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(taskID string) {
			defer wg.Done()
			if err := s.Terminate(taskID); err != nil {
				s.logger.Warn("failed to terminate process during shutdown", zap.String("task_id", taskID), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}
