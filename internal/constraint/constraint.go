// Package constraint admits and polices tasks against memory, CPU, and
// runtime budgets, both host-wide (from resource.Monitor) and per-task
// (from the process tree a supervisor.ProcessHandle tracks).
package constraint

import (
	"fmt"
	"time"

	"fzorch/internal/resource"
	"fzorch/internal/supervisor"
	"fzorch/internal/task"
)

// Snapshot is the information a Constraint needs to judge one task,
// gathered once per check so every constraint sees a consistent view.
type Snapshot struct {
	Task          *task.Task
	Handle        *supervisor.ProcessHandle
	HostUsage     resource.Usage
	TotalCores    int
	AvailMemoryMB int
	AvailCores    int
}

// Violation describes why a constraint was not satisfied.
type Violation struct {
	Constraint string
	Detail     string
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Constraint, v.Detail)
}

// Constraint judges a task against a resource budget, either at admission
// time (before a task starts) or at runtime (while it's already running).
type Constraint interface {
	Name() string
	CheckAdmission(s Snapshot) *Violation
	CheckRuntime(s Snapshot) *Violation
}

// Memory enforces a global host memory budget and, where a task declares
// MemoryLimitMB, a per-task process-tree RSS cap.
type Memory struct {
	GlobalLimitMB int
}

func (m Memory) Name() string { return "memory" }

func (m Memory) CheckAdmission(s Snapshot) *Violation {
	if m.GlobalLimitMB > 0 && s.HostUsage.MemoryUsedMB > float64(m.GlobalLimitMB) {
		return &Violation{Constraint: m.Name(), Detail: fmt.Sprintf("host memory %.0fMB exceeds global limit %dMB", s.HostUsage.MemoryUsedMB, m.GlobalLimitMB)}
	}
	if s.Task.MemoryLimitMB != nil && s.AvailMemoryMB > 0 && *s.Task.MemoryLimitMB > s.AvailMemoryMB {
		return &Violation{Constraint: m.Name(), Detail: fmt.Sprintf("requested %dMB exceeds available %dMB", *s.Task.MemoryLimitMB, s.AvailMemoryMB)}
	}
	return nil
}

func (m Memory) CheckRuntime(s Snapshot) *Violation {
	if s.Task.MemoryLimitMB == nil || s.Handle == nil {
		return nil
	}
	metric, ok := s.Handle.CurrentMetric()
	if !ok {
		return nil
	}
	if resource.CriticalMemory(metric.MemoryMB, *s.Task.MemoryLimitMB) {
		return &Violation{Constraint: m.Name(), Detail: fmt.Sprintf("process tree RSS %.0fMB near limit %dMB", metric.MemoryMB, *s.Task.MemoryLimitMB)}
	}
	return nil
}

// CPU enforces a global host CPU budget and, where a task declares
// CPUCores, a proportional per-task CPU-percent cap.
type CPU struct {
	GlobalThresholdPct float64
}

func (c CPU) Name() string { return "cpu" }

func (c CPU) CheckAdmission(s Snapshot) *Violation {
	if c.GlobalThresholdPct > 0 && s.HostUsage.CPUPercent > c.GlobalThresholdPct {
		return &Violation{Constraint: c.Name(), Detail: fmt.Sprintf("host CPU %.1f%% exceeds threshold %.1f%%", s.HostUsage.CPUPercent, c.GlobalThresholdPct)}
	}
	if s.Task.CPUCores != nil && s.AvailCores > 0 && *s.Task.CPUCores > s.AvailCores {
		return &Violation{Constraint: c.Name(), Detail: fmt.Sprintf("requested %d cores exceeds available %d", *s.Task.CPUCores, s.AvailCores)}
	}
	return nil
}

func (c CPU) CheckRuntime(s Snapshot) *Violation {
	if s.Task.CPUCores == nil || s.Handle == nil || s.TotalCores <= 0 {
		return nil
	}
	metric, ok := s.Handle.CurrentMetric()
	if !ok {
		return nil
	}
	requiredSharePct := float64(*s.Task.CPUCores) * (100.0 / float64(s.TotalCores))
	// Allow generous headroom over the nominal share; this only flags
	// sustained, egregious overuse, not normal bursts.
	if metric.CPUPercent > requiredSharePct*3 {
		return &Violation{Constraint: c.Name(), Detail: fmt.Sprintf("process CPU %.1f%% far exceeds share %.1f%%", metric.CPUPercent, requiredSharePct)}
	}
	return nil
}

// Time enforces a task's own TimeoutSeconds, if set.
type Time struct{}

func (Time) Name() string { return "time" }

func (Time) CheckAdmission(s Snapshot) *Violation { return nil }

func (Time) CheckRuntime(s Snapshot) *Violation {
	if s.Task.TimeoutSeconds == nil {
		return nil
	}
	limit := time.Duration(*s.Task.TimeoutSeconds) * time.Second

	runtime := s.Task.Duration()
	if s.Handle != nil {
		runtime = s.Handle.Runtime()
	}
	if runtime > limit {
		return &Violation{Constraint: "time", Detail: fmt.Sprintf("runtime %s exceeds limit %s", runtime, limit)}
	}
	return nil
}

// Composite evaluates a set of constraints together: admission requires
// every constraint to pass; a runtime check reports the first constraint
// that's violated.
type Composite struct {
	Constraints []Constraint
}

func NewComposite(cs ...Constraint) Composite {
	return Composite{Constraints: cs}
}

// CheckAdmission returns every violation found, so a caller can log all
// the reasons a task can't start rather than just the first.
func (c Composite) CheckAdmission(s Snapshot) []Violation {
	var violations []Violation
	for _, constraint := range c.Constraints {
		if v := constraint.CheckAdmission(s); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

// CheckRuntime returns the first runtime violation encountered, since any
// one of them is grounds for the enforcer to act.
func (c Composite) CheckRuntime(s Snapshot) *Violation {
	for _, constraint := range c.Constraints {
		if v := constraint.CheckRuntime(s); v != nil {
			return v
		}
	}
	return nil
}
