package resource

import (
	"context"
	"sync"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// TreeRSS sums the resident set size, in MB, of pid and every one of its
// descendants. Children that exit mid-walk are skipped rather than
// treated as an error, since the tree is inherently racy against the
// fuzzer spawning and reaping its own workers.
func TreeRSS(pid int32) (float64, error) {
	root, err := gopsprocess.NewProcess(pid)
	if err != nil {
		return 0, err
	}

	var total float64
	var walk func(p *gopsprocess.Process)
	walk = func(p *gopsprocess.Process) {
		if mi, err := p.MemoryInfo(); err == nil && mi != nil {
			total += float64(mi.RSS) / bytesPerMB
		}
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			walk(c)
		}
	}
	walk(root)
	return total, nil
}

// TreeCPUPercent sums the instantaneous CPU percent of pid and every
// descendant, using gopsutil's interval-based sampling. Vanishing children
// are skipped.
func TreeCPUPercent(ctx context.Context, pid int32) (float64, error) {
	root, err := gopsprocess.NewProcess(pid)
	if err != nil {
		return 0, err
	}

	procs := []*gopsprocess.Process{root}
	for i := 0; i < len(procs); i++ {
		if children, err := procs[i].Children(); err == nil {
			procs = append(procs, children...)
		}
	}

	var total float64
	for _, p := range procs {
		pct, err := p.PercentWithContext(ctx, 0)
		if err != nil {
			continue
		}
		total += pct
	}
	return total, nil
}

// FitsWithinBudget reports whether a managed process tree's current RSS
// stays under 80% of memoryLimitMB, the same admission threshold that
// TreeMonitor.CanAdmit applies to the combined managed trees.
func FitsWithinBudget(pid int32, memoryLimitMB int) (bool, float64, error) {
	rss, err := TreeRSS(pid)
	if err != nil {
		return true, 0, err
	}
	return rss < 0.80*float64(memoryLimitMB), rss, nil
}

// CriticalMemory reports whether a managed process tree's RSS has crossed
// 90% of memoryLimitMB. The constraint package's Memory.CheckRuntime
// reports a runtime violation at this mark.
func CriticalMemory(rssMB float64, memoryLimitMB int) bool {
	return rssMB > 0.90*float64(memoryLimitMB)
}

// TreeMonitor is the managed-pid variant of host monitoring: instead of
// sampling the whole host it accounts only for the memory of a registered
// set of process trees against one shared budget. Admission is allowed
// while the trees' combined RSS stays under 80% of the limit; crossing
// 90% is reported as critical.
type TreeMonitor struct {
	memoryLimitMB int

	mu   sync.Mutex
	pids map[int32]struct{}
}

func NewTreeMonitor(memoryLimitMB int) *TreeMonitor {
	return &TreeMonitor{memoryLimitMB: memoryLimitMB, pids: make(map[int32]struct{})}
}

// Register adds a process tree root to the managed set.
func (t *TreeMonitor) Register(pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pids[pid] = struct{}{}
}

// Unregister drops a process tree root, usually after its process exited.
func (t *TreeMonitor) Unregister(pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pids, pid)
}

// TotalRSS sums the tree RSS of every registered pid. Trees whose root
// has vanished contribute zero.
func (t *TreeMonitor) TotalRSS() float64 {
	t.mu.Lock()
	pids := make([]int32, 0, len(t.pids))
	for pid := range t.pids {
		pids = append(pids, pid)
	}
	t.mu.Unlock()

	var total float64
	for _, pid := range pids {
		if rss, err := TreeRSS(pid); err == nil {
			total += rss
		}
	}
	return total
}

// CanAdmit reports whether the managed trees leave enough headroom to
// admit more work.
func (t *TreeMonitor) CanAdmit() bool {
	return t.TotalRSS() < 0.80*float64(t.memoryLimitMB)
}

// IsCritical reports whether the managed trees' combined RSS has crossed
// the critical warning mark.
func (t *TreeMonitor) IsCritical() bool {
	return CriticalMemory(t.TotalRSS(), t.memoryLimitMB)
}
