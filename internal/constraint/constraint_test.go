package constraint

import (
	"testing"

	"fzorch/internal/resource"
	"fzorch/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func intPtr(v int) *int { return &v }

func TestMemoryAdmissionRejectsOversizedRequest(t *testing.T) {
	m := Memory{GlobalLimitMB: 8192}
	tk := task.New("t", "afl", []string{"./target"})
	tk.MemoryLimitMB = intPtr(4096)

	v := m.CheckAdmission(Snapshot{Task: tk, AvailMemoryMB: 2048})
	require.NotNil(t, v)
	assert.Equal(t, "memory", v.Constraint)
}

func TestMemoryAdmissionAllowsFittingRequest(t *testing.T) {
	m := Memory{GlobalLimitMB: 8192}
	tk := task.New("t", "afl", []string{"./target"})
	tk.MemoryLimitMB = intPtr(1024)

	v := m.CheckAdmission(Snapshot{Task: tk, AvailMemoryMB: 2048, HostUsage: resource.Usage{MemoryUsedMB: 1000}})
	assert.Nil(t, v)
}

func TestMemoryAdmissionRejectsHostOverGlobalLimit(t *testing.T) {
	m := Memory{GlobalLimitMB: 1000}
	tk := task.New("t", "afl", []string{"./target"})

	v := m.CheckAdmission(Snapshot{Task: tk, HostUsage: resource.Usage{MemoryUsedMB: 2000}})
	require.NotNil(t, v)
}

func TestCPUAdmissionRejectsOversizedCoreRequest(t *testing.T) {
	c := CPU{GlobalThresholdPct: 95}
	tk := task.New("t", "afl", []string{"./target"})
	tk.CPUCores = intPtr(8)

	v := c.CheckAdmission(Snapshot{Task: tk, AvailCores: 4})
	require.NotNil(t, v)
}

func TestTimeRuntimeNilWithoutTimeout(t *testing.T) {
	tm := Time{}
	tk := task.New("t", "afl", []string{"./target"})
	v := tm.CheckRuntime(Snapshot{Task: tk})
	assert.Nil(t, v)
}

func TestCompositeAdmissionCollectsAllViolations(t *testing.T) {
	composite := NewComposite(
		Memory{GlobalLimitMB: 100},
		CPU{GlobalThresholdPct: 10},
	)
	tk := task.New("t", "afl", []string{"./target"})

	violations := composite.CheckAdmission(Snapshot{
		Task:      tk,
		HostUsage: resource.Usage{MemoryUsedMB: 200, CPUPercent: 50},
	})
	assert.Len(t, violations, 2)
}

func TestEnforcerTriggersAfterThreshold(t *testing.T) {
	composite := NewComposite(Time{})
	enforcer := NewEnforcer(zap.NewNop(), composite, 3)

	tk := task.New("t", "afl", []string{"./target"})
	tk.TimeoutSeconds = intPtr(0)
	tk.StartedAt = tk.CreatedAt

	snapshot := Snapshot{Task: tk}

	_, kill1 := enforcer.Observe(snapshot)
	_, kill2 := enforcer.Observe(snapshot)
	_, kill3 := enforcer.Observe(snapshot)

	assert.False(t, kill1)
	assert.False(t, kill2)
	assert.True(t, kill3)
}

func TestEnforcerResetsCountOnClean(t *testing.T) {
	composite := NewComposite(Time{})
	enforcer := NewEnforcer(zap.NewNop(), composite, 2)

	tk := task.New("t", "afl", []string{"./target"})
	snapshot := Snapshot{Task: tk}

	_, kill := enforcer.Observe(snapshot)
	assert.False(t, kill)

	enforcer.Reset(tk.ID)
	enforcer.mu.Lock()
	_, tracked := enforcer.counts[tk.ID]
	enforcer.mu.Unlock()
	assert.False(t, tracked)
}
