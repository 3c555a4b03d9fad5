package task

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsReady(t *testing.T) {
	tk := New("t1", "afl", []string{"bin"})
	assert.True(t, tk.IsReady())

	tk.Dependencies[uuid.New()] = struct{}{}
	assert.False(t, tk.IsReady())

	require.NoError(t, tk.UpdateStatus(Scheduled))
	assert.False(t, tk.IsReady())
}

func TestCanFitResources(t *testing.T) {
	mem := 512
	cores := 4
	tk := &Task{MemoryLimitMB: &mem, CPUCores: &cores}

	assert.True(t, tk.CanFitResources(1024, 8))
	assert.True(t, tk.CanFitResources(512, 4))
	assert.False(t, tk.CanFitResources(256, 8))
	assert.False(t, tk.CanFitResources(1024, 2))

	unconstrained := &Task{}
	assert.True(t, unconstrained.CanFitResources(0, 0))
}

func TestUpdateStatusLifecycle(t *testing.T) {
	tk := New("t1", "afl", []string{"bin"})
	require.NoError(t, tk.UpdateStatus(Scheduled))
	require.NoError(t, tk.UpdateStatus(Running))
	assert.False(t, tk.StartedAt.IsZero())

	require.NoError(t, tk.UpdateStatus(Paused))
	require.NoError(t, tk.UpdateStatus(Running))

	require.NoError(t, tk.UpdateStatus(Completed))
	assert.True(t, tk.Status.IsTerminal())
	assert.False(t, tk.CompletedAt.IsZero())

	err := tk.UpdateStatus(Running)
	assert.Error(t, err)
}

func TestUpdateStatusInvalidTransition(t *testing.T) {
	tk := New("t1", "afl", []string{"bin"})
	err := tk.UpdateStatus(Completed)
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	tk := New("t1", "afl", []string{"bin"})
	assert.Equal(t, time.Duration(0), tk.Duration())

	tk.StartedAt = time.Now().Add(-5 * time.Second)
	assert.GreaterOrEqual(t, tk.Duration(), 5*time.Second)

	tk.CompletedAt = tk.StartedAt.Add(2 * time.Second)
	assert.Equal(t, 2*time.Second, tk.Duration())
}

func TestTokenizeCommand(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"afl-fuzz -i in -o out -- ./bin @@", []string{"afl-fuzz", "-i", "in", "-o", "out", "--", "./bin", "@@"}},
		{`bin --arg="hello world"`, []string{"bin", `--arg=hello world`}},
		{"bin 'single quoted'", []string{"bin", "single quoted"}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, TokenizeCommand(c.in))
	}
}
