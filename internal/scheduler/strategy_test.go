package scheduler

import (
	"testing"
	"time"

	"fzorch/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkTask(name string, priority task.Priority, createdAt time.Time) *task.Task {
	t := task.New(name, "afl", []string{"./target"})
	t.Priority = priority
	t.CreatedAt = createdAt
	return t
}

func TestPriorityStrategyOrdersByPriorityThenAge(t *testing.T) {
	now := time.Now()
	low := mkTask("low", task.Low, now)
	high := mkTask("high", task.High, now.Add(time.Second))
	normal := mkTask("normal", task.Normal, now.Add(2*time.Second))

	strategy := NewPriorityStrategy(false)
	next := strategy.SelectNext([]*task.Task{low, normal, high}, nil, 1<<30, 1<<30)
	require.NotNil(t, next)
	assert.Equal(t, "high", next.Name)
}

func TestPriorityStrategyTiesBrokenByCreationOrder(t *testing.T) {
	now := time.Now()
	first := mkTask("first", task.Normal, now)
	second := mkTask("second", task.Normal, now.Add(time.Second))

	strategy := NewPriorityStrategy(false)
	next := strategy.SelectNext([]*task.Task{second, first}, nil, 1<<30, 1<<30)
	require.NotNil(t, next)
	assert.Equal(t, "first", next.Name)
}

func TestPriorityStrategyPreemptionGap(t *testing.T) {
	strategy := NewPriorityStrategy(true)
	candidate := mkTask("c", task.Critical, time.Now())
	victim := mkTask("v", task.Low, time.Now())
	assert.True(t, strategy.CanPreempt(candidate, victim))

	strategy.AllowPreemption = false
	assert.False(t, strategy.CanPreempt(candidate, victim))
}

func TestPriorityStrategyNoPreemptionWithinGap(t *testing.T) {
	strategy := NewPriorityStrategy(true)
	candidate := mkTask("c", task.Normal, time.Now())
	victim := mkTask("v", task.Normal, time.Now())
	assert.False(t, strategy.CanPreempt(candidate, victim))
}

func TestFairShareFavorsUnderservedTag(t *testing.T) {
	strategy := NewFairShareStrategy(map[string]float64{"a": 1, "b": 1})

	taskA := mkTask("a-task", task.Normal, time.Now())
	taskA.Tags["a"] = struct{}{}
	taskB := mkTask("b-task", task.Normal, time.Now())
	taskB.Tags["b"] = struct{}{}

	strategy.AccumulateRuntime(taskA, 100)

	next := strategy.SelectNext([]*task.Task{taskA, taskB}, nil, 1<<30, 1<<30)
	require.NotNil(t, next)
	assert.Equal(t, "b-task", next.Name)
}

func TestFairShareNeverImplementsPreemptor(t *testing.T) {
	strategy := NewFairShareStrategy(nil)
	_, ok := interface{}(strategy).(Preemptor)
	assert.False(t, ok)
}

func TestFairShareSkipsTasksThatDontFit(t *testing.T) {
	strategy := NewFairShareStrategy(map[string]float64{"a": 1})
	mem := 999999
	big := mkTask("big", task.Normal, time.Now())
	big.MemoryLimitMB = &mem

	next := strategy.SelectNext([]*task.Task{big}, nil, 10, 10)
	assert.Nil(t, next)
}
