package scheduler

import (
	"sort"
	"sync"

	"fzorch/internal/task"
)

// Strategy decides which ready task runs next out of the tasks that fit
// the currently available resources.
type Strategy interface {
	Name() string
	// SelectNext returns the task to run next, or nil if none of the
	// ready tasks should be started this tick.
	SelectNext(ready, running []*task.Task, availMemMB, availCores int) *task.Task
}

// Preemptor is implemented by strategies that may terminate an already
// running task to make room for a higher-priority one. FairShareStrategy
// deliberately does not implement it.
type Preemptor interface {
	CanPreempt(candidate, victim *task.Task) bool
}

// PriorityStrategy orders ready tasks by (-priority, created-at) and,
// when AllowPreemption is set, permits preempting a running task whose
// priority trails the best ready candidate's by at least PreemptionGap.
type PriorityStrategy struct {
	AllowPreemption bool
	PreemptionGap   int
}

func NewPriorityStrategy(allowPreemption bool) *PriorityStrategy {
	return &PriorityStrategy{AllowPreemption: allowPreemption, PreemptionGap: 25}
}

func (p *PriorityStrategy) Name() string { return "priority" }

func (p *PriorityStrategy) SelectNext(ready, running []*task.Task, availMemMB, availCores int) *task.Task {
	if len(ready) == 0 {
		return nil
	}
	ordered := make([]*task.Task, len(ready))
	copy(ordered, ready)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	for _, t := range ordered {
		if t.CanFitResources(availMemMB, availCores) {
			return t
		}
	}
	// Nothing fits outright; return the best candidate anyway so the
	// scheduler can consider preemption.
	return ordered[0]
}

func (p *PriorityStrategy) CanPreempt(candidate, victim *task.Task) bool {
	if !p.AllowPreemption {
		return false
	}
	return int(candidate.Priority)-int(victim.Priority) >= p.PreemptionGap
}

// FairShareStrategy scores ready tasks by the tag with the lowest
// current-share/target-share ratio among the task's tags, favoring
// whichever tag has fallen furthest behind its configured weight. It
// never preempts.
type FairShareStrategy struct {
	mu      sync.Mutex
	weights map[string]float64
	runtime map[string]float64
}

func NewFairShareStrategy(weights map[string]float64) *FairShareStrategy {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	shares := make(map[string]float64, len(weights))
	for tag, w := range weights {
		if total > 0 {
			shares[tag] = w / total
		}
	}
	return &FairShareStrategy{weights: shares, runtime: make(map[string]float64)}
}

func (f *FairShareStrategy) Name() string { return "fair_share" }

// AccumulateRuntime adds elapsed seconds of runtime to every tag a task
// carries, called by the scheduler as it reaps a completed task.
func (f *FairShareStrategy) AccumulateRuntime(t *task.Task, seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for tag := range t.Tags {
		f.runtime[tag] += seconds
	}
}

func (f *FairShareStrategy) SelectNext(ready, running []*task.Task, availMemMB, availCores int) *task.Task {
	f.mu.Lock()
	defer f.mu.Unlock()

	var best *task.Task
	bestScore := -1.0
	for _, t := range ready {
		if !t.CanFitResources(availMemMB, availCores) {
			continue
		}
		score := f.scoreLocked(t)
		if best == nil || score < bestScore || (score == bestScore && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
			bestScore = score
		}
	}
	return best
}

func (f *FairShareStrategy) scoreLocked(t *task.Task) float64 {
	minScore := -1.0
	for tag := range t.Tags {
		target := f.weights[tag]
		if target <= 0 {
			continue
		}
		current := f.runtime[tag]
		score := current / target
		if minScore < 0 || score < minScore {
			minScore = score
		}
	}
	if minScore < 0 {
		// Untagged tasks have no accumulated share to fall behind on;
		// treat them as maximally deserving so they aren't starved.
		return 0
	}
	return minScore
}
