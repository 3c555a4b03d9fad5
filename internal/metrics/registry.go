package metrics

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultHistorySize = 1000

// Registry is the central metrics collection and analysis system: it owns
// one Provider per task, keeps a bounded sample history, and derives
// efficiency/priority/stall signals from it.
type Registry struct {
	logger      *zap.Logger
	historySize int
	snapshotter *redis.Client

	mu        sync.RWMutex
	providers map[string]Provider
	history   map[string][]Sample
}

func NewRegistry(logger *zap.Logger, snapshotter *redis.Client) *Registry {
	return &Registry{
		logger:      logger,
		historySize: defaultHistorySize,
		snapshotter: snapshotter,
		providers:   make(map[string]Provider),
		history:     make(map[string][]Sample),
	}
}

// RegisterProvider wires a task's metric provider into the registry. Call
// once per task, before the first Collect.
func (r *Registry) RegisterProvider(taskID string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[taskID] = provider
	r.history[taskID] = nil
	r.logger.Debug("registered metric provider", zap.String("task_id", taskID))
}

// Unregister drops a task's provider and history, used once a task reaches
// a terminal state and its metrics have been finalized.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, taskID)
	delete(r.history, taskID)
}

// Collect pulls one sample from a task's provider, appends it to history,
// and mirrors it to the optional snapshot sink.
func (r *Registry) Collect(ctx context.Context, taskID string) (Sample, bool) {
	r.mu.Lock()
	provider, ok := r.providers[taskID]
	r.mu.Unlock()
	if !ok {
		return Sample{}, false
	}

	sample, err := provider.Collect()
	if err != nil {
		// A malformed stats file poisons only this sample; record a zero
		// sample so the history keeps its cadence.
		r.logger.Warn("metrics collection error, substituting empty sample", zap.String("task_id", taskID), zap.Error(err))
		sample = Sample{Timestamp: time.Now()}
	}

	r.mu.Lock()
	hist := append(r.history[taskID], sample)
	if len(hist) > r.historySize {
		hist = hist[len(hist)-r.historySize:]
	}
	r.history[taskID] = hist
	r.mu.Unlock()

	r.snapshot(ctx, taskID, sample)
	return sample, true
}

func (r *Registry) snapshot(ctx context.Context, taskID string, sample Sample) {
	if r.snapshotter == nil {
		return
	}
	body, err := json.Marshal(sample)
	if err != nil {
		return
	}
	key := "fzorch:metrics:" + taskID
	if err := r.snapshotter.Set(ctx, key, body, time.Hour).Err(); err != nil {
		r.logger.Debug("failed to mirror metrics snapshot", zap.String("task_id", taskID), zap.Error(err))
	}
}

// IsStalled delegates to the task's provider. Returns false for an unknown
// task id rather than erroring, since a task that was never registered
// cannot be considered stalled.
func (r *Registry) IsStalled(taskID string, thresholdSeconds int) bool {
	r.mu.RLock()
	provider, ok := r.providers[taskID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return provider.IsStalled(thresholdSeconds)
}

// Efficiency scores a task 0-100 from its last up-to-10 samples, weighting
// execution speed, path discovery rate, crash discovery, and stability.
// Fewer than two samples yields the neutral default of 50.
func (r *Registry) Efficiency(taskID string) float64 {
	r.mu.RLock()
	history := r.history[taskID]
	r.mu.RUnlock()

	if len(history) < 2 {
		return 50.0
	}

	recent := history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	last := recent[len(recent)-1]
	first := recent[0]

	execScore := min100(last.ExecutionsPerSecond / 1000 * 50)

	pathRate := float64(last.TotalPaths-first.TotalPaths) / float64(len(recent))
	pathScore := min100(pathRate * 10)

	crashScore := min100(float64(last.UniqueCrashes) * 20)

	stabilityScore := last.StabilityPercent

	efficiency := execScore*0.2 + pathScore*0.3 + crashScore*0.4 + stabilityScore*0.1
	return clamp0100(efficiency)
}

func min100(v float64) float64 {
	if v > 100 {
		return 100
	}
	return v
}

func clamp0100(v float64) float64 {
	if v > 100 {
		return 100
	}
	if v < 0 {
		return 0
	}
	return v
}

// TaskScore pairs a task id with its efficiency for ranking.
type TaskScore struct {
	TaskID     string
	Efficiency float64
}

// TopN returns the n best-performing registered tasks by Efficiency,
// highest first.
func (r *Registry) TopN(n int) []TaskScore {
	r.mu.RLock()
	ids := make([]string, 0, len(r.history))
	for id := range r.history {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	scores := make([]TaskScore, 0, len(ids))
	for _, id := range ids {
		scores = append(scores, TaskScore{TaskID: id, Efficiency: r.Efficiency(id)})
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Efficiency > scores[j].Efficiency })
	if n < len(scores) {
		scores = scores[:n]
	}
	return scores
}

// ShouldPrioritize decides whether the scheduler should favor this task.
// Tasks with fewer than 5 samples are always given a chance. A task is
// prioritized if it's finding new crashes or has a high path discovery
// rate, de-prioritized if it has stalled for 30 minutes, and neutral
// (prioritized) otherwise.
func (r *Registry) ShouldPrioritize(taskID string) bool {
	r.mu.RLock()
	history := r.history[taskID]
	r.mu.RUnlock()

	if len(history) < 5 {
		return true
	}

	recent := history[len(history)-5:]
	first, last := recent[0], recent[len(recent)-1]

	if last.UniqueCrashes > first.UniqueCrashes {
		return true
	}

	pathRate := float64(last.TotalPaths-first.TotalPaths) / float64(len(recent))
	if pathRate > 10 {
		return true
	}

	if r.IsStalled(taskID, 1800) {
		return false
	}

	return true
}
