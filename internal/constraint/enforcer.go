package constraint

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Enforcer runs the composite's runtime check against live tasks and
// decides whether a repeated violation warrants killing the task. Each
// task accumulates its own violation count so a single transient spike
// doesn't trigger termination.
type Enforcer struct {
	logger    *zap.Logger
	composite Composite

	// KillThreshold is the number of consecutive runtime violations at
	// which Observe reports that the task should be killed. NewEnforcer
	// turns zero or less into 1, so a single violation is then enough.
	KillThreshold int

	mu     sync.Mutex
	counts map[uuid.UUID]int
}

func NewEnforcer(logger *zap.Logger, composite Composite, killThreshold int) *Enforcer {
	if killThreshold <= 0 {
		killThreshold = 1
	}
	return &Enforcer{
		logger:        logger,
		composite:     composite,
		KillThreshold: killThreshold,
		counts:        make(map[uuid.UUID]int),
	}
}

// Observe runs the runtime check for one task and returns the violation,
// if any, along with whether the accumulated count has reached the kill
// threshold.
func (e *Enforcer) Observe(s Snapshot) (*Violation, bool) {
	v := e.composite.CheckRuntime(s)

	e.mu.Lock()
	defer e.mu.Unlock()

	taskID := s.Task.ID
	if v == nil {
		delete(e.counts, taskID)
		return nil, false
	}

	e.counts[taskID]++
	count := e.counts[taskID]
	e.logger.Warn("constraint violation observed",
		zap.String("task_id", taskID.String()),
		zap.String("constraint", v.Constraint),
		zap.String("detail", v.Detail),
		zap.Int("count", count))

	return v, count >= e.KillThreshold
}

// Reset clears a task's accumulated violation count, e.g. after it's been
// terminated or restarted.
func (e *Enforcer) Reset(taskID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.counts, taskID)
}

// Admit runs the admission check and reports every reason the task can't
// start right now.
func (e *Enforcer) Admit(s Snapshot) []Violation {
	return e.composite.CheckAdmission(s)
}
