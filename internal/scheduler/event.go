package scheduler

import (
	"github.com/google/uuid"

	"fzorch/internal/task"
)

// Event reports a task's status transition out of the scheduler, fed
// through a channel instead of a direct callback so the orchestrator is
// never invoked re-entrantly from inside the scheduler's lock.
type Event struct {
	TaskID uuid.UUID
	Status task.Status
	Err    error
}
