// Package task implements the Task value: an immutable description
// plus the mutable lifecycle state of one fuzzing job.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task is a passive value manipulated by the scheduler, supervisor,
// and adapters. After submission its status and timestamps change only
// through UpdateStatus and Restart; the scheduler also removes completed
// dependencies from Dependencies, and ErrorMessage is set when submission
// setup marks a task FAILED or a task is killed for a constraint violation.
type Task struct {
	ID         uuid.UUID
	Name       string
	FuzzerKind string
	Command    []string

	MemoryLimitMB  *int
	CPUCores       *int
	TimeoutSeconds *int

	SeedDir   string
	OutputDir string
	CorpusDir string

	FuzzerConfig map[string]any
	Priority     Priority
	Tags         map[string]struct{}
	Dependencies map[uuid.UUID]struct{}

	Status Status

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	ExitCode     *int
	ErrorMessage string

	RestartCount int
}

// New constructs a Task with a freshly generated ID and PENDING status.
// A command supplied as one element containing whitespace is treated as
// an untokenized command line and split with TokenizeCommand, so the
// stored form is always a proper argument vector.
func New(name, fuzzerKind string, command []string) *Task {
	if len(command) == 1 && strings.ContainsAny(command[0], " \t") {
		command = TokenizeCommand(command[0])
	}
	return &Task{
		ID:           uuid.New(),
		Name:         name,
		FuzzerKind:   fuzzerKind,
		Command:      command,
		Priority:     Normal,
		Tags:         map[string]struct{}{},
		Dependencies: map[uuid.UUID]struct{}{},
		Status:       Pending,
		CreatedAt:    now(),
	}
}

// now exists so tests can stub time; production uses the wall clock.
var now = time.Now

// IsReady reports whether the task may be considered by the scheduler:
// PENDING with every dependency already resolved by the caller (the
// scheduler deletes a dependency from Dependencies when that dependency
// completes, see internal/scheduler).
func (t *Task) IsReady() bool {
	return t.Status == Pending && len(t.Dependencies) == 0
}

// CanFitResources reports whether the task's resource requests (where
// set) fit within the given availability. A nil requirement always
// fits.
func (t *Task) CanFitResources(availMemMB, availCores int) bool {
	if t.MemoryLimitMB != nil && *t.MemoryLimitMB > availMemMB {
		return false
	}
	if t.CPUCores != nil && *t.CPUCores > availCores {
		return false
	}
	return true
}

// UpdateStatus validates the transition, applies it, and stamps
// StartedAt/CompletedAt. Setting the status the task already has is a
// no-op that returns nil; any transition not in validTransitions,
// including every transition out of a terminal status, returns an error
// and leaves the task unchanged.
func (t *Task) UpdateStatus(newStatus Status) error {
	if t.Status == newStatus {
		return nil
	}
	if !canTransition(t.Status, newStatus) {
		return fmt.Errorf("task %s: invalid transition %s -> %s", t.ID, t.Status, newStatus)
	}
	t.Status = newStatus
	switch newStatus {
	case Running:
		if t.StartedAt.IsZero() {
			t.StartedAt = now()
		}
	case Completed, Failed, Cancelled:
		t.CompletedAt = now()
	}
	return nil
}

// Duration returns wall-clock elapsed since StartedAt, or zero if the
// task has not started. For a running task it is measured against the
// current time; for a terminal task against CompletedAt.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	end := t.CompletedAt
	if end.IsZero() {
		end = now()
	}
	return end.Sub(t.StartedAt)
}

// Restart resets a terminal task back to PENDING for another attempt,
// clearing its run timestamps and exit info and incrementing
// RestartCount. Callers (the orchestrator's auto-restart policy) are
// responsible for enforcing a maximum attempt count before calling this.
func (t *Task) Restart() {
	t.Status = Pending
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
	t.ExitCode = nil
	t.ErrorMessage = ""
	t.RestartCount++
}

// HasTag reports whether the task carries the given fair-share tag.
func (t *Task) HasTag(tag string) bool {
	_, ok := t.Tags[tag]
	return ok
}

// TokenizeCommand splits a single command string into an argument
// vector using POSIX-like shell quoting rules: single quotes, double
// quotes, and backslash escapes outside single quotes.
func TokenizeCommand(s string) []string {
	var (
		tokens []string
		cur    []rune
		inTok  bool
		quote  rune
	)
	flush := func() {
		if inTok {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
			inTok = false
		}
	}
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			if quote == '"' && r == '\\' && i+1 < len(runes) {
				next := runes[i+1]
				if next == '"' || next == '\\' || next == '$' {
					cur = append(cur, next)
					i++
					continue
				}
			}
			cur = append(cur, r)
			inTok = true
		case r == '\'' || r == '"':
			quote = r
			inTok = true
		case r == '\\' && i+1 < len(runes):
			cur = append(cur, runes[i+1])
			inTok = true
			i++
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur = append(cur, r)
			inTok = true
		}
	}
	flush()
	return tokens
}
