// Package errs defines the sentinel error kinds used across the
// orchestrator so callers can branch with errors.Is instead of string
// matching, following the error-kind table in the orchestrator design.
package errs

import "errors"

var (
	ErrInvalidTask         = errors.New("invalid task")
	ErrSetupInvalid        = errors.New("adapter setup invalid")
	ErrSpawnFailed         = errors.New("process spawn failed")
	ErrAbnormalExit        = errors.New("process exited abnormally")
	ErrConstraintViolation = errors.New("resource constraint violated")
	ErrResourceAlert       = errors.New("resource threshold exceeded")
	ErrMetricParse         = errors.New("metric parse failed")
	ErrAdapterFailed       = errors.New("adapter operation failed")
	ErrUnknownFuzzerKind   = errors.New("unknown fuzzer kind")
	ErrNotFound            = errors.New("not found")
)
