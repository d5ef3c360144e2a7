package model

import (
	"errors"
	"fmt"
)

// ValidationError marks a candidate or definition with missing or malformed
// required fields. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ConflictError reports a candidate whose dedup fingerprint already exists in
// the workspace. It is expected and counted as a duplicate.
type ConflictError struct {
	WorkspaceID string
	Hash        string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: fingerprint %s already staged in workspace %s", e.Hash, e.WorkspaceID)
}

// StaleMessageError means the entity a message refers to is no longer in
// the status the handler expects. The message is archived without side effects.
type StaleMessageError struct {
	Entity   string
	ID       string
	Expected string
}

func (e *StaleMessageError) Error() string {
	return fmt.Sprintf("stale: %s %s not in expected status %s", e.Entity, e.ID, e.Expected)
}

// ArchiveReason makes the queue consumer archive instead of retrying.
func (e *StaleMessageError) ArchiveReason() string { return "stale" }

// ExhaustedRetriesError is raised once a message has used its delivery budget.
type ExhaustedRetriesError struct {
	ID         string
	Deliveries int
	Err        error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("exhausted retries for %s after %d deliveries: %v", e.ID, e.Deliveries, e.Err)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Err }

// RunFatalError is an orchestrator failure with zero forward progress.
type RunFatalError struct {
	RunID string
	Err   error
}

func (e *RunFatalError) Error() string {
	return fmt.Sprintf("run %s failed: %v", e.RunID, e.Err)
}

func (e *RunFatalError) Unwrap() error { return e.Err }

// IsStale reports whether err is, or wraps, a StaleMessageError.
func IsStale(err error) bool {
	var se *StaleMessageError
	return errors.As(err, &se)
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
