package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("jobq: job not found")
	ErrConflict          = errors.New("jobq: correlation id already exists")
	ErrInvalidJob        = errors.New("jobq: invalid job")
	ErrInvalidTransition = errors.New("jobq: invalid status transition")
)

// ConflictError is returned when an enqueue reuses a live correlation id.
// ExistingID is empty when the clash is inside a single batch.
type ConflictError struct {
	CorrelationID string
	ExistingID    string
}

func (e *ConflictError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("jobq: correlation id %q repeated", e.CorrelationID)
	}
	return fmt.Sprintf("jobq: correlation id %q already used by job %s", e.CorrelationID, e.ExistingID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StateError reports a job that exists but is not in the state an operation needs.
// It matches ErrNotFound so callers can treat both cases alike.
type StateError struct {
	JobID  string
	Status Status
	Want   Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("jobq: job %s is %s, want %s", e.JobID, e.Status, e.Want)
}

func (e *StateError) Is(target error) bool { return target == ErrNotFound }

// RequireProcessing returns a StateError unless j holds a lease.
func RequireProcessing(j *Job) error {
	if j.Status != Processing {
		return &StateError{JobID: j.ID, Status: j.Status, Want: Processing}
	}
	return nil
}
