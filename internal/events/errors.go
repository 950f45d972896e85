package events

import (
	"errors"
	"fmt"
)

// Failure taxonomy surfaced to callers. The coordinator never swallows these;
// each gate returns its specific kind untouched.
var (
	// ErrDenied indicates the actor holds no sufficient role on the event.
	ErrDenied = errors.New("events: permission denied")
	// ErrNotFound indicates an unknown event or version.
	ErrNotFound = errors.New("events: not found")
	// ErrConcurrentModification indicates an optimistic-concurrency version
	// mismatch; callers should refetch and retry with fresh data.
	ErrConcurrentModification = errors.New("events: concurrent modification")
	// ErrConflict indicates the candidate overlaps committed events.
	ErrConflict = errors.New("events: scheduling conflict")
	// ErrHorizonExceeded indicates a recurrence expansion exceeded the
	// configured occurrence bound; the caller must narrow the range.
	ErrHorizonExceeded = errors.New("events: recurrence horizon exceeded")
	// ErrBatchAborted marks a batch item that passed its own gates but was
	// discarded because a sibling item failed.
	ErrBatchAborted = errors.New("events: batch aborted")
)

// ConflictError carries the conflict set so the caller can resolve it.
type ConflictError struct {
	Conflicts ConflictSet
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: %d overlapping event(s)", ErrConflict, len(e.Conflicts))
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// ServiceError wraps infrastructure failures with an operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
