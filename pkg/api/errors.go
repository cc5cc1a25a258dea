package api

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInstanceNotFound is returned when a workflow instance is not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrSpecNotFound is returned when no specification is registered for a
	// workflow type.
	ErrSpecNotFound = errors.New("specification not registered")

	// ErrStoreUnavailable wraps transient store failures. Nothing has been
	// applied; the caller (or the transport's redelivery) retries.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInstanceSuspended is returned when a domain event is submitted to a
	// suspended instance.
	ErrInstanceSuspended = errors.New("instance suspended")

	// ErrInstanceTerminal is returned when a domain event is submitted to an
	// instance in a terminal state.
	ErrInstanceTerminal = errors.New("instance terminal")
)

// SequenceConflictError is returned by EventLog.Append when the caller's
// expected sequence does not match the instance's current tail. The engine
// reloads the tail and retries the transition; the error is never
// user-visible on the happy path.
type SequenceConflictError struct {
	WorkflowType string
	InstanceID   uuid.UUID
	Expected     uint64
	Actual       uint64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence conflict on %s/%s: expected tail %d, actual %d",
		e.WorkflowType, e.InstanceID, e.Expected, e.Actual)
}

// IsSequenceConflict reports whether err is (or wraps) a sequence conflict.
func IsSequenceConflict(err error) bool {
	var sc *SequenceConflictError
	return errors.As(err, &sc)
}

// InvalidTransitionError is returned when no transition matches the active
// state and event type, or when a compute fails. Computes are pure by
// contract, so a compute failure is a specification bug, not retried.
type InvalidTransitionError struct {
	WorkflowType string
	State        StateSet
	EventType    string
	Reason       string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("no transition for event %q in state [%s] of %s",
		e.EventType, e.State, e.WorkflowType)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// EffectError is returned by the scheduler when an effect invocation fails
// or times out. Retryable until the attempt budget is exhausted.
type EffectError struct {
	Effect  string
	Attempt int
	Err     error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("effect %q attempt %d: %v", e.Effect, e.Attempt, e.Err)
}

func (e *EffectError) Unwrap() error { return e.Err }
