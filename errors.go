package saga

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownSaga is returned when a definition name is not registered.
	ErrUnknownSaga = errors.New("unknown saga definition")

	// ErrDuplicateDefinition is returned when a definition name is already
	// registered. Definitions are immutable once registered.
	ErrDuplicateDefinition = errors.New("saga definition already registered")

	// ErrUnknownParticipant is returned when a step's target service has no
	// registered participant.
	ErrUnknownParticipant = errors.New("unknown participant service")

	// ErrDuplicateParticipant is returned when a service name is already
	// registered.
	ErrDuplicateParticipant = errors.New("participant service already registered")

	// ErrInstanceNotFound is returned by a state store when no record exists
	// for the requested saga id.
	ErrInstanceNotFound = errors.New("saga instance not found")

	// ErrVersionConflict is returned by a state store when a Save carries a
	// stale version, meaning another writer advanced the instance.
	ErrVersionConflict = errors.New("saga instance version conflict")

	// ErrAlreadyRunning is returned when a second execution loop is requested
	// for an instance that already has one active in this process.
	ErrAlreadyRunning = errors.New("saga instance already has an active execution loop")

	// ErrTerminalState is returned when an operation is requested on an
	// instance that already reached COMPLETED, COMPENSATED or FAILED.
	ErrTerminalState = errors.New("saga instance is in a terminal state")

	// ErrAborted marks an instance whose rollback was requested by Abort
	// rather than triggered by a step failure.
	ErrAborted = errors.New("saga aborted")

	// ErrNoHandler is returned by the choreography engine when an event type
	// has no registered handler.
	ErrNoHandler = errors.New("no handler registered for event")
)

// StepTimeoutError reports that a single action or compensation call exceeded
// the step's timeout. It is retried per the step's policy before surfacing.
type StepTimeoutError struct {
	Step    StepName
	Kind    CallKind
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %q: %s call timed out after %s", e.Step, e.Kind, e.Timeout)
}

// StepExecutionError reports that a step's action failed permanently: every
// retry was exhausted and the fallback, if any, failed too. It triggers
// compensation.
type StepExecutionError struct {
	Step StepName
	Kind CallKind
	Err  error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q: %s call failed: %v", e.Step, e.Kind, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// CompensationError reports that a compensation call exhausted its retries.
// This is fatal to automated recovery: the instance surfaces as FAILED and
// requires operator intervention.
type CompensationError struct {
	Step StepName
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("step %q: compensation failed permanently: %v", e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a state store failure. Writes are retried with
// backoff before any state transition is considered committed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state store %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
