// Package execution models the unit of work created when a canonical event is
// accepted for processing and the state machine it moves through.
package execution

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultCancelReason is recorded when a cancellation carries no reason.
const DefaultCancelReason = "Manual cancellation"

// ErrInvalidStateTransition is returned when a status change would violate
// the execution lifecycle.
var ErrInvalidStateTransition = errors.New("invalid state transition")

// ErrNotFound is returned by stores when an execution does not exist.
var ErrNotFound = errors.New("execution not found")

// ErrStatusConflict is returned by conditional updates when the stored status
// changed since the execution was loaded.
var ErrStatusConflict = errors.New("execution status changed concurrently")

// Execution tracks one accepted event through the worker pipeline. Only the
// dispatcher/worker that owns an execution mutates it; terminal states are
// immutable afterward.
type Execution struct {
	id               uuid.UUID
	areaID           uuid.UUID
	actionInstanceID uuid.UUID
	status           Status
	queuedAt         time.Time
	startedAt        time.Time
	finishedAt       time.Time
	cancelReason     string
}

// New creates an Execution in the QUEUED state, stamped with the current time.
// The id comes from the producer so the execution is traceable from the
// moment its event is published.
func New(id, areaID, actionInstanceID uuid.UUID) *Execution {
	return &Execution{
		id:               id,
		areaID:           areaID,
		actionInstanceID: actionInstanceID,
		status:           StatusQueued,
		queuedAt:         time.Now().UTC(),
	}
}

// Reconstruct creates an Execution from persisted data without enforcing
// creation-time invariants. This should only be used by stores when
// reconstructing from storage.
func Reconstruct(
	id uuid.UUID,
	areaID uuid.UUID,
	actionInstanceID uuid.UUID,
	status Status,
	queuedAt time.Time,
	startedAt time.Time,
	finishedAt time.Time,
	cancelReason string,
) *Execution {
	return &Execution{
		id:               id,
		areaID:           areaID,
		actionInstanceID: actionInstanceID,
		status:           status,
		queuedAt:         queuedAt,
		startedAt:        startedAt,
		finishedAt:       finishedAt,
		cancelReason:     cancelReason,
	}
}

// ID returns the unique identifier of this execution.
func (e *Execution) ID() uuid.UUID { return e.id }

// AreaID returns the owning automation's identifier.
func (e *Execution) AreaID() uuid.UUID { return e.areaID }

// ActionInstanceID returns the triggering action instance's identifier.
func (e *Execution) ActionInstanceID() uuid.UUID { return e.actionInstanceID }

// Status returns the current lifecycle state.
func (e *Execution) Status() Status { return e.status }

// QueuedAt returns the time the execution was accepted.
func (e *Execution) QueuedAt() time.Time { return e.queuedAt }

// StartedAt returns the time a worker began processing, zero if not started.
func (e *Execution) StartedAt() time.Time { return e.startedAt }

// FinishedAt returns the time the execution reached a terminal state, zero if
// still in flight.
func (e *Execution) FinishedAt() time.Time { return e.finishedAt }

// CancelReason returns the recorded cancellation reason, empty when the
// execution was not canceled.
func (e *Execution) CancelReason() string { return e.cancelReason }

// Start transitions the execution to RUNNING and stamps StartedAt.
func (e *Execution) Start() error {
	if err := e.status.validateTransition(StatusRunning); err != nil {
		return err
	}
	e.status = StatusRunning
	e.startedAt = time.Now().UTC()
	return nil
}

// Complete transitions the execution to OK and stamps FinishedAt.
func (e *Execution) Complete() error {
	if err := e.status.validateTransition(StatusOK); err != nil {
		return err
	}
	e.status = StatusOK
	e.finishedAt = time.Now().UTC()
	return nil
}

// Fail transitions the execution to FAILED and stamps FinishedAt.
func (e *Execution) Fail() error {
	if err := e.status.validateTransition(StatusFailed); err != nil {
		return err
	}
	e.status = StatusFailed
	e.finishedAt = time.Now().UTC()
	return nil
}

// Cancel transitions the execution to CANCELED and records the reason. An
// empty reason records DefaultCancelReason. Canceling an execution already in
// a terminal state returns ErrInvalidStateTransition; it never silently
// succeeds.
func (e *Execution) Cancel(reason string) error {
	if err := e.status.validateTransition(StatusCanceled); err != nil {
		return err
	}
	if reason == "" {
		reason = DefaultCancelReason
	}
	e.status = StatusCanceled
	e.cancelReason = reason
	e.finishedAt = time.Now().UTC()
	return nil
}
