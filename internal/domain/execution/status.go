package execution

import (
	"errors"
	"fmt"
)

// Status represents the lifecycle state of an execution. It enables tracking
// of an execution from acceptance through completion or cancellation.
type Status string

// ErrStatusUnknown is returned when an execution status is unknown.
var ErrStatusUnknown = errors.New("execution status unknown")

const (
	// StatusQueued indicates an execution is accepted but not yet picked up
	// by a worker.
	StatusQueued Status = "QUEUED"

	// StatusRunning indicates a worker is actively processing the execution.
	StatusRunning Status = "RUNNING"

	// StatusOK indicates the execution finished successfully.
	StatusOK Status = "OK"

	// StatusFailed indicates the execution encountered an unrecoverable error.
	StatusFailed Status = "FAILED"

	// StatusCanceled indicates the execution was canceled before completing.
	StatusCanceled Status = "CANCELED"

	// StatusUnspecified is used when an execution status is unknown.
	StatusUnspecified Status = "UNSPECIFIED"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusOK || s == StatusFailed || s == StatusCanceled
}

// ParseStatus converts a string to a Status. Unknown strings are rejected
// rather than mapped to StatusUnspecified so a corrupt row cannot enter the
// state machine.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "QUEUED":
		return StatusQueued, nil
	case "RUNNING":
		return StatusRunning, nil
	case "OK":
		return StatusOK, nil
	case "FAILED":
		return StatusFailed, nil
	case "CANCELED":
		return StatusCanceled, nil
	default:
		return StatusUnspecified, fmt.Errorf("%q: %w", s, ErrStatusUnknown)
	}
}

// validateTransition checks if a status transition is valid and returns an
// error if not.
func (s Status) validateTransition(target Status) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid execution status transition from %s to %s: %w",
			s, target, ErrInvalidStateTransition)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target
// status. It enforces the execution lifecycle rules: no skipping states, no
// leaving a terminal state.
func (s Status) isValidTransition(target Status) bool {
	switch s {
	case StatusQueued:
		// From Queued, a worker starts the execution or it is canceled.
		return target == StatusRunning || target == StatusCanceled
	case StatusRunning:
		// From Running, the execution completes, fails, or is canceled.
		return target == StatusOK || target == StatusFailed || target == StatusCanceled
	case StatusOK, StatusFailed, StatusCanceled:
		// Terminal states - no further transitions allowed.
		return false
	case StatusUnspecified:
		return false
	default:
		return false
	}
}
