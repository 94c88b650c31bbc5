package scans

import (
	"fmt"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a scan. A scan only ever moves
// forward: pending -> running -> completed/failed.
type Status string

const (
	// StatusPending indicates the scan was created but its worker has not started.
	StatusPending Status = "pending"

	// StatusRunning indicates an external worker is actively executing the scan.
	StatusRunning Status = "running"

	// StatusCompleted indicates the worker finished and attached results.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the scan ended with an error, either reported by the
	// worker or forced by the maintenance sweep.
	StatusFailed Status = "failed"
)

// String returns the string representation of the Status.
func (s Status) String() string { return string(s) }

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: unknown scan status %q", ErrInvalidInput, s)
	}
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusFailed }

// IsInitial reports whether a scan may be created in this state.
func (s Status) IsInitial() bool { return s == StatusPending || s == StatusRunning }

// CanTransitionTo enforces the forward-only lifecycle.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusRunning || target == StatusCompleted || target == StatusFailed
	case StatusRunning:
		return target == StatusCompleted || target == StatusFailed
	default:
		// Terminal (and unknown) states never transition.
		return false
	}
}

// ValidateTransition returns a *TransitionError when moving from s to target is
// not allowed.
func (s Status) ValidateTransition(scanID uuid.UUID, target Status) error {
	if !s.CanTransitionTo(target) {
		return &TransitionError{ScanID: scanID, From: s, To: target}
	}
	return nil
}
