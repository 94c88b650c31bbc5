package scans

import (
	"fmt"
	"strings"
	"time"
)

// HeartbeatUpdate is the input to the atomic heartbeat procedure.
type HeartbeatUpdate struct {
	At time.Time
	// ProgressMessage overwrites the stored message when non-nil.
	ProgressMessage *string
	// UserID, when set, restricts the update to scans owned by that user.
	UserID string
}

// TerminalUpdate is the input to the atomic terminal-transition procedure.
// Stores apply it only while the scan is still non-terminal.
type TerminalUpdate struct {
	Status       Status
	At           time.Time
	ErrorMessage string
	Results      Results
	// ProgressMessage optionally overwrites the final progress message.
	ProgressMessage *string
	// UserID, when set, restricts the update to scans owned by that user.
	UserID string
}

// Validate checks the update is well formed before it reaches storage.
func (u TerminalUpdate) Validate() error {
	if !u.Status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a terminal status", ErrInvalidInput, u.Status)
	}
	if u.Status == StatusFailed && strings.TrimSpace(u.ErrorMessage) == "" {
		return fmt.Errorf("%w: error_message is required when failing a scan", ErrInvalidInput)
	}
	if u.Status == StatusCompleted && u.ErrorMessage != "" {
		return fmt.Errorf("%w: error_message is only allowed when failing a scan", ErrInvalidInput)
	}
	if u.At.IsZero() {
		return fmt.Errorf("%w: transition time is required", ErrInvalidInput)
	}
	return nil
}

// TransitionOutcome reports what the atomic terminal procedure did.
type TransitionOutcome struct {
	// Applied is false when the scan was already terminal and nothing changed.
	Applied bool
	// Status is the scan's status after the call.
	Status Status
}

// ScanPatch is a partial update of the mutable scan fields. Nil fields are
// left unchanged. Ownership, id and created_at are not patchable, and a patch
// never matches a scan that is already terminal.
type ScanPatch struct {
	Status          *Status
	ProgressMessage *string
	ErrorMessage    *string
	StartedAt       *time.Time
	EndedAt         *time.Time
	LastActivityAt  *time.Time
	Results         Results

	// UserID, when set, restricts the update to scans owned by that user.
	UserID string
}

// IsEmpty reports whether the patch changes nothing.
func (p ScanPatch) IsEmpty() bool {
	return p.Status == nil && p.ProgressMessage == nil && p.ErrorMessage == nil &&
		p.StartedAt == nil && p.EndedAt == nil && p.LastActivityAt == nil && len(p.Results) == 0
}

// Validate rejects patches that would break the scan invariants regardless
// of the stored row.
func (p ScanPatch) Validate() error {
	if p.IsEmpty() {
		return fmt.Errorf("%w: empty patch", ErrInvalidInput)
	}
	if p.Status != nil {
		if _, err := ParseStatus(string(*p.Status)); err != nil {
			return err
		}
		terminal := p.Status.IsTerminal()
		if terminal && p.EndedAt == nil {
			return fmt.Errorf("%w: ended_at is required for a terminal status", ErrInvalidInput)
		}
		if !terminal && p.EndedAt != nil {
			return fmt.Errorf("%w: ended_at is only allowed for a terminal status", ErrInvalidInput)
		}
		failed := *p.Status == StatusFailed
		if failed && (p.ErrorMessage == nil || strings.TrimSpace(*p.ErrorMessage) == "") {
			return fmt.Errorf("%w: error_message is required when failing a scan", ErrInvalidInput)
		}
		if !failed && p.ErrorMessage != nil {
			return fmt.Errorf("%w: error_message is only allowed when failing a scan", ErrInvalidInput)
		}
	} else if p.EndedAt != nil || p.ErrorMessage != nil {
		return fmt.Errorf("%w: ended_at and error_message require a status change", ErrInvalidInput)
	}
	return nil
}

// ApplyPatch applies p to the scan, enforcing the transition rules. It is used
// by stores that evaluate patches in process.
func (s *Scan) ApplyPatch(p ScanPatch) error {
	if s.IsTerminal() {
		terr := &TransitionError{ScanID: s.id, From: s.status}
		if p.Status != nil {
			terr.To = *p.Status
		}
		return terr
	}
	if p.Status != nil && *p.Status != s.status {
		if err := s.status.ValidateTransition(s.id, *p.Status); err != nil {
			return err
		}
	}

	if p.Status != nil {
		s.status = *p.Status
	}
	if p.ProgressMessage != nil {
		s.progressMessage = *p.ProgressMessage
	}
	if p.ErrorMessage != nil {
		s.errorMessage = *p.ErrorMessage
	}
	if p.StartedAt != nil {
		s.startedAt = *p.StartedAt
	}
	if p.EndedAt != nil {
		s.endedAt = *p.EndedAt
	}
	if len(p.Results) > 0 {
		s.results = p.Results
	}
	if p.LastActivityAt != nil && p.LastActivityAt.After(s.lastActivityAt) {
		s.lastActivityAt = *p.LastActivityAt
	}
	return nil
}
