// Package scans provides the domain model for tracking long-running,
// externally executed scans through their lifecycle. It defines the scan
// entity, its forward-only state machine, stuck-scan detection, and the
// storage port the application layer depends on.
package scans

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxRuntimeMinutes is captured on a scan when the caller does not
	// supply its own runtime limit.
	DefaultMaxRuntimeMinutes = 15

	// DefaultHeartbeatIntervalSeconds is the expected heartbeat cadence
	// captured on a scan when the caller does not supply one.
	DefaultHeartbeatIntervalSeconds = 30

	// StatusStaleMultiplier is the number of missed heartbeat intervals after
	// which a single scan reports itself as stale.
	StatusStaleMultiplier = 2
)

// Results is the opaque payload attached to a scan on successful completion.
// Its content (violation/pass counts, etc.) is not interpreted here.
type Results json.RawMessage

// MarshalJSON returns the raw payload, or null when empty.
func (r Results) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(r).MarshalJSON()
}

// UnmarshalJSON stores a copy of the raw payload.
func (r *Results) UnmarshalJSON(data []byte) error {
	if r == nil {
		return fmt.Errorf("cannot unmarshal JSON into nil Results")
	}
	if string(data) == "null" {
		*r = nil
		return nil
	}
	*r = append((*r)[0:0], data...)
	return nil
}

// NewResults marshals v into a Results payload.
func NewResults(v any) (Results, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal scan results: %w", err)
	}
	return Results(b), nil
}

// Scan tracks one externally executed scan. Ownership and creation time are
// immutable; everything else is mutated only through heartbeats and
// transitions, and never after the scan reaches a terminal state.
type Scan struct {
	id     uuid.UUID
	siteID string
	userID string

	status          Status
	progressMessage string
	errorMessage    string

	createdAt      time.Time
	startedAt      time.Time
	endedAt        time.Time
	lastActivityAt time.Time

	// Timeouts are captured per scan so a fleet-wide config change does not
	// retroactively affect in-flight scans.
	maxRuntimeMinutes        int
	heartbeatIntervalSeconds int

	results Results
}

// NewScanParams carries the caller-supplied fields for creating a scan.
type NewScanParams struct {
	SiteID                   string
	UserID                   string
	Status                   Status
	ProgressMessage          string
	MaxRuntimeMinutes        int
	HeartbeatIntervalSeconds int
}

// NewScan creates a scan enforcing creation-time invariants. Zero timeouts
// fall back to the defaults; the initial status must be pending or running.
func NewScan(id uuid.UUID, p NewScanParams, now time.Time) (*Scan, error) {
	if strings.TrimSpace(p.SiteID) == "" {
		return nil, fmt.Errorf("%w: site_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(p.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}

	status := p.Status
	if status == "" {
		status = StatusPending
	}
	if !status.IsInitial() {
		return nil, fmt.Errorf("%w: scans cannot be created as %s", ErrInvalidInput, status)
	}

	maxRuntime := p.MaxRuntimeMinutes
	if maxRuntime == 0 {
		maxRuntime = DefaultMaxRuntimeMinutes
	}
	interval := p.HeartbeatIntervalSeconds
	if interval == 0 {
		interval = DefaultHeartbeatIntervalSeconds
	}
	if maxRuntime < 0 || interval < 0 {
		return nil, fmt.Errorf("%w: timeouts must be positive", ErrInvalidInput)
	}

	s := &Scan{
		id:                       id,
		siteID:                   p.SiteID,
		userID:                   p.UserID,
		status:                   status,
		progressMessage:          p.ProgressMessage,
		createdAt:                now,
		lastActivityAt:           now,
		maxRuntimeMinutes:        maxRuntime,
		heartbeatIntervalSeconds: interval,
	}
	if status == StatusRunning {
		s.startedAt = now
	}
	return s, nil
}

// ReconstructScan creates a Scan from persisted data without enforcing
// creation-time invariants. This should only be used by repositories.
func ReconstructScan(
	id uuid.UUID,
	siteID string,
	userID string,
	status Status,
	progressMessage string,
	errorMessage string,
	createdAt time.Time,
	startedAt time.Time,
	endedAt time.Time,
	lastActivityAt time.Time,
	maxRuntimeMinutes int,
	heartbeatIntervalSeconds int,
	results Results,
) *Scan {
	return &Scan{
		id:                       id,
		siteID:                   siteID,
		userID:                   userID,
		status:                   status,
		progressMessage:          progressMessage,
		errorMessage:             errorMessage,
		createdAt:                createdAt,
		startedAt:                startedAt,
		endedAt:                  endedAt,
		lastActivityAt:           lastActivityAt,
		maxRuntimeMinutes:        maxRuntimeMinutes,
		heartbeatIntervalSeconds: heartbeatIntervalSeconds,
		results:                  results,
	}
}

func (s *Scan) ID() uuid.UUID                 { return s.id }
func (s *Scan) SiteID() string                { return s.siteID }
func (s *Scan) UserID() string                { return s.userID }
func (s *Scan) Status() Status                { return s.status }
func (s *Scan) ProgressMessage() string       { return s.progressMessage }
func (s *Scan) ErrorMessage() string          { return s.errorMessage }
func (s *Scan) CreatedAt() time.Time          { return s.createdAt }
func (s *Scan) StartedAt() time.Time          { return s.startedAt }
func (s *Scan) EndedAt() time.Time            { return s.endedAt }
func (s *Scan) LastActivityAt() time.Time     { return s.lastActivityAt }
func (s *Scan) MaxRuntimeMinutes() int        { return s.maxRuntimeMinutes }
func (s *Scan) HeartbeatIntervalSeconds() int { return s.heartbeatIntervalSeconds }
func (s *Scan) Results() Results              { return s.results }

// MaxRuntime returns the runtime limit captured at creation.
func (s *Scan) MaxRuntime() time.Duration { return time.Duration(s.maxRuntimeMinutes) * time.Minute }

// HeartbeatInterval returns the expected heartbeat cadence captured at creation.
func (s *Scan) HeartbeatInterval() time.Duration {
	return time.Duration(s.heartbeatIntervalSeconds) * time.Second
}

// IsTerminal reports whether the scan has reached completed or failed.
func (s *Scan) IsTerminal() bool { return s.status.IsTerminal() }

// Age returns the time since creation.
func (s *Scan) Age(now time.Time) time.Duration { return now.Sub(s.createdAt) }

// HeartbeatAge returns the time since the last heartbeat or transition.
func (s *Scan) HeartbeatAge(now time.Time) time.Duration { return now.Sub(s.lastActivityAt) }

// StalenessThreshold is the heartbeat silence tolerated before the scan is
// considered stale for the given multiplier.
func (s *Scan) StalenessThreshold(multiplier float64) time.Duration {
	return time.Duration(float64(s.HeartbeatInterval()) * multiplier)
}

// IsStale reports whether the scan has gone silent for longer than
// heartbeat_interval * multiplier. The comparison is strict.
func (s *Scan) IsStale(now time.Time, multiplier float64) bool {
	return s.HeartbeatAge(now) > s.StalenessThreshold(multiplier)
}

// IsTimedOut reports whether a non-terminal scan has outlived its runtime limit.
func (s *Scan) IsTimedOut(now time.Time) bool {
	return !s.IsTerminal() && s.Age(now) > s.MaxRuntime()
}

// Start moves a pending scan to running.
func (s *Scan) Start(progressMessage *string, now time.Time) error {
	if err := s.status.ValidateTransition(s.id, StatusRunning); err != nil {
		return err
	}
	s.status = StatusRunning
	s.startedAt = now
	s.touch(progressMessage, now)
	return nil
}

// ApplyHeartbeat records worker liveness. Terminal scans reject heartbeats so
// a dead worker can never resurrect a closed scan.
func (s *Scan) ApplyHeartbeat(hb HeartbeatUpdate) error {
	if s.IsTerminal() {
		return &TransitionError{ScanID: s.id, From: s.status}
	}
	s.touch(hb.ProgressMessage, hb.At)
	return nil
}

// Terminate moves the scan into a terminal state. Already-terminal scans are
// rejected; idempotency is decided by the caller, which can compare statuses.
func (s *Scan) Terminate(u TerminalUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if err := s.status.ValidateTransition(s.id, u.Status); err != nil {
		return err
	}

	s.status = u.Status
	s.endedAt = u.At
	if u.Status == StatusFailed {
		s.errorMessage = u.ErrorMessage
	} else {
		s.results = u.Results
	}
	s.touch(u.ProgressMessage, u.At)
	return nil
}

func (s *Scan) touch(progressMessage *string, now time.Time) {
	if progressMessage != nil {
		s.progressMessage = *progressMessage
	}
	if now.After(s.lastActivityAt) {
		s.lastActivityAt = now
	}
}
