package scans

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scanwatch/internal/domain/events"
)

// Event types relevant to scans.
const (
	EventTypeScanCreated           events.EventType = "ScanCreated"
	EventTypeScanStarted           events.EventType = "ScanStarted"
	EventTypeScanHeartbeat         events.EventType = "ScanHeartbeat"
	EventTypeScanTerminated        events.EventType = "ScanTerminated"
	EventTypeSchemaCacheRecovered  events.EventType = "SchemaCacheRecovered"
	EventTypeStuckScanCleaned      events.EventType = "StuckScanCleaned"
	EventTypeMaintenanceSweepEnded events.EventType = "MaintenanceSweepEnded"
)

// ScanCreatedEvent indicates a new scan row was inserted.
type ScanCreatedEvent struct {
	occurredAt time.Time
	ScanID     uuid.UUID
	SiteID     string
	UserID     string
	Status     Status
}

func NewScanCreatedEvent(s *Scan) ScanCreatedEvent {
	return ScanCreatedEvent{
		occurredAt: s.CreatedAt(),
		ScanID:     s.ID(),
		SiteID:     s.SiteID(),
		UserID:     s.UserID(),
		Status:     s.Status(),
	}
}

func (e ScanCreatedEvent) EventType() events.EventType { return EventTypeScanCreated }
func (e ScanCreatedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e ScanCreatedEvent) EventKey() string            { return e.ScanID.String() }
func (e ScanCreatedEvent) Attributes() map[string]any {
	return map[string]any{
		"scan_id": e.ScanID.String(),
		"site_id": e.SiteID,
		"user_id": e.UserID,
		"status":  e.Status.String(),
	}
}

// ScanStartedEvent indicates a pending scan moved to running.
type ScanStartedEvent struct {
	occurredAt time.Time
	ScanID     uuid.UUID
}

func NewScanStartedEvent(id uuid.UUID, at time.Time) ScanStartedEvent {
	return ScanStartedEvent{occurredAt: at, ScanID: id}
}

func (e ScanStartedEvent) EventType() events.EventType { return EventTypeScanStarted }
func (e ScanStartedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e ScanStartedEvent) EventKey() string            { return e.ScanID.String() }
func (e ScanStartedEvent) Attributes() map[string]any {
	return map[string]any{"scan_id": e.ScanID.String()}
}

// ScanHeartbeatEvent records worker liveness.
type ScanHeartbeatEvent struct {
	occurredAt time.Time
	ScanID     uuid.UUID
	Message    string
}

func NewScanHeartbeatEvent(id uuid.UUID, message string, at time.Time) ScanHeartbeatEvent {
	return ScanHeartbeatEvent{occurredAt: at, ScanID: id, Message: message}
}

func (e ScanHeartbeatEvent) EventType() events.EventType { return EventTypeScanHeartbeat }
func (e ScanHeartbeatEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e ScanHeartbeatEvent) EventKey() string            { return e.ScanID.String() }
func (e ScanHeartbeatEvent) Attributes() map[string]any {
	return map[string]any{"scan_id": e.ScanID.String(), "progress_message": e.Message}
}

// ScanTerminatedEvent signals the scan reached completed or failed.
type ScanTerminatedEvent struct {
	occurredAt       time.Time
	ScanID           uuid.UUID
	Status           Status
	ErrorMessage     string
	RecoveryAttempts int
	// Forced is true when the maintenance sweep or an operator closed the scan.
	Forced bool
}

func NewScanTerminatedEvent(id uuid.UUID, status Status, errMsg string, recoveryAttempts int, forced bool, at time.Time) ScanTerminatedEvent {
	return ScanTerminatedEvent{
		occurredAt:       at,
		ScanID:           id,
		Status:           status,
		ErrorMessage:     errMsg,
		RecoveryAttempts: recoveryAttempts,
		Forced:           forced,
	}
}

func (e ScanTerminatedEvent) EventType() events.EventType { return EventTypeScanTerminated }
func (e ScanTerminatedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e ScanTerminatedEvent) EventKey() string            { return e.ScanID.String() }
func (e ScanTerminatedEvent) Attributes() map[string]any {
	return map[string]any{
		"scan_id":           e.ScanID.String(),
		"status":            e.Status.String(),
		"error_message":     e.ErrorMessage,
		"recovery_attempts": e.RecoveryAttempts,
		"forced":            e.Forced,
	}
}

// SchemaCacheRecoveredEvent records a write that hit a stale schema cache and
// the outcome of the recovery.
type SchemaCacheRecoveredEvent struct {
	occurredAt    time.Time
	ScanID        uuid.UUID
	Operation     string
	RefreshMethod string
	Attempts      int
	Succeeded     bool
}

func NewSchemaCacheRecoveredEvent(id uuid.UUID, op, method string, attempts int, succeeded bool, at time.Time) SchemaCacheRecoveredEvent {
	return SchemaCacheRecoveredEvent{
		occurredAt:    at,
		ScanID:        id,
		Operation:     op,
		RefreshMethod: method,
		Attempts:      attempts,
		Succeeded:     succeeded,
	}
}

func (e SchemaCacheRecoveredEvent) EventType() events.EventType { return EventTypeSchemaCacheRecovered }
func (e SchemaCacheRecoveredEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e SchemaCacheRecoveredEvent) EventKey() string            { return e.ScanID.String() }
func (e SchemaCacheRecoveredEvent) Attributes() map[string]any {
	return map[string]any{
		"scan_id":        e.ScanID.String(),
		"operation":      e.Operation,
		"refresh_method": e.RefreshMethod,
		"attempts":       e.Attempts,
		"succeeded":      e.Succeeded,
	}
}

// StuckScanCleanedEvent indicates the maintenance sweep force-failed a scan.
type StuckScanCleanedEvent struct {
	occurredAt time.Time
	Scan       StuckScan
}

func NewStuckScanCleanedEvent(s StuckScan, at time.Time) StuckScanCleanedEvent {
	return StuckScanCleanedEvent{occurredAt: at, Scan: s}
}

func (e StuckScanCleanedEvent) EventType() events.EventType { return EventTypeStuckScanCleaned }
func (e StuckScanCleanedEvent) OccurredAt() time.Time       { return e.occurredAt }
func (e StuckScanCleanedEvent) EventKey() string            { return e.Scan.ScanID.String() }
func (e StuckScanCleanedEvent) Attributes() map[string]any {
	return map[string]any{
		"scan_id":               e.Scan.ScanID.String(),
		"reason":                e.Scan.Reason.String(),
		"age_minutes":           e.Scan.AgeMinutes,
		"heartbeat_age_minutes": e.Scan.HeartbeatAgeMinutes,
	}
}

// MaintenanceSweepEndedEvent is the coarse summary record of one sweep.
type MaintenanceSweepEndedEvent struct {
	occurredAt time.Time
	Candidates int
	Cleaned    int
	Skipped    int
	Errors     int
	DryRun     bool
}

func NewMaintenanceSweepEndedEvent(candidates, cleaned, skipped, errs int, dryRun bool, at time.Time) MaintenanceSweepEndedEvent {
	return MaintenanceSweepEndedEvent{
		occurredAt: at,
		Candidates: candidates,
		Cleaned:    cleaned,
		Skipped:    skipped,
		Errors:     errs,
		DryRun:     dryRun,
	}
}

func (e MaintenanceSweepEndedEvent) EventType() events.EventType {
	return EventTypeMaintenanceSweepEnded
}
func (e MaintenanceSweepEndedEvent) OccurredAt() time.Time { return e.occurredAt }
func (e MaintenanceSweepEndedEvent) Attributes() map[string]any {
	return map[string]any{
		"candidates": e.Candidates,
		"cleaned":    e.Cleaned,
		"skipped":    e.Skipped,
		"errors":     e.Errors,
		"dry_run":    e.DryRun,
	}
}
