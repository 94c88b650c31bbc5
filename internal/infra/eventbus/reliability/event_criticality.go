// Package reliability classifies analytics events by how much their loss
// matters, so transports can pick delivery guarantees per event.
package reliability

import (
	"github.com/ahrav/scanwatch/internal/domain/events"
	"github.com/ahrav/scanwatch/internal/domain/scans"
)

// IsCriticalEvent determines if an event type records a state change that
// will not be restated by a later event.
//
// Terminal transitions and sweep cleanups are critical: each happens once per
// scan. Heartbeats and progress-style events are superseded by the next one.
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case scans.EventTypeScanTerminated,
		scans.EventTypeStuckScanCleaned:
		return true

	case scans.EventTypeScanCreated,
		scans.EventTypeScanStarted,
		scans.EventTypeScanHeartbeat,
		scans.EventTypeSchemaCacheRecovered,
		scans.EventTypeMaintenanceSweepEnded:
		return false

	default:
		return false
	}
}
