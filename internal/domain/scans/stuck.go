package scans

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StuckReason identifies why the maintenance sweep selected a scan.
type StuckReason string

const (
	// StuckReasonRuntimeTimeout means the scan outlived its runtime limit.
	StuckReasonRuntimeTimeout StuckReason = "runtime_timeout"

	// StuckReasonHeartbeatStale means the worker stopped sending heartbeats.
	StuckReasonHeartbeatStale StuckReason = "heartbeat_stale"
)

// String returns the string representation of the StuckReason.
func (r StuckReason) String() string { return string(r) }

// StuckScan is a candidate returned by the atomic stuck-scan query.
type StuckScan struct {
	ScanID              uuid.UUID   `json:"scan_id" yaml:"scan_id"`
	Reason              StuckReason `json:"reason" yaml:"reason"`
	AgeMinutes          float64     `json:"age_minutes" yaml:"age_minutes"`
	HeartbeatAgeMinutes float64     `json:"heartbeat_age_minutes" yaml:"heartbeat_age_minutes"`

	// Limits that triggered the selection, used to build the failure message.
	RuntimeLimit   time.Duration `json:"-" yaml:"-"`
	HeartbeatLimit time.Duration `json:"-" yaml:"-"`
}

// CleanupMessage is the error message recorded when the sweep force-fails
// the scan.
func (s StuckScan) CleanupMessage() string {
	switch s.Reason {
	case StuckReasonRuntimeTimeout:
		return fmt.Sprintf("Automated cleanup: exceeded max runtime of %s", formatMinutes(s.RuntimeLimit))
	case StuckReasonHeartbeatStale:
		return fmt.Sprintf("Automated cleanup: no heartbeat for %s (limit %s)",
			formatMinutes(time.Duration(s.HeartbeatAgeMinutes*float64(time.Minute))),
			formatMinutes(s.HeartbeatLimit))
	default:
		return fmt.Sprintf("Automated cleanup: %s", s.Reason)
	}
}

func formatMinutes(d time.Duration) string {
	m := d.Minutes()
	if m == float64(int64(m)) {
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", int64(m))
	}
	return fmt.Sprintf("%.1f minutes", m)
}

// StuckQuery parameterizes the atomic stuck-scan selection.
type StuckQuery struct {
	Now time.Time
	// MaxRuntime and HeartbeatStale are the fleet-wide thresholds.
	MaxRuntime     time.Duration
	HeartbeatStale time.Duration
	// UsePerScanThresholds makes the query use each scan's own
	// max_runtime_minutes and heartbeat_interval_seconds * StaleMultiplier
	// instead of the fleet-wide values.
	UsePerScanThresholds bool
	StaleMultiplier      float64
}

// Classify evaluates one scan against the query, returning the candidate and
// true when it is stuck. Runtime timeouts take precedence over staleness.
// In-process stores use this; SQL stores implement the same predicate.
func (q StuckQuery) Classify(s *Scan) (StuckScan, bool) {
	if s.IsTerminal() {
		return StuckScan{}, false
	}

	runtimeLimit, heartbeatLimit := q.MaxRuntime, q.HeartbeatStale
	if q.UsePerScanThresholds {
		runtimeLimit = s.MaxRuntime()
		heartbeatLimit = s.StalenessThreshold(q.StaleMultiplier)
	}

	age, hbAge := s.Age(q.Now), s.HeartbeatAge(q.Now)
	candidate := StuckScan{
		ScanID:              s.ID(),
		AgeMinutes:          age.Minutes(),
		HeartbeatAgeMinutes: hbAge.Minutes(),
		RuntimeLimit:        runtimeLimit,
		HeartbeatLimit:      heartbeatLimit,
	}

	switch {
	case age > runtimeLimit:
		candidate.Reason = StuckReasonRuntimeTimeout
	case hbAge > heartbeatLimit:
		candidate.Reason = StuckReasonHeartbeatStale
	default:
		return StuckScan{}, false
	}
	return candidate, true
}

// HealthQuery parameterizes the fleet health aggregation.
type HealthQuery struct {
	// Since bounds the window by created_at.
	Since time.Time
	// StaleBefore is the last_activity_at cutoff for counting a running scan as stale.
	StaleBefore time.Time
}

// HealthStats are the raw counts behind the health metrics.
type HealthStats struct {
	TotalScans   int
	RunningScans int
	StaleScans   int
}
