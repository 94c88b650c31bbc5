package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/scanwatch/internal/domain/scans"
)

// Result is the outcome of a manager operation. Failures are reported here
// rather than as a returned error so request handlers and background jobs can
// branch on Success without separate error plumbing.
type Result struct {
	Success bool            `json:"success" yaml:"success"`
	Error   string          `json:"error,omitempty" yaml:"error,omitempty"`
	Kind    scans.ErrorKind `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	// Err holds the typed error for errors.Is/As checks.
	Err error `json:"-" yaml:"-"`
	// RecoveryAttempts counts the write retries issued after a schema cache
	// error. It never changes the verdict.
	RecoveryAttempts int `json:"recovery_attempts,omitempty" yaml:"recovery_attempts,omitempty"`
}

func okResult() Result { return Result{Success: true} }

func failResult(err error) Result {
	return Result{Error: err.Error(), Kind: scans.Classify(err), Err: err}
}

func (r Result) withRecovery(o recoveryOutcome) Result {
	r.RecoveryAttempts = o.RecoveryAttempts()
	return r
}

// CreateScanResult is returned by CreateScan.
type CreateScanResult struct {
	Result `yaml:",inline"`
	ScanID uuid.UUID `json:"scan_id" yaml:"scan_id"`
}

// TransitionResult is returned by TransitionToTerminal.
type TransitionResult struct {
	Result `yaml:",inline"`
	// Status is the scan's status after the call.
	Status scans.Status `json:"status,omitempty" yaml:"status,omitempty"`
	// Applied is false when the scan was already in the requested state.
	Applied bool `json:"applied" yaml:"applied"`
}

// UpdateResult is returned by UpdateWithRecovery.
type UpdateResult struct {
	Result `yaml:",inline"`
	// Attempts counts every underlying write, including the first.
	Attempts int `json:"attempts" yaml:"attempts"`
}

// StatusResult is returned by GetScanStatus.
type StatusResult struct {
	Result  `yaml:",inline"`
	Scan    *scans.Scan `json:"-" yaml:"-"`
	IsStale bool        `json:"is_stale" yaml:"is_stale"`
}

// ScanView is a serializable snapshot of a scan.
type ScanView struct {
	ID                       uuid.UUID     `json:"id" yaml:"id"`
	SiteID                   string        `json:"site_id" yaml:"site_id"`
	UserID                   string        `json:"user_id" yaml:"user_id"`
	Status                   scans.Status  `json:"status" yaml:"status"`
	ProgressMessage          string        `json:"progress_message,omitempty" yaml:"progress_message,omitempty"`
	ErrorMessage             *string       `json:"error_message" yaml:"error_message"`
	CreatedAt                time.Time     `json:"created_at" yaml:"created_at"`
	StartedAt                *time.Time    `json:"started_at" yaml:"started_at"`
	EndedAt                  *time.Time    `json:"ended_at" yaml:"ended_at"`
	LastActivityAt           time.Time     `json:"last_activity_at" yaml:"last_activity_at"`
	MaxRuntimeMinutes        int           `json:"max_runtime_minutes" yaml:"max_runtime_minutes"`
	HeartbeatIntervalSeconds int           `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	Results                  scans.Results `json:"results,omitempty" yaml:"-"`
}

// NewScanView builds a ScanView from a scan.
func NewScanView(s *scans.Scan) ScanView {
	v := ScanView{
		ID:                       s.ID(),
		SiteID:                   s.SiteID(),
		UserID:                   s.UserID(),
		Status:                   s.Status(),
		ProgressMessage:          s.ProgressMessage(),
		CreatedAt:                s.CreatedAt(),
		LastActivityAt:           s.LastActivityAt(),
		MaxRuntimeMinutes:        s.MaxRuntimeMinutes(),
		HeartbeatIntervalSeconds: s.HeartbeatIntervalSeconds(),
		Results:                  s.Results(),
	}
	if msg := s.ErrorMessage(); msg != "" {
		v.ErrorMessage = &msg
	}
	if t := s.StartedAt(); !t.IsZero() {
		v.StartedAt = &t
	}
	if t := s.EndedAt(); !t.IsZero() {
		v.EndedAt = &t
	}
	return v
}

// CleanupError records one failure during a sweep. ScanID is empty when the
// failure was not specific to a scan, such as the candidate query itself.
type CleanupError struct {
	ScanID string `json:"scan_id,omitempty" yaml:"scan_id,omitempty"`
	Error  string `json:"error" yaml:"error"`
}

// CleanupReport is the ephemeral result of one maintenance sweep.
type CleanupReport struct {
	CleanedCount   int               `json:"cleaned_count" yaml:"cleaned_count"`
	ScansProcessed []scans.StuckScan `json:"scans_processed" yaml:"scans_processed"`
	// SkippedScans were selected but finished before the sweep could fail them.
	SkippedScans []uuid.UUID   `json:"skipped_scans,omitempty" yaml:"skipped_scans,omitempty"`
	Errors       []CleanupError `json:"errors" yaml:"errors"`
	DryRun       bool           `json:"dry_run" yaml:"dry_run"`
	// Skipped is true when another process held the sweep lease.
	Skipped  bool          `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// HealthMetricsResult is returned by GetScanHealthMetrics.
type HealthMetricsResult struct {
	Result       `yaml:",inline"`
	TotalScans   int           `json:"total_scans" yaml:"total_scans"`
	RunningScans int           `json:"running_scans" yaml:"running_scans"`
	StaleScans   int           `json:"stale_scans" yaml:"stale_scans"`
	HealthScore  float64       `json:"health_score" yaml:"health_score"`
	Window       time.Duration `json:"window" yaml:"window"`
}

// HealthValidation is returned by ValidateScanHealth.
type HealthValidation struct {
	Result  `yaml:",inline"`
	Healthy bool     `json:"healthy" yaml:"healthy"`
	Issues  []string `json:"issues" yaml:"issues"`
}
