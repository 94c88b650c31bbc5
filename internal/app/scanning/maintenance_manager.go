package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/pkg/common"
	"github.com/ahrav/scanwatch/pkg/common/logger"
)

const (
	// DefaultMaxRuntime is the sweep's default runtime threshold.
	DefaultMaxRuntime = 15 * time.Minute
	// DefaultHeartbeatStale is the sweep's default heartbeat threshold.
	DefaultHeartbeatStale = 5 * time.Minute
	// DefaultHealthWindow bounds the scans counted by GetScanHealthMetrics.
	DefaultHealthWindow = 24 * time.Hour
)

// CleanupPolicy holds the thresholds that make a non-terminal scan stuck.
type CleanupPolicy struct {
	MaxRuntime     time.Duration `json:"max_runtime" yaml:"max_runtime"`
	HeartbeatStale time.Duration `json:"heartbeat_stale" yaml:"heartbeat_stale"`
	// UsePerScanThresholds makes the sweep honor each scan's stored
	// max_runtime_minutes and heartbeat_interval_seconds instead of the
	// fleet-wide values above.
	UsePerScanThresholds bool `json:"use_per_scan_thresholds" yaml:"use_per_scan_thresholds"`
}

// DefaultCleanupPolicy returns the fleet-wide 15 minute runtime and 5 minute
// heartbeat thresholds.
func DefaultCleanupPolicy() CleanupPolicy {
	return CleanupPolicy{MaxRuntime: DefaultMaxRuntime, HeartbeatStale: DefaultHeartbeatStale}
}

// MaintenanceConfig is the validated configuration of a MaintenanceManager.
type MaintenanceConfig struct {
	Recovery RecoveryConfig
	Policy   CleanupPolicy
	// HealthWindow bounds the scans counted by GetScanHealthMetrics.
	HealthWindow time.Duration
	// StaleMultiplier converts a scan's heartbeat interval into its staleness
	// threshold when per-scan thresholds are used.
	StaleMultiplier float64
	EnableAnalytics bool
}

// DefaultMaintenanceConfig returns the default policy, a 24h health window and
// a 2x staleness multiplier.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Recovery:        DefaultRecoveryConfig(),
		Policy:          DefaultCleanupPolicy(),
		HealthWindow:    DefaultHealthWindow,
		StaleMultiplier: scans.StatusStaleMultiplier,
	}
}

// MaintenanceManager runs the fleet-wide sweep that finds scans whose worker
// died without reporting, and answers health queries for admin tooling.
type MaintenanceManager struct {
	cfg     MaintenanceConfig
	repo    scans.Repository
	deps    managerDeps
	writer  *scanWriter
	lease   scans.Lease
	limiter *common.RateLimiter
	metrics MaintenanceMetrics

	tracer trace.Tracer
	logger *logger.Logger
}

// NewMaintenanceManager creates a MaintenanceManager. cfg must already be
// validated by the caller.
func NewMaintenanceManager(
	repo scans.Repository,
	cfg MaintenanceConfig,
	tracer trace.Tracer,
	logger *logger.Logger,
	opts ...MaintenanceOption,
) *MaintenanceManager {
	logger = logger.With("component", "scan_maintenance_manager")
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = DefaultHealthWindow
	}
	if cfg.StaleMultiplier <= 0 {
		cfg.StaleMultiplier = scans.StatusStaleMultiplier
	}

	m := &MaintenanceManager{
		cfg:     cfg,
		repo:    repo,
		deps:    managerDeps{clock: scans.RealTimeProvider{}},
		metrics: noOpMetrics{},
		tracer:  tracer,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.writer = &scanWriter{
		repo:      repo,
		recovery:  newRecoverer(cfg.Recovery, m.deps.refresher, m.metrics, tracer, logger),
		clock:     m.deps.clock,
		publisher: m.deps.publisher,
		analytics: cfg.EnableAnalytics,
		logger:    logger,
	}
	return m
}

func (m *MaintenanceManager) resolvePolicy(p *CleanupPolicy) CleanupPolicy {
	policy := m.cfg.Policy
	if p != nil {
		policy = *p
	}
	if policy.MaxRuntime <= 0 {
		policy.MaxRuntime = DefaultMaxRuntime
	}
	if policy.HeartbeatStale <= 0 {
		policy.HeartbeatStale = DefaultHeartbeatStale
	}
	return policy
}

// CleanupStuckScans selects every stuck scan in one atomic query and, unless
// dryRun is set, force-fails each through the atomic terminal procedure.
// Scans are processed independently: one failure is recorded and the sweep
// moves on. A scan that finished between selection and cleanup is left
// untouched and reported as skipped. A nil policy uses the configured one.
func (m *MaintenanceManager) CleanupStuckScans(ctx context.Context, policy *CleanupPolicy, dryRun bool) (report CleanupReport) {
	ctx, span := m.tracer.Start(ctx, "scan_maintenance_manager.scanning.cleanup_stuck_scans",
		trace.WithAttributes(attribute.Bool("dry_run", dryRun)))
	defer span.End()

	start := m.deps.clock.Now()
	report = CleanupReport{DryRun: dryRun, ScansProcessed: []scans.StuckScan{}, Errors: []CleanupError{}}
	defer func() {
		report.Duration = m.deps.clock.Now().Sub(start)
		m.metrics.ObserveSweepDuration(ctx, report.Duration)
	}()

	if m.lease != nil {
		acquired, err := m.lease.Acquire(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to acquire sweep lease")
			report.Errors = append(report.Errors, CleanupError{Error: fmt.Sprintf("acquire sweep lease: %v", err)})
			return report
		}
		if !acquired {
			m.logger.Debug(ctx, "sweep lease held elsewhere, skipping")
			span.AddEvent("lease_not_acquired")
			report.Skipped = true
			return report
		}
		defer func() {
			if err := m.lease.Release(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn(ctx, "failed to release sweep lease", "error", err)
			}
		}()
	}

	p := m.resolvePolicy(policy)
	span.SetAttributes(
		attribute.String("max_runtime", p.MaxRuntime.String()),
		attribute.String("heartbeat_stale", p.HeartbeatStale.String()),
		attribute.Bool("per_scan_thresholds", p.UsePerScanThresholds),
	)

	candidates, err := m.repo.FindStuck(ctx, scans.StuckQuery{
		Now:                  start,
		MaxRuntime:           p.MaxRuntime,
		HeartbeatStale:       p.HeartbeatStale,
		UsePerScanThresholds: p.UsePerScanThresholds,
		StaleMultiplier:      m.cfg.StaleMultiplier,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find stuck scans")
		m.logger.Error(ctx, "failed to find stuck scans", "error", err)
		m.metrics.IncCleanupErrors(ctx)
		report.Errors = append(report.Errors, CleanupError{Error: fmt.Sprintf("find stuck scans: %v", err)})
		return report
	}
	report.ScansProcessed = append(report.ScansProcessed, candidates...)
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	if dryRun {
		m.logger.Info(ctx, "dry run found stuck scans", "candidates", len(candidates))
		span.SetStatus(codes.Ok, "dry run complete")
		return report
	}

	for _, c := range candidates {
		m.cleanupOne(ctx, c, &report)
	}

	m.writer.publish(ctx, scans.NewMaintenanceSweepEndedEvent(
		len(candidates), report.CleanedCount, len(report.SkippedScans), len(report.Errors), dryRun, m.deps.clock.Now(),
	))
	m.logger.Info(ctx, "maintenance sweep finished",
		"candidates", len(candidates),
		"cleaned", report.CleanedCount,
		"skipped", len(report.SkippedScans),
		"errors", len(report.Errors),
	)
	span.SetAttributes(
		attribute.Int("cleaned", report.CleanedCount),
		attribute.Int("errors", len(report.Errors)),
	)
	span.SetStatus(codes.Ok, "sweep complete")
	return report
}

func (m *MaintenanceManager) cleanupOne(ctx context.Context, c scans.StuckScan, report *CleanupReport) {
	logr := logger.NewLoggerContext(m.logger)
	logr.Add("scan_id", c.ScanID, "reason", c.Reason)

	fail := func(err error) {
		m.metrics.IncCleanupErrors(ctx)
		logr.Error(ctx, "failed to clean up stuck scan", "error", err)
		report.Errors = append(report.Errors, CleanupError{ScanID: c.ScanID.String(), Error: err.Error()})
	}

	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			fail(fmt.Errorf("rate limiter: %w", err))
			return
		}
	}

	res := m.writer.terminate(ctx, c.ScanID, scans.TerminalUpdate{
		Status:       scans.StatusFailed,
		At:           m.deps.clock.Now(),
		ErrorMessage: c.CleanupMessage(),
	})
	switch {
	case res.Success && res.Applied:
		report.CleanedCount++
		m.metrics.IncStuckScansCleaned(ctx, c.Reason)
		m.metrics.IncTransitions(ctx, scans.StatusFailed)
		m.writer.publish(ctx, scans.NewStuckScanCleanedEvent(c, m.deps.clock.Now()))
		m.writer.publish(ctx, scans.NewScanTerminatedEvent(
			c.ScanID, scans.StatusFailed, c.CleanupMessage(), res.RecoveryAttempts, true, m.deps.clock.Now(),
		))
		logr.Add("age_minutes", c.AgeMinutes, "heartbeat_age_minutes", c.HeartbeatAgeMinutes)
		logr.Info(ctx, "stuck scan failed")

	case res.Success, errors.Is(res.Err, scans.ErrInvalidTransition):
		// Finished between selection and cleanup; the guard kept its result.
		report.SkippedScans = append(report.SkippedScans, c.ScanID)
		logr.Info(ctx, "stuck scan finished before cleanup, skipped", "status", res.Status)

	default:
		fail(res.Err)
	}
}

// GetScanHealthMetrics reports scan counts over the health window. A running
// scan is stale when its last activity is older than the policy's heartbeat
// threshold. The health score is a coarse dashboard signal.
func (m *MaintenanceManager) GetScanHealthMetrics(ctx context.Context) HealthMetricsResult {
	ctx, span := m.tracer.Start(ctx, "scan_maintenance_manager.scanning.get_scan_health_metrics")
	defer span.End()

	now := m.deps.clock.Now()
	p := m.resolvePolicy(nil)
	stats, err := m.repo.HealthStats(ctx, scans.HealthQuery{
		Since:       now.Add(-m.cfg.HealthWindow),
		StaleBefore: now.Add(-p.HeartbeatStale),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to aggregate health stats")
		return HealthMetricsResult{Result: failResult(err), Window: m.cfg.HealthWindow}
	}

	score := HealthScore(stats.StaleScans, stats.RunningScans)
	m.metrics.RecordHealthScore(ctx, score)
	span.SetAttributes(
		attribute.Int("total_scans", stats.TotalScans),
		attribute.Int("running_scans", stats.RunningScans),
		attribute.Int("stale_scans", stats.StaleScans),
		attribute.Float64("health_score", score),
	)
	span.SetStatus(codes.Ok, "health metrics computed")

	return HealthMetricsResult{
		Result:       okResult(),
		TotalScans:   stats.TotalScans,
		RunningScans: stats.RunningScans,
		StaleScans:   stats.StaleScans,
		HealthScore:  score,
		Window:       m.cfg.HealthWindow,
	}
}

// HealthScore returns 100 * (1 - stale/max(running, 1)) clamped to [0, 100].
func HealthScore(stale, running int) float64 {
	score := 100 * (1 - float64(stale)/float64(max(running, 1)))
	return min(max(score, 0), 100)
}

// ValidateScanHealth checks a single scan against its own stored runtime and
// heartbeat settings and returns human-readable issues.
func (m *MaintenanceManager) ValidateScanHealth(ctx context.Context, id uuid.UUID) HealthValidation {
	ctx, span := m.tracer.Start(ctx, "scan_maintenance_manager.scanning.validate_scan_health",
		trace.WithAttributes(attribute.String("scan_id", id.String())))
	defer span.End()

	scan, err := m.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read scan")
		return HealthValidation{Result: failResult(err), Issues: []string{}}
	}

	now := m.deps.clock.Now()
	issues := []string{}
	if scan.IsTimedOut(now) {
		issues = append(issues, fmt.Sprintf("Runtime exceeded: %.1fm > %dm limit",
			scan.Age(now).Minutes(), scan.MaxRuntimeMinutes()))
	}
	if !scan.IsTerminal() && scan.IsStale(now, scans.StatusStaleMultiplier) {
		issues = append(issues, fmt.Sprintf("Heartbeat stale: last activity %.1fm ago",
			scan.HeartbeatAge(now).Minutes()))
	}

	span.SetAttributes(attribute.Int("issues", len(issues)))
	return HealthValidation{Result: okResult(), Healthy: len(issues) == 0, Issues: issues}
}

// MarkScanAsFailed is the manual override that fails a scan with an
// operator-supplied reason through the atomic terminal procedure.
func (m *MaintenanceManager) MarkScanAsFailed(ctx context.Context, id uuid.UUID, reason, userID string) Result {
	ctx, span := m.tracer.Start(ctx, "scan_maintenance_manager.scanning.mark_scan_as_failed",
		trace.WithAttributes(attribute.String("scan_id", id.String())))
	defer span.End()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		span.SetStatus(codes.Error, "invalid input")
		return failResult(fmt.Errorf("%w: reason is required", scans.ErrInvalidInput))
	}

	now := m.deps.clock.Now()
	res := m.writer.terminate(ctx, id, scans.TerminalUpdate{
		Status:       scans.StatusFailed,
		At:           now,
		ErrorMessage: reason,
		UserID:       userID,
	})
	if !res.Success {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "failed to mark scan as failed")
		m.logger.Warn(ctx, "manual fail rejected", "scan_id", id, "error", res.Error)
		return res.Result
	}

	if res.Applied {
		m.metrics.IncTransitions(ctx, scans.StatusFailed)
		m.writer.publish(ctx, scans.NewScanTerminatedEvent(id, scans.StatusFailed, reason, res.RecoveryAttempts, true, now))
		m.logger.Info(ctx, "scan manually failed", "scan_id", id, "reason", reason)
	}
	span.SetStatus(codes.Ok, "scan failed")
	return res.Result
}

// RunScheduled sweeps and reports fleet health every interval until ctx is
// done. The first run happens immediately.
func (m *MaintenanceManager) RunScheduled(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", scans.ErrInvalidInput)
	}

	m.logger.Info(ctx, "scheduled maintenance started", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.runOnce(ctx)

		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "scheduled maintenance stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (m *MaintenanceManager) runOnce(ctx context.Context) {
	report := m.CleanupStuckScans(ctx, nil, false)
	health := m.GetScanHealthMetrics(ctx)

	m.logger.Info(ctx, "maintenance run summary",
		"skipped_by_lease", report.Skipped,
		"candidates", len(report.ScansProcessed),
		"cleaned", report.CleanedCount,
		"errors", len(report.Errors),
		"duration", report.Duration,
		"health_success", health.Success,
		"running_scans", health.RunningScans,
		"stale_scans", health.StaleScans,
		"health_score", health.HealthScore,
	)
}
