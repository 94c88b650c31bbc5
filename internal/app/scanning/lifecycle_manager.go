// Package scanning implements the scan lifecycle and maintenance use cases on
// top of the scans domain. Every public operation returns a result value
// rather than an error.
package scanning

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/pkg/common/logger"
)

// LifecycleConfig is the validated configuration of a LifecycleManager.
type LifecycleConfig struct {
	Recovery RecoveryConfig
	// EnableAnalytics toggles emission of domain events. It never changes
	// the outcome of an operation.
	EnableAnalytics bool
}

// DefaultLifecycleConfig returns recovery enabled and analytics disabled.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{Recovery: DefaultRecoveryConfig()}
}

// CreateScanInput is the caller-supplied data for a new scan.
type CreateScanInput struct {
	SiteID                   string       `validate:"required"`
	UserID                   string       `validate:"required"`
	Status                   scans.Status `validate:"omitempty,oneof=pending running"`
	ProgressMessage          string
	MaxRuntimeMinutes        int `validate:"gte=0"`
	HeartbeatIntervalSeconds int `validate:"gte=0"`
}

// TerminalOptions carries the optional inputs of TransitionToTerminal.
type TerminalOptions struct {
	// UserID, when set, restricts the transition to scans owned by that user.
	UserID string
	// Results is attached on completion.
	Results scans.Results
	// ErrorMessage is required when failing a scan.
	ErrorMessage string
	// ProgressMessage optionally overwrites the final progress message.
	ProgressMessage *string
}

// LifecycleManager owns the scan state machine for requests made on behalf of
// the external scan worker: creation, heartbeats and terminal transitions.
// It holds only configuration, so any number of instances may run against
// the same store.
type LifecycleManager struct {
	cfg      LifecycleConfig
	repo     scans.Repository
	deps     managerDeps
	writer   *scanWriter
	validate *validator.Validate
	metrics  LifecycleMetrics

	tracer trace.Tracer
	logger *logger.Logger
}

// NewLifecycleManager creates a LifecycleManager. cfg must already be
// validated by the caller.
func NewLifecycleManager(
	repo scans.Repository,
	cfg LifecycleConfig,
	tracer trace.Tracer,
	logger *logger.Logger,
	opts ...LifecycleOption,
) *LifecycleManager {
	logger = logger.With("component", "scan_lifecycle_manager")
	m := &LifecycleManager{
		cfg:      cfg,
		repo:     repo,
		deps:     managerDeps{clock: scans.RealTimeProvider{}},
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  noOpMetrics{},
		tracer:   tracer,
		logger:   logger,
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

// CreateScan inserts a new scan in the pending or running state.
func (m *LifecycleManager) CreateScan(ctx context.Context, in CreateScanInput) CreateScanResult {
	ctx, span := m.tracer.Start(ctx, "scan_lifecycle_manager.scanning.create_scan",
		trace.WithAttributes(
			attribute.String("site_id", in.SiteID),
			attribute.String("status", in.Status.String()),
		))
	defer span.End()

	if err := m.validate.Struct(in); err != nil {
		err = fmt.Errorf("%w: %w", scans.ErrInvalidInput, err)
		span.SetStatus(codes.Error, "invalid input")
		return CreateScanResult{Result: failResult(err)}
	}

	scan, err := scans.NewScan(uuid.New(), scans.NewScanParams{
		SiteID:                   in.SiteID,
		UserID:                   in.UserID,
		Status:                   in.Status,
		ProgressMessage:          in.ProgressMessage,
		MaxRuntimeMinutes:        in.MaxRuntimeMinutes,
		HeartbeatIntervalSeconds: in.HeartbeatIntervalSeconds,
	}, m.deps.clock.Now())
	if err != nil {
		span.SetStatus(codes.Error, "invalid input")
		return CreateScanResult{Result: failResult(err)}
	}
	span.SetAttributes(attribute.String("scan_id", scan.ID().String()))

	rec, err := m.writer.recovery.run(ctx, "create", scan.ID(), func(ctx context.Context) error {
		return m.repo.Create(ctx, scan)
	})
	m.writer.publishRecovery(ctx, "create", scan.ID(), rec, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create scan")
		m.logger.Error(ctx, "failed to create scan", "scan_id", scan.ID(), "site_id", in.SiteID, "error", err)
		return CreateScanResult{Result: failResult(err).withRecovery(rec)}
	}

	m.metrics.IncScansCreated(ctx)
	m.writer.publish(ctx, scans.NewScanCreatedEvent(scan))
	m.logger.Info(ctx, "scan created", "scan_id", scan.ID(), "site_id", in.SiteID, "status", scan.Status())
	span.SetStatus(codes.Ok, "scan created")

	return CreateScanResult{Result: okResult().withRecovery(rec), ScanID: scan.ID()}
}

// StartScan moves a pending scan to running and stamps started_at. Starting
// a scan that is already running is a no-op success.
func (m *LifecycleManager) StartScan(ctx context.Context, id uuid.UUID, progressMessage *string, userID string) Result {
	ctx, span := m.tracer.Start(ctx, "scan_lifecycle_manager.scanning.start_scan",
		trace.WithAttributes(attribute.String("scan_id", id.String())))
	defer span.End()

	scan, err := m.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return failResult(err)
	}
	if userID != "" && scan.UserID() != userID {
		return failResult(fmt.Errorf("%w: %s", scans.ErrScanNotFound, id))
	}
	if scan.Status() == scans.StatusRunning {
		return okResult()
	}
	if err := scan.Status().ValidateTransition(id, scans.StatusRunning); err != nil {
		return failResult(err)
	}

	now := m.deps.clock.Now()
	running := scans.StatusRunning
	res := m.UpdateWithRecovery(ctx, id, scans.ScanPatch{
		Status:          &running,
		StartedAt:       &now,
		LastActivityAt:  &now,
		ProgressMessage: progressMessage,
		UserID:          userID,
	})
	if !res.Success {
		return res.Result
	}

	m.writer.publish(ctx, scans.NewScanStartedEvent(id, now))
	m.logger.Info(ctx, "scan started", "scan_id", id)
	return res.Result
}

// UpdateHeartbeat records worker liveness through the atomic heartbeat
// procedure. A heartbeat for a terminal scan fails with InvalidTransition,
// which tells the worker its scan was closed elsewhere and it should stop.
func (m *LifecycleManager) UpdateHeartbeat(ctx context.Context, id uuid.UUID, progressMessage *string, userID string) Result {
	ctx, span := m.tracer.Start(ctx, "scan_lifecycle_manager.scanning.update_heartbeat",
		trace.WithAttributes(attribute.String("scan_id", id.String())))
	defer span.End()

	now := m.deps.clock.Now()
	hb := scans.HeartbeatUpdate{At: now, ProgressMessage: progressMessage, UserID: userID}

	rec, err := m.writer.recovery.run(ctx, "heartbeat", id, func(ctx context.Context) error {
		return m.repo.Heartbeat(ctx, id, hb)
	})
	m.writer.publishRecovery(ctx, "heartbeat", id, rec, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "heartbeat rejected")
		m.logger.Warn(ctx, "heartbeat rejected", "scan_id", id, "error", err)
		return failResult(err).withRecovery(rec)
	}

	m.metrics.IncHeartbeats(ctx)
	var msg string
	if progressMessage != nil {
		msg = *progressMessage
	}
	m.writer.publish(ctx, scans.NewScanHeartbeatEvent(id, msg, now))
	span.SetStatus(codes.Ok, "heartbeat recorded")

	return okResult().withRecovery(rec)
}

// TransitionToTerminal moves a scan to completed or failed through the atomic
// terminal procedure. Repeating the same terminal status is a no-op success;
// a different terminal status on an already-terminal scan is rejected and
// the stored row is left unchanged.
func (m *LifecycleManager) TransitionToTerminal(
	ctx context.Context,
	id uuid.UUID,
	status scans.Status,
	opts TerminalOptions,
) TransitionResult {
	ctx, span := m.tracer.Start(ctx, "scan_lifecycle_manager.scanning.transition_to_terminal",
		trace.WithAttributes(
			attribute.String("scan_id", id.String()),
			attribute.String("status", status.String()),
		))
	defer span.End()

	u := scans.TerminalUpdate{
		Status:          status,
		At:              m.deps.clock.Now(),
		ErrorMessage:    strings.TrimSpace(opts.ErrorMessage),
		Results:         opts.Results,
		ProgressMessage: opts.ProgressMessage,
		UserID:          opts.UserID,
	}
	if err := u.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid input")
		return TransitionResult{Result: failResult(err)}
	}

	res := m.writer.terminate(ctx, id, u)
	if !res.Success {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "transition rejected")
		m.logger.Warn(ctx, "terminal transition rejected",
			"scan_id", id,
			"status", status,
			"error", res.Error,
		)
		return res
	}

	span.SetAttributes(attribute.Bool("applied", res.Applied))
	span.SetStatus(codes.Ok, "transition complete")
	if !res.Applied {
		m.logger.Debug(ctx, "scan already terminal, nothing to do", "scan_id", id, "status", status)
		return res
	}

	m.metrics.IncTransitions(ctx, status)
	m.writer.publish(ctx, scans.NewScanTerminatedEvent(id, status, u.ErrorMessage, res.RecoveryAttempts, false, u.At))
	m.logger.Info(ctx, "scan transitioned", "scan_id", id, "status", status, "recovery_attempts", res.RecoveryAttempts)
	return res
}

// UpdateWithRecovery applies a partial update, refreshing the schema cache
// and retrying with backoff when the write fails with a schema cache error.
// Any other error fails immediately. Attempts counts every write issued.
func (m *LifecycleManager) UpdateWithRecovery(ctx context.Context, id uuid.UUID, patch scans.ScanPatch) UpdateResult {
	ctx, span := m.tracer.Start(ctx, "scan_lifecycle_manager.scanning.update_with_recovery",
		trace.WithAttributes(attribute.String("scan_id", id.String())))
	defer span.End()

	if err := patch.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid input")
		return UpdateResult{Result: failResult(err)}
	}

	rec, err := m.writer.recovery.run(ctx, "update", id, func(ctx context.Context) error {
		return m.repo.Update(ctx, id, patch)
	})
	m.writer.publishRecovery(ctx, "update", id, rec, err)
	span.SetAttributes(attribute.Int("attempts", rec.Attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		m.logger.Warn(ctx, "scan update failed", "scan_id", id, "attempts", rec.Attempts, "error", err)
		return UpdateResult{Result: failResult(err).withRecovery(rec), Attempts: rec.Attempts}
	}

	span.SetStatus(codes.Ok, "update applied")
	return UpdateResult{Result: okResult().withRecovery(rec), Attempts: rec.Attempts}
}

// GetScanStatus reads a scan and reports whether it has missed two expected
// heartbeats. The check is applied to terminal scans too; callers interpret
// it together with the status. Read failures are returned without retry.
func (m *LifecycleManager) GetScanStatus(ctx context.Context, id uuid.UUID) StatusResult {
	ctx, span := m.tracer.Start(ctx, "scan_lifecycle_manager.scanning.get_scan_status",
		trace.WithAttributes(attribute.String("scan_id", id.String())))
	defer span.End()

	scan, err := m.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read scan")
		return StatusResult{Result: failResult(err)}
	}

	stale := scan.IsStale(m.deps.clock.Now(), scans.StatusStaleMultiplier)
	span.SetAttributes(attribute.Bool("is_stale", stale))
	return StatusResult{Result: okResult(), Scan: scan, IsStale: stale}
}
