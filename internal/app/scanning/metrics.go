package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/scanwatch/internal/domain/scans"
)

// RecoveryMetrics defines the metrics recorded by schema cache recovery.
type RecoveryMetrics interface {
	IncRecoveries(ctx context.Context, outcome string)
	IncStorageRetries(ctx context.Context, operation string)
}

// LifecycleMetrics defines metrics operations needed by the lifecycle manager.
type LifecycleMetrics interface {
	RecoveryMetrics

	IncScansCreated(ctx context.Context)
	IncHeartbeats(ctx context.Context)
	IncTransitions(ctx context.Context, status scans.Status)
}

// MaintenanceMetrics defines metrics operations needed by the maintenance manager.
type MaintenanceMetrics interface {
	RecoveryMetrics

	IncTransitions(ctx context.Context, status scans.Status)
	IncStuckScansCleaned(ctx context.Context, reason scans.StuckReason)
	IncCleanupErrors(ctx context.Context)
	ObserveSweepDuration(ctx context.Context, d time.Duration)
	RecordHealthScore(ctx context.Context, score float64)
}

// ScanMetrics implements both LifecycleMetrics and MaintenanceMetrics.
type ScanMetrics struct {
	scansCreated  metric.Int64Counter
	heartbeats    metric.Int64Counter
	transitions   metric.Int64Counter
	recoveries    metric.Int64Counter
	retries       metric.Int64Counter
	stuckCleaned  metric.Int64Counter
	cleanupErrors metric.Int64Counter
	sweepDuration metric.Float64Histogram
	healthScore   metric.Float64Gauge

	// Analytics publisher metrics.
	messagesPublished metric.Int64Counter
	publishErrors     metric.Int64Counter
}

const namespace = "scanwatch"

// NewScanMetrics creates a new ScanMetrics instance.
func NewScanMetrics(mp metric.MeterProvider) (*ScanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(ScanMetrics)
	var err error

	if m.scansCreated, err = meter.Int64Counter(
		"scans_created_total",
		metric.WithDescription("Total number of scans created"),
	); err != nil {
		return nil, err
	}

	if m.heartbeats, err = meter.Int64Counter(
		"scan_heartbeats_total",
		metric.WithDescription("Total number of heartbeats recorded"),
	); err != nil {
		return nil, err
	}

	if m.transitions, err = meter.Int64Counter(
		"scan_transitions_total",
		metric.WithDescription("Total number of terminal transitions by status"),
	); err != nil {
		return nil, err
	}

	if m.recoveries, err = meter.Int64Counter(
		"schema_cache_recoveries_total",
		metric.WithDescription("Total number of schema cache recoveries by outcome"),
	); err != nil {
		return nil, err
	}

	if m.retries, err = meter.Int64Counter(
		"storage_retries_total",
		metric.WithDescription("Total number of storage write retries"),
	); err != nil {
		return nil, err
	}

	if m.stuckCleaned, err = meter.Int64Counter(
		"stuck_scans_cleaned_total",
		metric.WithDescription("Total number of stuck scans force-failed by the sweep"),
	); err != nil {
		return nil, err
	}

	if m.cleanupErrors, err = meter.Int64Counter(
		"stuck_scan_cleanup_errors_total",
		metric.WithDescription("Total number of per-scan cleanup failures"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"sweep_duration_seconds",
		metric.WithDescription("Time taken by one maintenance sweep"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.healthScore, err = meter.Float64Gauge(
		"scan_health_score",
		metric.WithDescription("Most recent fleet health score (0-100)"),
	); err != nil {
		return nil, err
	}

	if m.messagesPublished, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of analytics events published"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of analytics publish errors"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *ScanMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *ScanMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *ScanMetrics) IncScansCreated(ctx context.Context) { m.scansCreated.Add(ctx, 1) }
func (m *ScanMetrics) IncHeartbeats(ctx context.Context)   { m.heartbeats.Add(ctx, 1) }

func (m *ScanMetrics) IncTransitions(ctx context.Context, status scans.Status) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status.String())))
}

func (m *ScanMetrics) IncRecoveries(ctx context.Context, outcome string) {
	m.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *ScanMetrics) IncStorageRetries(ctx context.Context, operation string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *ScanMetrics) IncStuckScansCleaned(ctx context.Context, reason scans.StuckReason) {
	m.stuckCleaned.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason.String())))
}

func (m *ScanMetrics) IncCleanupErrors(ctx context.Context) { m.cleanupErrors.Add(ctx, 1) }

func (m *ScanMetrics) ObserveSweepDuration(ctx context.Context, d time.Duration) {
	m.sweepDuration.Record(ctx, d.Seconds())
}

func (m *ScanMetrics) RecordHealthScore(ctx context.Context, score float64) {
	m.healthScore.Record(ctx, score)
}

// noOpMetrics is used when no meter provider is supplied.
type noOpMetrics struct{}

func (noOpMetrics) IncScansCreated(context.Context)                         {}
func (noOpMetrics) IncHeartbeats(context.Context)                           {}
func (noOpMetrics) IncTransitions(context.Context, scans.Status)            {}
func (noOpMetrics) IncRecoveries(context.Context, string)                   {}
func (noOpMetrics) IncStorageRetries(context.Context, string)               {}
func (noOpMetrics) IncStuckScansCleaned(context.Context, scans.StuckReason) {}
func (noOpMetrics) IncCleanupErrors(context.Context)                        {}
func (noOpMetrics) ObserveSweepDuration(context.Context, time.Duration)     {}
func (noOpMetrics) RecordHealthScore(context.Context, float64)              {}
