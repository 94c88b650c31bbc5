package scanning

import (
	"github.com/ahrav/scanwatch/internal/domain/events"
	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/pkg/common"
)

// managerDeps are the optional collaborators shared by both managers.
type managerDeps struct {
	clock     scans.TimeProvider
	publisher events.DomainEventPublisher
	refresher scans.SchemaRefresher
}

// LifecycleOption configures a LifecycleManager.
type LifecycleOption func(*LifecycleManager)

// WithLifecycleTimeProvider overrides the clock.
func WithLifecycleTimeProvider(tp scans.TimeProvider) LifecycleOption {
	return func(m *LifecycleManager) { m.deps.clock = tp }
}

// WithLifecycleEventPublisher sets the analytics publisher used when
// analytics are enabled.
func WithLifecycleEventPublisher(p events.DomainEventPublisher) LifecycleOption {
	return func(m *LifecycleManager) { m.deps.publisher = p }
}

// WithLifecycleMetrics sets the metrics sink.
func WithLifecycleMetrics(metrics LifecycleMetrics) LifecycleOption {
	return func(m *LifecycleManager) { m.metrics = metrics }
}

// WithLifecycleSchemaRefresher sets the schema cache refresher used during
// recovery.
func WithLifecycleSchemaRefresher(r scans.SchemaRefresher) LifecycleOption {
	return func(m *LifecycleManager) { m.deps.refresher = r }
}

// MaintenanceOption configures a MaintenanceManager.
type MaintenanceOption func(*MaintenanceManager)

// WithMaintenanceTimeProvider overrides the clock.
func WithMaintenanceTimeProvider(tp scans.TimeProvider) MaintenanceOption {
	return func(m *MaintenanceManager) { m.deps.clock = tp }
}

// WithMaintenanceEventPublisher sets the analytics publisher used when
// analytics are enabled.
func WithMaintenanceEventPublisher(p events.DomainEventPublisher) MaintenanceOption {
	return func(m *MaintenanceManager) { m.deps.publisher = p }
}

// WithMaintenanceMetrics sets the metrics sink.
func WithMaintenanceMetrics(metrics MaintenanceMetrics) MaintenanceOption {
	return func(m *MaintenanceManager) { m.metrics = metrics }
}

// WithMaintenanceSchemaRefresher sets the schema cache refresher used during
// recovery.
func WithMaintenanceSchemaRefresher(r scans.SchemaRefresher) MaintenanceOption {
	return func(m *MaintenanceManager) { m.deps.refresher = r }
}

// WithLease makes the sweep acquire the lease before selecting candidates so
// only one replica cleans up at a time.
func WithLease(l scans.Lease) MaintenanceOption {
	return func(m *MaintenanceManager) { m.lease = l }
}

// WithCleanupRateLimiter throttles the per-scan cleanup writes.
func WithCleanupRateLimiter(rl *common.RateLimiter) MaintenanceOption {
	return func(m *MaintenanceManager) { m.limiter = rl }
}
