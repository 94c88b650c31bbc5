package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanwatch/internal/api/debug"
	"github.com/ahrav/scanwatch/internal/app/scanning"
	"github.com/ahrav/scanwatch/internal/config"
	"github.com/ahrav/scanwatch/internal/domain/events"
	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/internal/infra/eventbus/kafka"
	eventmemory "github.com/ahrav/scanwatch/internal/infra/eventbus/memory"
	redislease "github.com/ahrav/scanwatch/internal/infra/lease/redis"
	"github.com/ahrav/scanwatch/internal/infra/schemacache"
	"github.com/ahrav/scanwatch/internal/infra/storage"
	"github.com/ahrav/scanwatch/internal/infra/storage/scans/memory"
	"github.com/ahrav/scanwatch/internal/infra/storage/scans/postgres"
	"github.com/ahrav/scanwatch/internal/infra/storage/scans/postgrest"
	"github.com/ahrav/scanwatch/pkg/common"
	"github.com/ahrav/scanwatch/pkg/common/logger"
	"github.com/ahrav/scanwatch/pkg/common/otel"
)

// app holds the wired components for one process.
type app struct {
	cfg    config.Config
	log    *logger.Logger
	tracer trace.Tracer

	pool *pgxpool.Pool
	repo scans.Repository

	lifecycle   *scanning.LifecycleManager
	maintenance *scanning.MaintenanceManager

	// checks feed the readiness endpoint.
	checks  map[string]debug.Check
	closers []func(ctx context.Context) error
}

func newApp(ctx context.Context, cfg config.Config, logOut io.Writer) (a *app, err error) {
	hostname, _ := os.Hostname()

	log := logger.NewWithMetadata(
		logOut,
		logger.ParseLevel(cfg.Log.Level),
		cfg.Service,
		otel.GetTraceID,
		logger.Events{},
		map[string]string{"hostname": hostname, "backend": cfg.Backend},
	)
	if cfg.Telemetry.LogBridge {
		log = logger.WithOtelBridge(log, cfg.Service, nil)
	}

	a = &app{cfg: cfg, log: log, checks: make(map[string]debug.Check)}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	providers, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Service,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Host:             hostname,
		ExcludedRoutes: map[string]struct{}{
			"/v1/liveness":  {},
			"/v1/readiness": {},
		},
		Probability:      cfg.Telemetry.SampleRatio,
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	a.addCloser(func(ctx context.Context) error { teardown(ctx); return nil })
	a.tracer = providers.Tracer.Tracer(cfg.Service)

	metrics, err := scanning.NewScanMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	var publisher events.DomainEventPublisher = events.NoopPublisher{}
	if cfg.Kafka.Enabled {
		producer, err := kafka.ConnectWithRetry(ctx, kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.Topic,
			ClientID:       cfg.Kafka.ClientID,
			ConnectTimeout: cfg.Kafka.ConnectTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		p := kafka.NewDomainEventPublisher(producer, cfg.Kafka.Topic, metrics, a.tracer, log)
		a.addCloser(func(context.Context) error { return p.Close() })
		publisher = p
	} else if cfg.Lifecycle.EnableAnalytics || cfg.Maintenance.EnableAnalytics {
		broker := eventmemory.NewBroker()
		if err := broker.Subscribe(ctx, logEvents(log)); err != nil {
			return nil, fmt.Errorf("subscribe analytics log: %w", err)
		}
		publisher = broker
	}

	lifecycleOpts := []scanning.LifecycleOption{
		scanning.WithLifecycleMetrics(metrics),
		scanning.WithLifecycleEventPublisher(publisher),
	}
	maintenanceOpts := []scanning.MaintenanceOption{
		scanning.WithMaintenanceMetrics(metrics),
		scanning.WithMaintenanceEventPublisher(publisher),
		scanning.WithCleanupRateLimiter(common.NewRateLimiter(cfg.Maintenance.CleanupRPS, cfg.Maintenance.CleanupBurst)),
	}

	if refresher := a.schemaRefresher(); refresher != nil {
		lifecycleOpts = append(lifecycleOpts, scanning.WithLifecycleSchemaRefresher(refresher))
		maintenanceOpts = append(maintenanceOpts, scanning.WithMaintenanceSchemaRefresher(refresher))
	}

	if cfg.Redis.Enabled {
		client, err := redislease.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.addCloser(func(context.Context) error { return client.Close() })
		a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

		lease := redislease.NewLease(client, cfg.Redis.LeaseKey, cfg.Redis.LeaseTTL, log)
		maintenanceOpts = append(maintenanceOpts, scanning.WithLease(lease))
	}

	a.lifecycle = scanning.NewLifecycleManager(a.repo, lifecycleConfig(cfg), a.tracer, log, lifecycleOpts...)
	a.maintenance = scanning.NewMaintenanceManager(a.repo, maintenanceConfig(cfg), a.tracer, log, maintenanceOpts...)
	return a, nil
}

// openStore connects the configured scan store. The postgres pool is also
// opened for the postgrest backend when a database URL is set, so NOTIFY
// can serve as a schema reload fallback.
func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Database.URL != "" && (cfg.Backend == config.BackendPostgres || cfg.Gateway.NotifyFallback) {
		pool, err := openPool(ctx, cfg.Database)
		if err != nil {
			return err
		}
		a.pool = pool
		a.addCloser(func(context.Context) error { pool.Close(); return nil })
		a.checks["postgres"] = pool.Ping

		if cfg.Database.AutoMigrate {
			if _, err := storage.Migrate(ctx, pool, a.log); err != nil {
				return err
			}
		}
	}

	switch cfg.Backend {
	case config.BackendPostgres:
		a.repo = postgres.NewScanStore(a.pool, a.tracer)
	case config.BackendPostgREST:
		store, err := postgrest.NewScanStore(postgrest.Config{
			BaseURL: cfg.Gateway.URL,
			APIKey:  cfg.Gateway.ServiceKey,
			Timeout: cfg.Gateway.Timeout,
		}, nil, a.tracer)
		if err != nil {
			return fmt.Errorf("create postgrest store: %w", err)
		}
		a.repo = store
	default:
		a.log.Warn(ctx, "using in-memory scan store; state is lost on exit")
		a.repo = memory.NewScanStore()
	}
	return nil
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return pool, nil
}

// schemaRefresher chains the configured reload methods, admin endpoint
// first. Returns nil when none is configured.
func (a *app) schemaRefresher() scans.SchemaRefresher {
	var chain schemacache.Chain
	if url := a.cfg.Gateway.SchemaReloadURL; url != "" {
		chain = append(chain, schemacache.NewHTTPRefresher(url, a.cfg.Gateway.ServiceKey, nil, a.log))
	}
	if a.pool != nil && (a.cfg.Gateway.NotifyFallback || a.cfg.Backend == config.BackendPostgres) {
		chain = append(chain, schemacache.NewNotifyRefresher(a.pool, a.log))
	}
	if len(chain) == 0 {
		return nil
	}
	return chain
}

// logEvents writes analytics events to the log when no broker is configured.
func logEvents(log *logger.Logger) eventmemory.Handler {
	return func(ctx context.Context, evt events.DomainEvent, params events.PublishParams) error {
		args := []any{"event_type", evt.EventType(), "key", params.Key}
		if a, ok := evt.(events.Attributer); ok {
			for k, v := range a.Attributes() {
				args = append(args, k, v)
			}
		}
		log.Info(ctx, "analytics event", args...)
		return nil
	}
}

func (a *app) addCloser(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.log.Error(ctx, "failed to release resources", "error", err)
	}
}

func recoveryConfig(r config.RecoveryConfig) scanning.RecoveryConfig {
	return scanning.RecoveryConfig{
		Enabled:    r.Enabled,
		MaxRetries: r.MaxRetries,
		BaseDelay:  r.BaseDelay,
		MaxDelay:   r.MaxDelay,
		Jitter:     r.Jitter,
	}
}

func lifecycleConfig(cfg config.Config) scanning.LifecycleConfig {
	return scanning.LifecycleConfig{
		Recovery:        recoveryConfig(cfg.Lifecycle.Recovery),
		EnableAnalytics: cfg.Lifecycle.EnableAnalytics,
	}
}

func maintenanceConfig(cfg config.Config) scanning.MaintenanceConfig {
	m := cfg.Maintenance
	return scanning.MaintenanceConfig{
		Recovery: recoveryConfig(m.Recovery),
		Policy: scanning.CleanupPolicy{
			MaxRuntime:           m.MaxRuntime,
			HeartbeatStale:       m.HeartbeatStale,
			UsePerScanThresholds: m.UsePerScanThresholds,
		},
		HealthWindow:    m.HealthWindow,
		StaleMultiplier: m.StaleMultiplier,
		EnableAnalytics: m.EnableAnalytics,
	}
}
