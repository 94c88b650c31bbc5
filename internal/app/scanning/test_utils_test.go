package scanning

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scanwatch/internal/domain/events"
	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/internal/infra/storage/scans/memory"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func noopTracer() trace.Tracer { return noop.NewTracerProvider().Tracer("test") }

// mockTimeProvider returns a fixed, adjustable time.
type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// mockRepository implements scans.Repository. Unset funcs fall through to an
// in-memory store so tests only override the calls they care about.
type mockRepository struct {
	base *memory.ScanStore

	createFn     func(context.Context, *scans.Scan) error
	updateFn     func(context.Context, uuid.UUID, scans.ScanPatch) error
	heartbeatFn  func(context.Context, uuid.UUID, scans.HeartbeatUpdate) error
	transitionFn func(context.Context, uuid.UUID, scans.TerminalUpdate) (scans.TransitionOutcome, error)
	findStuckFn  func(context.Context, scans.StuckQuery) ([]scans.StuckScan, error)
	healthFn     func(context.Context, scans.HealthQuery) (scans.HealthStats, error)

	writes atomic.Int64
}

func newMockRepository() *mockRepository {
	return &mockRepository{base: memory.NewScanStore()}
}

func (m *mockRepository) Create(ctx context.Context, s *scans.Scan) error {
	m.writes.Add(1)
	if m.createFn != nil {
		return m.createFn(ctx, s)
	}
	return m.base.Create(ctx, s)
}

func (m *mockRepository) Get(ctx context.Context, id uuid.UUID) (*scans.Scan, error) {
	return m.base.Get(ctx, id)
}

func (m *mockRepository) Update(ctx context.Context, id uuid.UUID, p scans.ScanPatch) error {
	m.writes.Add(1)
	if m.updateFn != nil {
		return m.updateFn(ctx, id, p)
	}
	return m.base.Update(ctx, id, p)
}

func (m *mockRepository) Heartbeat(ctx context.Context, id uuid.UUID, hb scans.HeartbeatUpdate) error {
	m.writes.Add(1)
	if m.heartbeatFn != nil {
		return m.heartbeatFn(ctx, id, hb)
	}
	return m.base.Heartbeat(ctx, id, hb)
}

func (m *mockRepository) TransitionTerminal(ctx context.Context, id uuid.UUID, u scans.TerminalUpdate) (scans.TransitionOutcome, error) {
	m.writes.Add(1)
	if m.transitionFn != nil {
		return m.transitionFn(ctx, id, u)
	}
	return m.base.TransitionTerminal(ctx, id, u)
}

func (m *mockRepository) FindStuck(ctx context.Context, q scans.StuckQuery) ([]scans.StuckScan, error) {
	if m.findStuckFn != nil {
		return m.findStuckFn(ctx, q)
	}
	return m.base.FindStuck(ctx, q)
}

func (m *mockRepository) HealthStats(ctx context.Context, q scans.HealthQuery) (scans.HealthStats, error) {
	if m.healthFn != nil {
		return m.healthFn(ctx, q)
	}
	return m.base.HealthStats(ctx, q)
}

// seed stores a scan directly, bypassing the managers.
func (m *mockRepository) seed(s *scans.Scan) {
	if err := m.base.Create(context.Background(), s); err != nil {
		panic(err)
	}
}

// mockRefresher implements scans.SchemaRefresher.
type mockRefresher struct {
	calls  atomic.Int64
	result scans.RefreshResult
}

func (m *mockRefresher) Refresh(context.Context) scans.RefreshResult {
	m.calls.Add(1)
	return m.result
}

// mockDomainEventPublisher implements events.DomainEventPublisher for testing.
type mockDomainEventPublisher struct{ mock.Mock }

func (m *mockDomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	args := m.Called(ctx, event, opts)
	return args.Error(0)
}

// mockLease implements scans.Lease.
type mockLease struct {
	acquired bool
	err      error
	released atomic.Int64
}

func (m *mockLease) Acquire(context.Context) (bool, error) { return m.acquired, m.err }

func (m *mockLease) Release(context.Context) error {
	m.released.Add(1)
	return nil
}

func schemaCacheErr() error {
	return &scans.StoreError{
		Op:      "update scan",
		Code:    SchemaCacheErrorCode,
		Message: `Could not find the 'ended_at' column of 'scans' in the schema cache`,
	}
}

func strPtr(s string) *string { return &s }

// reconstruct builds a scan with explicit timestamps for fixtures.
func reconstruct(status scans.Status, created, lastActivity time.Time) *scans.Scan {
	var started, ended time.Time
	if status != scans.StatusPending {
		started = created
	}
	var errMsg string
	if status.IsTerminal() {
		ended = lastActivity
		if status == scans.StatusFailed {
			errMsg = "boom"
		}
	}
	return scans.ReconstructScan(uuid.New(), "site-1", "user-1", status, "", errMsg,
		created, started, ended, lastActivity, scans.DefaultMaxRuntimeMinutes, scans.DefaultHeartbeatIntervalSeconds, nil)
}
