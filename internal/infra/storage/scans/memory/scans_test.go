package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanwatch/internal/domain/scans"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func createScan(t *testing.T, store *ScanStore, status scans.Status, created time.Time) *scans.Scan {
	t.Helper()
	s, err := scans.NewScan(uuid.New(), scans.NewScanParams{SiteID: "site", UserID: "user", Status: status}, created)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), s))
	return s
}

func TestScanStore_CreateDuplicate(t *testing.T) {
	t.Parallel()

	store := NewScanStore()
	s := createScan(t, store, scans.StatusPending, now)

	err := store.Create(context.Background(), s)
	var storeErr *scans.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "23505", storeErr.Code)
}

func TestScanStore_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewScanStore()
	s := createScan(t, store, scans.StatusRunning, now)

	got, err := store.Get(ctx, s.ID())
	require.NoError(t, err)
	require.NoError(t, got.Terminate(scans.TerminalUpdate{Status: scans.StatusCompleted, At: now.Add(time.Minute)}))

	again, err := store.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, scans.StatusRunning, again.Status())

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, scans.ErrScanNotFound)
}

func TestScanStore_Heartbeat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewScanStore()
	s := createScan(t, store, scans.StatusRunning, now)
	msg := "Processing..."

	require.NoError(t, store.Heartbeat(ctx, s.ID(), scans.HeartbeatUpdate{At: now.Add(time.Second), ProgressMessage: &msg}))

	err := store.Heartbeat(ctx, s.ID(), scans.HeartbeatUpdate{At: now, UserID: "someone-else"})
	assert.ErrorIs(t, err, scans.ErrScanNotFound)

	_, err = store.TransitionTerminal(ctx, s.ID(), scans.TerminalUpdate{Status: scans.StatusFailed, At: now.Add(time.Minute), ErrorMessage: "boom"})
	require.NoError(t, err)

	err = store.Heartbeat(ctx, s.ID(), scans.HeartbeatUpdate{At: now.Add(2 * time.Minute)})
	assert.ErrorIs(t, err, scans.ErrInvalidTransition)

	got, err := store.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, "Processing...", got.ProgressMessage())
	assert.Equal(t, now.Add(time.Minute), got.LastActivityAt())
}

func TestScanStore_UpdateTerminalScan(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewScanStore()
	s := createScan(t, store, scans.StatusRunning, now)
	_, err := store.TransitionTerminal(ctx, s.ID(), scans.TerminalUpdate{Status: scans.StatusCompleted, At: now})
	require.NoError(t, err)

	later := now.Add(time.Minute)
	msg := "resurrected"
	err = store.Update(ctx, s.ID(), scans.ScanPatch{ProgressMessage: &msg, LastActivityAt: &later})
	assert.ErrorIs(t, err, scans.ErrInvalidTransition)

	got, err := store.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Empty(t, got.ProgressMessage())
	assert.Equal(t, now, got.LastActivityAt())
}

func TestScanStore_TransitionTerminal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewScanStore()
	s := createScan(t, store, scans.StatusPending, now)

	out, err := store.TransitionTerminal(ctx, s.ID(), scans.TerminalUpdate{Status: scans.StatusCompleted, At: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, scans.TransitionOutcome{Applied: true, Status: scans.StatusCompleted}, out)

	out, err = store.TransitionTerminal(ctx, s.ID(), scans.TerminalUpdate{Status: scans.StatusFailed, At: now.Add(2 * time.Minute), ErrorMessage: "late"})
	require.NoError(t, err)
	assert.Equal(t, scans.TransitionOutcome{Applied: false, Status: scans.StatusCompleted}, out)

	got, err := store.Get(ctx, s.ID())
	require.NoError(t, err)
	assert.Equal(t, scans.StatusCompleted, got.Status())
	assert.Empty(t, got.ErrorMessage())
	assert.Equal(t, now.Add(time.Minute), got.EndedAt())
}

func TestScanStore_FindStuckAndHealth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewScanStore()

	fresh := createScan(t, store, scans.StatusRunning, now.Add(-2*time.Minute))
	stale := createScan(t, store, scans.StatusRunning, now.Add(-12*time.Minute))
	old := createScan(t, store, scans.StatusPending, now.Add(-30*time.Minute))
	done := createScan(t, store, scans.StatusRunning, now.Add(-40*time.Minute))
	_, err := store.TransitionTerminal(ctx, done.ID(), scans.TerminalUpdate{Status: scans.StatusCompleted, At: now.Add(-35 * time.Minute)})
	require.NoError(t, err)
	require.NoError(t, store.Heartbeat(ctx, fresh.ID(), scans.HeartbeatUpdate{At: now.Add(-10 * time.Second)}))

	stuck, err := store.FindStuck(ctx, scans.StuckQuery{Now: now, MaxRuntime: 15 * time.Minute, HeartbeatStale: 5 * time.Minute})
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	assert.Equal(t, old.ID(), stuck[0].ScanID)
	assert.Equal(t, scans.StuckReasonRuntimeTimeout, stuck[0].Reason)
	assert.Equal(t, stale.ID(), stuck[1].ScanID)
	assert.Equal(t, scans.StuckReasonHeartbeatStale, stuck[1].Reason)

	stats, err := store.HealthStats(ctx, scans.HealthQuery{Since: now.Add(-24 * time.Hour), StaleBefore: now.Add(-5 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, scans.HealthStats{TotalScans: 4, RunningScans: 2, StaleScans: 1}, stats)
}
