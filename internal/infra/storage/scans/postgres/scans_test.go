package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/internal/infra/storage"
)

func setupScanTest(t *testing.T) (context.Context, *pgxpool.Pool, *scanStore, func()) {
	t.Helper()

	db, cleanup := storage.SetupTestContainer(t)
	store := NewScanStore(db, storage.NoOpTracer())
	return context.Background(), db, store, cleanup
}

// Postgres stores microseconds; keep fixtures at that precision.
var baseTime = time.Now().UTC().Truncate(time.Second)

func createTestScan(t *testing.T, ctx context.Context, store *scanStore, status scans.Status, created time.Time) *scans.Scan {
	t.Helper()
	scan, err := scans.NewScan(uuid.New(), scans.NewScanParams{
		SiteID:          "site-1",
		UserID:          "user-1",
		Status:          status,
		ProgressMessage: "queued",
	}, created)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, scan))
	return scan
}

func TestScanStore_CreateAndGet(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupScanTest(t)
	defer cleanup()

	scan := createTestScan(t, ctx, store, scans.StatusRunning, baseTime)

	loaded, err := store.Get(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scan.ID(), loaded.ID())
	assert.Equal(t, "site-1", loaded.SiteID())
	assert.Equal(t, scans.StatusRunning, loaded.Status())
	assert.Equal(t, "queued", loaded.ProgressMessage())
	assert.True(t, baseTime.Equal(loaded.CreatedAt()))
	assert.True(t, baseTime.Equal(loaded.StartedAt()))
	assert.True(t, loaded.EndedAt().IsZero())
	assert.Equal(t, scans.DefaultMaxRuntimeMinutes, loaded.MaxRuntimeMinutes())
	assert.Equal(t, scans.DefaultHeartbeatIntervalSeconds, loaded.HeartbeatIntervalSeconds())

	err = store.Create(ctx, scan)
	var storeErr *scans.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "23505", storeErr.Code)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, scans.ErrScanNotFound)
}

func TestScanStore_Heartbeat(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupScanTest(t)
	defer cleanup()

	scan := createTestScan(t, ctx, store, scans.StatusRunning, baseTime)
	msg := "50% done"
	at := baseTime.Add(30 * time.Second)
	require.NoError(t, store.Heartbeat(ctx, scan.ID(), scans.HeartbeatUpdate{At: at, ProgressMessage: &msg}))

	loaded, err := store.Get(ctx, scan.ID())
	require.NoError(t, err)
	assert.True(t, at.Equal(loaded.LastActivityAt()))
	assert.Equal(t, msg, loaded.ProgressMessage())

	// An out-of-order heartbeat never moves last activity backwards.
	require.NoError(t, store.Heartbeat(ctx, scan.ID(), scans.HeartbeatUpdate{At: baseTime}))
	loaded, err = store.Get(ctx, scan.ID())
	require.NoError(t, err)
	assert.True(t, at.Equal(loaded.LastActivityAt()))

	err = store.Heartbeat(ctx, scan.ID(), scans.HeartbeatUpdate{At: at, UserID: "user-2"})
	assert.ErrorIs(t, err, scans.ErrScanNotFound)

	_, err = store.TransitionTerminal(ctx, scan.ID(), scans.TerminalUpdate{Status: scans.StatusCompleted, At: at})
	require.NoError(t, err)
	err = store.Heartbeat(ctx, scan.ID(), scans.HeartbeatUpdate{At: at.Add(time.Second)})
	assert.ErrorIs(t, err, scans.ErrInvalidTransition)
}

func TestScanStore_TransitionTerminal(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupScanTest(t)
	defer cleanup()

	scan := createTestScan(t, ctx, store, scans.StatusRunning, baseTime)
	results, err := scans.NewResults(map[string]int{"violations": 3, "passes": 40})
	require.NoError(t, err)
	endedAt := baseTime.Add(time.Minute)

	out, err := store.TransitionTerminal(ctx, scan.ID(), scans.TerminalUpdate{
		Status: scans.StatusCompleted, At: endedAt, Results: results,
	})
	require.NoError(t, err)
	assert.Equal(t, scans.TransitionOutcome{Applied: true, Status: scans.StatusCompleted}, out)

	// A late failure must not overwrite the completed scan.
	out, err = store.TransitionTerminal(ctx, scan.ID(), scans.TerminalUpdate{
		Status: scans.StatusFailed, At: endedAt.Add(time.Minute), ErrorMessage: "Automated cleanup",
	})
	require.NoError(t, err)
	assert.Equal(t, scans.TransitionOutcome{Applied: false, Status: scans.StatusCompleted}, out)

	loaded, err := store.Get(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scans.StatusCompleted, loaded.Status())
	assert.Empty(t, loaded.ErrorMessage())
	assert.True(t, endedAt.Equal(loaded.EndedAt()))

	var got map[string]int
	require.NoError(t, json.Unmarshal(loaded.Results(), &got))
	assert.Equal(t, 3, got["violations"])

	_, err = store.TransitionTerminal(ctx, uuid.New(), scans.TerminalUpdate{Status: scans.StatusCompleted, At: endedAt})
	assert.ErrorIs(t, err, scans.ErrScanNotFound)
}

func TestScanStore_Update(t *testing.T) {
	t.Parallel()
	ctx, db, store, cleanup := setupScanTest(t)
	defer cleanup()

	scan := createTestScan(t, ctx, store, scans.StatusPending, baseTime)
	running := scans.StatusRunning
	startedAt := baseTime.Add(5 * time.Second)
	msg := "started"

	require.NoError(t, store.Update(ctx, scan.ID(), scans.ScanPatch{
		Status:          &running,
		StartedAt:       &startedAt,
		LastActivityAt:  &startedAt,
		ProgressMessage: &msg,
	}))

	loaded, err := store.Get(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scans.StatusRunning, loaded.Status())
	assert.True(t, startedAt.Equal(loaded.StartedAt()))

	// Running scans never move back to pending.
	pending := scans.StatusPending
	err = store.Update(ctx, scan.ID(), scans.ScanPatch{Status: &pending})
	var terr *scans.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, scans.StatusRunning, terr.From)
	assert.Equal(t, scans.StatusPending, terr.To)

	failed := scans.StatusFailed
	endedAt := baseTime.Add(time.Minute)
	reason := "worker crashed"
	require.NoError(t, store.Update(ctx, scan.ID(), scans.ScanPatch{
		Status: &failed, EndedAt: &endedAt, ErrorMessage: &reason,
	}))

	later := endedAt.Add(time.Minute)
	late := "resurrected"
	err = store.Update(ctx, scan.ID(), scans.ScanPatch{ProgressMessage: &late, LastActivityAt: &later})
	assert.ErrorIs(t, err, scans.ErrInvalidTransition)

	other := "something else"
	err = store.Update(ctx, scan.ID(), scans.ScanPatch{Status: &failed, EndedAt: &endedAt, ErrorMessage: &other})
	assert.ErrorIs(t, err, scans.ErrInvalidTransition)

	loaded, err = store.Get(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, msg, loaded.ProgressMessage())
	assert.Equal(t, reason, loaded.ErrorMessage())
	assert.True(t, startedAt.Equal(loaded.LastActivityAt()))

	// The trigger rejects direct writes that bypass the status filter.
	_, err = db.Exec(ctx, `UPDATE scans SET progress_message = 'x' WHERE id = $1`, pgUUID(scan.ID()))
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, codeObjectNotInPrereqState, pgErr.Code)

	err = store.Update(ctx, uuid.New(), scans.ScanPatch{ProgressMessage: &msg})
	assert.ErrorIs(t, err, scans.ErrScanNotFound)
}

func TestScanStore_FindStuckAndHealth(t *testing.T) {
	t.Parallel()
	ctx, _, store, cleanup := setupScanTest(t)
	defer cleanup()

	now := baseTime
	timedOut := createTestScan(t, ctx, store, scans.StatusRunning, now.Add(-20*time.Minute))
	require.NoError(t, store.Heartbeat(ctx, timedOut.ID(), scans.HeartbeatUpdate{At: now.Add(-10 * time.Second)}))
	silent := createTestScan(t, ctx, store, scans.StatusRunning, now.Add(-8*time.Minute))
	healthy := createTestScan(t, ctx, store, scans.StatusRunning, now.Add(-time.Minute))
	require.NoError(t, store.Heartbeat(ctx, healthy.ID(), scans.HeartbeatUpdate{At: now.Add(-5 * time.Second)}))
	done := createTestScan(t, ctx, store, scans.StatusRunning, now.Add(-50*time.Minute))
	_, err := store.TransitionTerminal(ctx, done.ID(), scans.TerminalUpdate{Status: scans.StatusCompleted, At: now.Add(-40 * time.Minute)})
	require.NoError(t, err)

	stuck, err := store.FindStuck(ctx, scans.StuckQuery{
		Now:             now,
		MaxRuntime:      15 * time.Minute,
		HeartbeatStale:  5 * time.Minute,
		StaleMultiplier: 2,
	})
	require.NoError(t, err)
	require.Len(t, stuck, 2)

	assert.Equal(t, timedOut.ID(), stuck[0].ScanID)
	assert.Equal(t, scans.StuckReasonRuntimeTimeout, stuck[0].Reason)
	assert.InDelta(t, 20.0, stuck[0].AgeMinutes, 0.01)
	assert.Equal(t, 15*time.Minute, stuck[0].RuntimeLimit)

	assert.Equal(t, silent.ID(), stuck[1].ScanID)
	assert.Equal(t, scans.StuckReasonHeartbeatStale, stuck[1].Reason)
	assert.InDelta(t, 8.0, stuck[1].HeartbeatAgeMinutes, 0.01)

	perScan, err := store.FindStuck(ctx, scans.StuckQuery{
		Now:                  now,
		MaxRuntime:           time.Hour,
		HeartbeatStale:       time.Hour,
		UsePerScanThresholds: true,
		StaleMultiplier:      2,
	})
	require.NoError(t, err)
	assert.Len(t, perScan, 2)
	assert.Equal(t, time.Minute, perScan[1].HeartbeatLimit)

	stats, err := store.HealthStats(ctx, scans.HealthQuery{
		Since:       now.Add(-24 * time.Hour),
		StaleBefore: now.Add(-5 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, scans.HealthStats{TotalScans: 4, RunningScans: 3, StaleScans: 1}, stats)
}

func TestBuildUpdate_StatusGuard(t *testing.T) {
	t.Parallel()

	msg := "progress"
	running := scans.StatusRunning
	completed := scans.StatusCompleted
	at := baseTime

	tests := []struct {
		name        string
		patch       scans.ScanPatch
		wantWhere   string
		wantSources []string
	}{
		{
			name:      "no status change only matches active rows",
			patch:     scans.ScanPatch{ProgressMessage: &msg},
			wantWhere: "id = $1 AND status IN ('pending', 'running')",
		},
		{
			name:        "start",
			patch:       scans.ScanPatch{Status: &running},
			wantWhere:   "id = $1 AND status::text = ANY($3)",
			wantSources: []string{"pending", "running"},
		},
		{
			name:        "terminal target excludes terminal rows",
			patch:       scans.ScanPatch{Status: &completed, EndedAt: &at},
			wantWhere:   "id = $1 AND status::text = ANY($4)",
			wantSources: []string{"pending", "running"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			query, args := buildUpdate(uuid.New(), tt.patch)
			assert.Contains(t, query, "WHERE "+tt.wantWhere+" RETURNING")
			if tt.wantSources != nil {
				assert.Equal(t, tt.wantSources, args[len(args)-1])
			}
		})
	}
}
