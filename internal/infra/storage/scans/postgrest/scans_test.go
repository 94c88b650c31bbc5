package postgrest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/internal/infra/storage"
)

const testKey = "service-key"

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   map[string]any
}

// requestLog records the requests seen by the gateway stub.
type requestLog struct {
	mu   sync.Mutex
	reqs []recordedRequest
}

func (l *requestLog) add(r recordedRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reqs = append(l.reqs, r)
}

func (l *requestLog) at(i int) recordedRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reqs[i]
}

func (l *requestLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reqs)
}

// newTestStore starts a gateway stub that records every request and answers
// with respond.
func newTestStore(t *testing.T, respond func(w http.ResponseWriter, r recordedRequest)) (*scanStore, *requestLog) {
	t.Helper()

	log := new(requestLog)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Header: r.Header.Clone()}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			assert.NoError(t, json.Unmarshal(b, &rec.Body))
		}
		log.add(rec)
		w.Header().Set("Content-Type", "application/json")
		respond(w, rec)
	}))
	t.Cleanup(srv.Close)

	store, err := NewScanStore(Config{BaseURL: srv.URL + "/rest/v1", APIKey: testKey}, srv.Client(), storage.NoOpTracer())
	require.NoError(t, err)
	return store, log
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewScanStore_InvalidURL(t *testing.T) {
	t.Parallel()
	_, err := NewScanStore(Config{BaseURL: "not a url"}, nil, storage.NoOpTracer())
	assert.ErrorIs(t, err, scans.ErrInvalidInput)
}

func TestScanStore_Create(t *testing.T) {
	t.Parallel()

	store, reqs := newTestStore(t, func(w http.ResponseWriter, r recordedRequest) {
		w.WriteHeader(http.StatusCreated)
	})

	scan, err := scans.NewScan(uuid.New(), scans.NewScanParams{SiteID: "site-1", UserID: "user-1"}, baseTime)
	require.NoError(t, err)
	require.NoError(t, store.Create(context.Background(), scan))

	require.Equal(t, 1, reqs.count())
	req := reqs.at(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/rest/v1/scans", req.Path)
	assert.Equal(t, testKey, req.Header.Get("apikey"))
	assert.Equal(t, "Bearer "+testKey, req.Header.Get("Authorization"))
	assert.Equal(t, "return=minimal", req.Header.Get("Prefer"))
	assert.Equal(t, scan.ID().String(), req.Body["id"])
	assert.Equal(t, "pending", req.Body["status"])
	assert.NotContains(t, req.Body, "started_at")
	assert.EqualValues(t, 15, req.Body["max_runtime_minutes"])
}

func TestScanStore_ErrorDecoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
		wantKind scans.ErrorKind
	}{
		{
			name:     "schema cache",
			status:   http.StatusBadRequest,
			body:     `{"code":"PGRST204","message":"Could not find the 'ended_at' column of 'scans' in the schema cache","details":null,"hint":null}`,
			wantCode: "PGRST204",
			wantMsg:  "Could not find the 'ended_at' column of 'scans' in the schema cache",
			wantKind: scans.ErrorKindStorage,
		},
		{
			name:     "unique violation",
			status:   http.StatusConflict,
			body:     `{"code":"23505","message":"duplicate key value violates unique constraint \"scans_pkey\"","details":"Key (id) already exists.","hint":null}`,
			wantCode: "23505",
			wantMsg:  `duplicate key value violates unique constraint "scans_pkey"`,
			wantKind: scans.ErrorKindStorage,
		},
		{
			name:     "terminal guard",
			status:   http.StatusBadRequest,
			body:     `{"code":"55000","message":"scan is already completed"}`,
			wantCode: "55000",
			wantMsg:  "scan is already completed",
			wantKind: scans.ErrorKindInvalidTransition,
		},
		{
			name:     "non json body",
			status:   http.StatusBadGateway,
			body:     "upstream unavailable",
			wantCode: "HTTP502",
			wantMsg:  "upstream unavailable",
			wantKind: scans.ErrorKindStorage,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			store, _ := newTestStore(t, func(w http.ResponseWriter, r recordedRequest) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			msg := "x"
			err := store.Update(context.Background(), uuid.New(), scans.ScanPatch{ProgressMessage: &msg})
			require.Error(t, err)

			var storeErr *scans.StoreError
			require.ErrorAs(t, err, &storeErr)
			assert.Equal(t, tt.wantCode, storeErr.Code)
			assert.Equal(t, tt.wantMsg, storeErr.Message)
			assert.Equal(t, tt.wantKind, scans.Classify(err))
		})
	}
}

func TestScanStore_Get(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	started := baseTime.Add(time.Second)
	store, reqs := newTestStore(t, func(w http.ResponseWriter, r recordedRequest) {
		if r.Query["id"][0] != "eq."+id.String() {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		writeJSON(w, http.StatusOK, []scanRow{{
			ID:                       id,
			SiteID:                   "site-1",
			UserID:                   "user-1",
			Status:                   "running",
			ProgressMessage:          "crawling",
			CreatedAt:                baseTime,
			StartedAt:                &started,
			LastActivityAt:           started,
			MaxRuntimeMinutes:        20,
			HeartbeatIntervalSeconds: 10,
		}})
	})

	scan, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scans.StatusRunning, scan.Status())
	assert.Equal(t, "crawling", scan.ProgressMessage())
	assert.True(t, started.Equal(scan.StartedAt()))
	assert.True(t, scan.EndedAt().IsZero())
	assert.Equal(t, 20, scan.MaxRuntimeMinutes())
	assert.Equal(t, []string{"*"}, reqs.at(0).Query["select"])

	_, err = store.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, scans.ErrScanNotFound)
}

func TestScanStore_UpdateConditional(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	store, reqs := newTestStore(t, func(w http.ResponseWriter, r recordedRequest) {
		switch r.Method {
		case http.MethodPatch:
			// The row is terminal, so the filter matches nothing.
			writeJSON(w, http.StatusOK, []any{})
		case http.MethodGet:
			writeJSON(w, http.StatusOK, []scanRow{{ID: id, Status: "completed", CreatedAt: baseTime, LastActivityAt: baseTime}})
		}
	})

	failed := scans.StatusFailed
	ended := baseTime.Add(time.Minute)
	reason := "worker crashed"
	err := store.Update(context.Background(), id, scans.ScanPatch{
		Status: &failed, EndedAt: &ended, ErrorMessage: &reason, UserID: "user-1",
	})

	var terr *scans.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, scans.StatusCompleted, terr.From)
	assert.Equal(t, scans.StatusFailed, terr.To)

	patch := reqs.at(0)
	assert.Equal(t, http.MethodPatch, patch.Method)
	assert.Equal(t, []string{"in.(pending,running)"}, patch.Query["status"])
	assert.Equal(t, []string{"eq.user-1"}, patch.Query["user_id"])
	assert.Equal(t, "return=representation", patch.Header.Get("Prefer"))
	assert.Equal(t, "failed", patch.Body["status"])
	assert.Equal(t, reason, patch.Body["error_message"])

	msg := "resurrected"
	err = store.Update(context.Background(), id, scans.ScanPatch{ProgressMessage: &msg, LastActivityAt: &ended})
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, scans.StatusCompleted, terr.From)
	assert.Equal(t, []string{"in.(pending,running)"}, reqs.at(2).Query["status"])

	err = store.Update(context.Background(), id, scans.ScanPatch{})
	assert.ErrorIs(t, err, scans.ErrInvalidInput)
}

func TestScanStore_RPC(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	store, reqs := newTestStore(t, func(w http.ResponseWriter, r recordedRequest) {
		switch r.Path {
		case "/rest/v1/rpc/update_scan_heartbeat":
			writeJSON(w, http.StatusOK, []casRow{{Applied: false, CurrentStatus: "failed"}})
		case "/rest/v1/rpc/transition_scan_terminal":
			writeJSON(w, http.StatusOK, []casRow{{Applied: true, CurrentStatus: "completed"}})
		case "/rest/v1/rpc/find_stuck_scans":
			writeJSON(w, http.StatusOK, []map[string]any{{
				"scan_id":                 id,
				"reason":                  "heartbeat_stale",
				"age_minutes":             8.0,
				"heartbeat_age_minutes":   7.5,
				"runtime_limit_seconds":   900.0,
				"heartbeat_limit_seconds": 300.0,
			}})
		case "/rest/v1/rpc/scan_health_stats":
			writeJSON(w, http.StatusOK, []map[string]int{{"total_scans": 3, "running_scans": 2, "stale_scans": 1}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	err := store.Heartbeat(ctx, id, scans.HeartbeatUpdate{At: baseTime})
	assert.ErrorIs(t, err, scans.ErrInvalidTransition)
	assert.Nil(t, reqs.at(0).Body["p_progress_message"])

	out, err := store.TransitionTerminal(ctx, id, scans.TerminalUpdate{Status: scans.StatusCompleted, At: baseTime})
	require.NoError(t, err)
	assert.Equal(t, scans.TransitionOutcome{Applied: true, Status: scans.StatusCompleted}, out)
	assert.Equal(t, "completed", reqs.at(1).Body["p_status"])
	assert.Nil(t, reqs.at(1).Body["p_error_message"])

	stuck, err := store.FindStuck(ctx, scans.StuckQuery{Now: baseTime, MaxRuntime: 15 * time.Minute, HeartbeatStale: 5 * time.Minute})
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, id, stuck[0].ScanID)
	assert.Equal(t, 5*time.Minute, stuck[0].HeartbeatLimit)
	assert.Equal(t, "Automated cleanup: no heartbeat for 7.5 minutes (limit 5 minutes)", stuck[0].CleanupMessage())
	assert.Equal(t, "900000000 microseconds", reqs.at(2).Body["p_max_runtime"])

	stats, err := store.HealthStats(ctx, scans.HealthQuery{Since: baseTime.Add(-24 * time.Hour), StaleBefore: baseTime})
	require.NoError(t, err)
	assert.Equal(t, scans.HealthStats{TotalScans: 3, RunningScans: 2, StaleScans: 1}, stats)
}
