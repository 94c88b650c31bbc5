package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanwatch/internal/app/scanning"
	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/pkg/common/logger"
)

type stubHealth struct {
	metrics    scanning.HealthMetricsResult
	validation func(id uuid.UUID) scanning.HealthValidation
}

func (s stubHealth) GetScanHealthMetrics(context.Context) scanning.HealthMetricsResult {
	return s.metrics
}

func (s stubHealth) ValidateScanHealth(_ context.Context, id uuid.UUID) scanning.HealthValidation {
	return s.validation(id)
}

func newTestMux(t *testing.T, cfg Config) http.Handler {
	t.Helper()
	cfg.Log = logger.Noop()
	h, err := Mux(cfg)
	require.NoError(t, err)
	return h
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLiveness(t *testing.T) {
	t.Parallel()

	h := newTestMux(t, Config{Build: "v1.2.3"})
	rec := get(t, h, "/v1/liveness")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","build":"v1.2.3"}`, rec.Body.String())
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checks     map[string]Check
		wantStatus int
		wantFailed map[string]string
	}{
		{name: "no checks", wantStatus: http.StatusOK},
		{
			name: "all pass",
			checks: map[string]Check{
				"postgres": func(context.Context) error { return nil },
			},
			wantStatus: http.StatusOK,
		},
		{
			name: "one fails",
			checks: map[string]Check{
				"postgres": func(context.Context) error { return nil },
				"redis":    func(context.Context) error { return errors.New("connection refused") },
			},
			wantStatus: http.StatusServiceUnavailable,
			wantFailed: map[string]string{"redis": "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := get(t, newTestMux(t, Config{Checks: tt.checks}), "/v1/readiness")
			require.Equal(t, tt.wantStatus, rec.Code)

			var resp readyResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantFailed, resp.Failed)
		})
	}
}

func TestScanHealthRoutes(t *testing.T) {
	t.Parallel()

	known := uuid.New()
	health := stubHealth{
		metrics: scanning.HealthMetricsResult{
			Result:       scanning.Result{Success: true},
			TotalScans:   4,
			RunningScans: 2,
			StaleScans:   1,
			HealthScore:  50,
		},
		validation: func(id uuid.UUID) scanning.HealthValidation {
			if id != known {
				return scanning.HealthValidation{Result: scanning.Result{
					Error: "scan not found",
					Kind:  scans.ErrorKindNotFound,
				}}
			}
			return scanning.HealthValidation{
				Result: scanning.Result{Success: true},
				Issues: []string{"Heartbeat stale: last activity 6.0m ago"},
			}
		},
	}
	h := newTestMux(t, Config{Health: health})

	rec := get(t, h, "/v1/scans/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics scanning.HealthMetricsResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Equal(t, 4, metrics.TotalScans)
	assert.InDelta(t, 50.0, metrics.HealthScore, 0.001)

	rec = get(t, h, "/v1/scans/"+known.String()+"/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var validation scanning.HealthValidation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &validation))
	assert.False(t, validation.Healthy)
	assert.Len(t, validation.Issues, 1)

	assert.Equal(t, http.StatusNotFound, get(t, h, "/v1/scans/"+uuid.NewString()+"/health").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/v1/scans/not-a-uuid/health").Code)
}

func TestScanHealthRoutesUnmountedWithoutReporter(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestMux(t, Config{}), "/v1/scans/health")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProfilerMounted(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestMux(t, Config{}), "/debug/pprof/")
	assert.Equal(t, http.StatusOK, rec.Code)
}
