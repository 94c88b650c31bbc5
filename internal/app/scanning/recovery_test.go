package scanning

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/pkg/common/logger"
)

func TestIsSchemaCacheError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "gateway code", err: &scans.StoreError{Code: "PGRST204"}, want: true},
		{
			name: "legacy message",
			err:  &scans.StoreError{Message: `column "ended_at" does not exist in the schema cache`},
			want: true,
		},
		{
			name: "message case insensitive on plain error",
			err:  errors.New(`Column "progress_message" Does Not Exist In The Schema Cache`),
			want: true,
		},
		{
			name: "current gateway wording",
			err:  errors.New(`Could not find the 'results' column of 'scans' in the schema cache`),
			want: true,
		},
		{name: "wrapped store error", err: fmt.Errorf("heartbeat: %w", &scans.StoreError{Code: "PGRST204"}), want: true},
		{name: "sentinel", err: fmt.Errorf("%w: retries exhausted", scans.ErrSchemaCache), want: true},
		{name: "unique violation", err: &scans.StoreError{Code: "23505", Message: "duplicate key"}, want: false},
		{name: "auth", err: &scans.StoreError{Code: "42501", Message: "permission denied for table scans"}, want: false},
		{name: "column missing in database", err: errors.New(`column "foo" does not exist`), want: false},
		{name: "not found", err: scans.ErrScanNotFound, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsSchemaCacheError(tt.err))
		})
	}
}

func newTestRecoverer(cfg RecoveryConfig, refresher scans.SchemaRefresher) *recoverer {
	return newRecoverer(cfg, refresher, noOpMetrics{}, noopTracer(), logger.Noop())
}

func fastRecovery(maxRetries int) RecoveryConfig {
	return RecoveryConfig{Enabled: true, MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRecoverer_Run(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		cfg           RecoveryConfig
		errs          []error
		wantAttempts  int
		wantRefreshes int64
		wantKind      scans.ErrorKind
	}{
		{
			name:         "success first try",
			cfg:          fastRecovery(3),
			errs:         nil,
			wantAttempts: 1,
		},
		{
			name:          "schema cache then success",
			cfg:           fastRecovery(3),
			errs:          []error{schemaCacheErr()},
			wantAttempts:  2,
			wantRefreshes: 1,
		},
		{
			name:          "refresh happens once across retries",
			cfg:           fastRecovery(3),
			errs:          []error{schemaCacheErr(), schemaCacheErr(), schemaCacheErr()},
			wantAttempts:  4,
			wantRefreshes: 1,
		},
		{
			name:          "exhausted",
			cfg:           fastRecovery(2),
			errs:          []error{schemaCacheErr(), schemaCacheErr(), schemaCacheErr(), schemaCacheErr()},
			wantAttempts:  3,
			wantRefreshes: 1,
			wantKind:      scans.ErrorKindSchemaCache,
		},
		{
			name:         "other errors are not retried",
			cfg:          fastRecovery(3),
			errs:         []error{&scans.StoreError{Code: "23505", Message: "duplicate key"}},
			wantAttempts: 1,
			wantKind:     scans.ErrorKindStorage,
		},
		{
			name:         "recovery disabled",
			cfg:          RecoveryConfig{Enabled: false, MaxRetries: 3},
			errs:         []error{schemaCacheErr()},
			wantAttempts: 1,
			wantKind:     scans.ErrorKindSchemaCache,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			refresher := &mockRefresher{result: scans.RefreshResult{Success: true, Method: "postgrest_admin"}}
			r := newTestRecoverer(tt.cfg, refresher)

			calls := 0
			out, err := r.run(context.Background(), "update", uuid.New(), func(context.Context) error {
				calls++
				if calls <= len(tt.errs) {
					return tt.errs[calls-1]
				}
				return nil
			})

			assert.Equal(t, tt.wantAttempts, out.Attempts)
			assert.Equal(t, tt.wantAttempts, calls)
			assert.Equal(t, tt.wantRefreshes, refresher.calls.Load())
			assert.Equal(t, tt.wantKind, scans.Classify(err))
			if tt.wantRefreshes > 0 {
				require.NotNil(t, out.Refresh)
				assert.Equal(t, "postgrest_admin", out.Refresh.Method)
			}
		})
	}
}

func TestRecoverer_FailedRefreshStillRetries(t *testing.T) {
	t.Parallel()

	refresher := &mockRefresher{result: scans.RefreshResult{Success: false, Method: "postgrest_admin", Error: "status 503"}}
	r := newTestRecoverer(fastRecovery(3), refresher)

	calls := 0
	out, err := r.run(context.Background(), "heartbeat", uuid.New(), func(context.Context) error {
		calls++
		if calls == 1 {
			return schemaCacheErr()
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, 1, out.RecoveryAttempts())
	require.NotNil(t, out.Refresh)
	assert.False(t, out.Refresh.Success)
}

func TestRecoverer_NoRefresher(t *testing.T) {
	t.Parallel()

	r := newTestRecoverer(fastRecovery(1), nil)
	calls := 0
	out, err := r.run(context.Background(), "create", uuid.New(), func(context.Context) error {
		calls++
		if calls == 1 {
			return schemaCacheErr()
		}
		return nil
	})

	require.NoError(t, err)
	require.NotNil(t, out.Refresh)
	assert.Equal(t, "none", out.Refresh.Method)
}
