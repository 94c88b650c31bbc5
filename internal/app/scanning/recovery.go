package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	regexp "github.com/wasilibs/go-re2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/pkg/common/logger"
	"github.com/ahrav/scanwatch/pkg/common/retry"
)

// SchemaCacheErrorCode is the code the REST gateway returns when a write
// references a column missing from its cached schema.
const SchemaCacheErrorCode = "PGRST204"

// schemaCacheMessage matches both the gateway's legacy and current wording.
var schemaCacheMessage = regexp.MustCompile(
	`(?i)(column\s+.+?\s+does not exist in the schema cache|could not find the\s+.+?\s+column of\s+.+?\s+in the schema cache)`,
)

// IsSchemaCacheError reports whether err was caused by a stale gateway schema
// cache. It inspects the machine-readable code of a *scans.StoreError and
// falls back to matching the error message. Constraint, connectivity and
// auth errors return false.
func IsSchemaCacheError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, scans.ErrSchemaCache) {
		return true
	}

	var storeErr *scans.StoreError
	if errors.As(err, &storeErr) {
		if storeErr.Code == SchemaCacheErrorCode {
			return true
		}
		if storeErr.Message != "" && schemaCacheMessage.MatchString(storeErr.Message) {
			return true
		}
	}
	return schemaCacheMessage.MatchString(err.Error())
}

// RecoveryConfig controls the schema cache recovery applied to every write.
type RecoveryConfig struct {
	// Enabled toggles recovery entirely; when false every error is terminal.
	Enabled bool
	// MaxRetries bounds the retries after the first failed write.
	MaxRetries int
	// BaseDelay is the wait before the first retry; it doubles per retry.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter randomizes each delay by +/- Jitter * delay.
	Jitter float64
}

// DefaultRecoveryConfig returns recovery enabled with three retries starting
// at 500ms.
func DefaultRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		Enabled:    true,
		MaxRetries: retry.DefaultMaxRetries,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     0.2,
	}
}

// recoveryOutcome is what a recovered write reports for observability.
type recoveryOutcome struct {
	// Attempts counts every underlying write, including the first.
	Attempts int
	// Refresh is set when a schema reload was requested.
	Refresh *scans.RefreshResult
}

// RecoveryAttempts is the number of retries issued after the first write.
func (o recoveryOutcome) RecoveryAttempts() int { return max(o.Attempts-1, 0) }

// recoverer runs storage writes under the schema cache retry policy. It is
// shared by the lifecycle and maintenance managers so the decision of which
// errors are retryable lives in one place.
type recoverer struct {
	cfg       RecoveryConfig
	refresher scans.SchemaRefresher
	metrics   RecoveryMetrics

	tracer trace.Tracer
	logger *logger.Logger
}

func newRecoverer(
	cfg RecoveryConfig,
	refresher scans.SchemaRefresher,
	metrics RecoveryMetrics,
	tracer trace.Tracer,
	logger *logger.Logger,
) *recoverer {
	return &recoverer{
		cfg:       cfg,
		refresher: refresher,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger.With("component", "schema_cache_recovery"),
	}
}

func (r *recoverer) policy(ctx context.Context, op string, scanID uuid.UUID, out *recoveryOutcome) retry.Policy {
	if !r.cfg.Enabled {
		return retry.Policy{MaxRetries: -1}
	}

	return retry.Policy{
		MaxRetries: r.cfg.MaxRetries,
		BaseDelay:  r.cfg.BaseDelay,
		MaxDelay:   r.cfg.MaxDelay,
		Jitter:     r.cfg.Jitter,
		Retryable:  IsSchemaCacheError,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.metrics.IncStorageRetries(ctx, op)
			r.logger.Warn(ctx, "schema cache error, retrying write",
				"operation", op,
				"scan_id", scanID,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			// One remediation pass per write; later retries only wait.
			if attempt == 1 {
				res := r.refresh(ctx)
				out.Refresh = &res
			}
		},
	}
}

// run executes write, refreshing the schema cache once and retrying with
// backoff when it fails with a schema cache error. Any other error is
// returned after the first attempt.
func (r *recoverer) run(
	ctx context.Context,
	op string,
	scanID uuid.UUID,
	write func(ctx context.Context) error,
) (recoveryOutcome, error) {
	var out recoveryOutcome

	attempts, err := r.policy(ctx, op, scanID, &out).Do(ctx, write)
	out.Attempts = attempts

	if out.Refresh != nil {
		outcome := "recovered"
		if err != nil {
			outcome = "exhausted"
		}
		r.metrics.IncRecoveries(ctx, outcome)
		r.logger.Info(ctx, "schema cache recovery finished",
			"operation", op,
			"scan_id", scanID,
			"outcome", outcome,
			"attempts", attempts,
			"refresh_method", out.Refresh.Method,
			"refresh_success", out.Refresh.Success,
		)
	}

	if err != nil && IsSchemaCacheError(err) && !errors.Is(err, scans.ErrSchemaCache) {
		err = fmt.Errorf("%w: %w", scans.ErrSchemaCache, err)
	}
	return out, err
}

func (r *recoverer) refresh(ctx context.Context) scans.RefreshResult {
	ctx, span := r.tracer.Start(ctx, "schema_cache_recovery.scanning.refresh")
	defer span.End()

	if r.refresher == nil {
		return scans.RefreshResult{Method: "none", Error: "no schema refresher configured"}
	}

	res := r.refresher.Refresh(ctx)
	span.SetAttributes(
		attribute.String("method", res.Method),
		attribute.Bool("success", res.Success),
	)
	if !res.Success {
		r.logger.Warn(ctx, "schema cache refresh failed", "method", res.Method, "error", res.Error)
	}
	return res
}
