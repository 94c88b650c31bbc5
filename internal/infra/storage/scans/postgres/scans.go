// Package postgres implements scans.Repository on PostgreSQL. The heartbeat,
// terminal transition and stuck-scan selection run as SQL functions defined
// in db/migrations so each is a single atomic statement.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/internal/infra/storage"
)

var _ scans.Repository = (*scanStore)(nil)

// queryTimeout bounds a single statement.
const queryTimeout = 5 * time.Second

// codeObjectNotInPrereqState is raised by the trigger guarding terminal rows.
const codeObjectNotInPrereqState = "55000"

type scanStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewScanStore creates a PostgreSQL-backed scan repository with tracing.
func NewScanStore(pool *pgxpool.Pool, tracer trace.Tracer) *scanStore {
	return &scanStore{db: pool, tracer: tracer}
}

func scanAttrs(id uuid.UUID, extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(storage.DefaultDBAttributes)+1+len(extra))
	attrs = append(attrs, storage.DefaultDBAttributes...)
	attrs = append(attrs, attribute.String("scan_id", id.String()))
	return append(attrs, extra...)
}

// Create inserts a new scan row.
func (s *scanStore) Create(ctx context.Context, scan *scans.Scan) error {
	attrs := scanAttrs(scan.ID(),
		attribute.String("site_id", scan.SiteID()),
		attribute.String("status", scan.Status().String()),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_scan", attrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		_, err := s.db.Exec(ctx, `
			INSERT INTO scans (
				id, site_id, user_id, status, progress_message, created_at, started_at,
				last_activity_at, max_runtime_minutes, heartbeat_interval_seconds
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			pgUUID(scan.ID()),
			scan.SiteID(),
			scan.UserID(),
			scan.Status().String(),
			scan.ProgressMessage(),
			pgTime(scan.CreatedAt()),
			pgTime(scan.StartedAt()),
			pgTime(scan.LastActivityAt()),
			scan.MaxRuntimeMinutes(),
			scan.HeartbeatIntervalSeconds(),
		)
		if err != nil {
			return storeError("create scan", err)
		}
		return nil
	})
}

const selectScan = `
	SELECT id, site_id, user_id, status, progress_message, error_message, created_at,
	       started_at, ended_at, last_activity_at, max_runtime_minutes,
	       heartbeat_interval_seconds, results
	  FROM scans`

// Get retrieves a scan by id.
func (s *scanStore) Get(ctx context.Context, id uuid.UUID) (*scans.Scan, error) {
	var scan *scans.Scan
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_scan", scanAttrs(id), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		var err error
		scan, err = scanRow(s.db.QueryRow(ctx, selectScan+` WHERE id = $1`, pgUUID(id)))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", scans.ErrScanNotFound, id)
		}
		if err != nil {
			return storeError("get scan", err)
		}
		return nil
	})
	return scan, err
}

func scanRow(row pgx.Row) (*scans.Scan, error) {
	var (
		id                             pgtype.UUID
		siteID, userID, status, prog   string
		errMsg                         pgtype.Text
		created, started, ended, activ pgtype.Timestamptz
		maxRuntime, interval           int32
		results                        []byte
	)
	if err := row.Scan(
		&id, &siteID, &userID, &status, &prog, &errMsg, &created,
		&started, &ended, &activ, &maxRuntime, &interval, &results,
	); err != nil {
		return nil, err
	}
	return scans.ReconstructScan(
		uuid.UUID(id.Bytes),
		siteID,
		userID,
		scans.Status(status),
		prog,
		errMsg.String,
		created.Time.UTC(),
		fromPgTime(started),
		fromPgTime(ended),
		activ.Time.UTC(),
		int(maxRuntime),
		int(interval),
		scans.Results(results),
	), nil
}

// Update applies a partial update in one conditional statement. A status
// change only matches rows whose current status may move to the target.
func (s *scanStore) Update(ctx context.Context, id uuid.UUID, patch scans.ScanPatch) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_scan", scanAttrs(id), func(ctx context.Context) error {
		if patch.IsEmpty() {
			return fmt.Errorf("%w: empty patch", scans.ErrInvalidInput)
		}
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		query, args := buildUpdate(id, patch)
		var status string
		err := s.db.QueryRow(ctx, query, args...).Scan(&status)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == codeObjectNotInPrereqState {
				return s.rejection(ctx, id, patch.UserID, patch.Status)
			}
			return storeError("update scan", err)
		}
		return s.rejection(ctx, id, patch.UserID, patch.Status)
	})
}

func buildUpdate(id uuid.UUID, p scans.ScanPatch) (string, []any) {
	args := []any{pgUUID(id)}
	var sets, where []string
	set := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}

	if p.Status != nil {
		set("status = $%d", p.Status.String())
	}
	if p.ProgressMessage != nil {
		set("progress_message = $%d", *p.ProgressMessage)
	}
	if p.ErrorMessage != nil {
		set("error_message = $%d", *p.ErrorMessage)
	}
	if p.StartedAt != nil {
		set("started_at = $%d", pgTime(*p.StartedAt))
	}
	if p.EndedAt != nil {
		set("ended_at = $%d", pgTime(*p.EndedAt))
	}
	if p.LastActivityAt != nil {
		set("last_activity_at = GREATEST(last_activity_at, $%d)", pgTime(*p.LastActivityAt))
	}
	if len(p.Results) > 0 {
		set("results = $%d", []byte(p.Results))
	}

	where = append(where, "id = $1")
	if p.UserID != "" {
		args = append(args, p.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if p.Status != nil {
		args = append(args, allowedSources(*p.Status))
		where = append(where, fmt.Sprintf("status::text = ANY($%d)", len(args)))
	} else {
		where = append(where, "status IN ('pending', 'running')")
	}

	return fmt.Sprintf("UPDATE scans SET %s WHERE %s RETURNING status",
		strings.Join(sets, ", "), strings.Join(where, " AND ")), args
}

// allowedSources lists the statuses a row may hold for a write setting
// target. Terminal rows never qualify.
func allowedSources(target scans.Status) []string {
	var out []string
	for _, from := range []scans.Status{scans.StatusPending, scans.StatusRunning} {
		if from == target || from.CanTransitionTo(target) {
			out = append(out, from.String())
		}
	}
	return out
}

// rejection explains a write that matched no row: the scan is missing,
// hidden from the caller, or in a state the write may not touch.
func (s *scanStore) rejection(ctx context.Context, id uuid.UUID, userID string, to *scans.Status) error {
	var status string
	err := s.db.QueryRow(ctx,
		`SELECT status FROM scans WHERE id = $1 AND ($2 = '' OR user_id = $2)`,
		pgUUID(id), userID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", scans.ErrScanNotFound, id)
	}
	if err != nil {
		return storeError("read scan status", err)
	}

	terr := &scans.TransitionError{ScanID: id, From: scans.Status(status)}
	if to != nil {
		terr.To = *to
	}
	return terr
}

// Heartbeat calls update_scan_heartbeat.
func (s *scanStore) Heartbeat(ctx context.Context, id uuid.UUID, hb scans.HeartbeatUpdate) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_scan_heartbeat", scanAttrs(id), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		var (
			applied bool
			status  string
		)
		err := s.db.QueryRow(ctx,
			`SELECT applied, current_status FROM update_scan_heartbeat($1, $2, $3, $4)`,
			pgUUID(id), pgTime(hb.At), pgTextPtr(hb.ProgressMessage), pgText(hb.UserID),
		).Scan(&applied, &status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("%w: %s", scans.ErrScanNotFound, id)
		case err != nil:
			return storeError("update scan heartbeat", err)
		case !applied:
			return &scans.TransitionError{ScanID: id, From: scans.Status(status)}
		}
		return nil
	})
}

// TransitionTerminal calls transition_scan_terminal.
func (s *scanStore) TransitionTerminal(ctx context.Context, id uuid.UUID, u scans.TerminalUpdate) (scans.TransitionOutcome, error) {
	var out scans.TransitionOutcome
	attrs := scanAttrs(id, attribute.String("target_status", u.Status.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.transition_scan_terminal", attrs, func(ctx context.Context) error {
		if err := u.Validate(); err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		var results []byte
		if len(u.Results) > 0 {
			results = []byte(u.Results)
		}
		var status string
		err := s.db.QueryRow(ctx,
			`SELECT applied, current_status FROM transition_scan_terminal($1, $2, $3, $4, $5, $6, $7)`,
			pgUUID(id),
			u.Status.String(),
			pgTime(u.At),
			pgText(u.ErrorMessage),
			results,
			pgTextPtr(u.ProgressMessage),
			pgText(u.UserID),
		).Scan(&out.Applied, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", scans.ErrScanNotFound, id)
		}
		if err != nil {
			return storeError("transition scan", err)
		}
		out.Status = scans.Status(status)

		trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("applied", out.Applied))
		return nil
	})
	return out, err
}

// FindStuck calls find_stuck_scans.
func (s *scanStore) FindStuck(ctx context.Context, q scans.StuckQuery) ([]scans.StuckScan, error) {
	attrs := append([]attribute.KeyValue{}, storage.DefaultDBAttributes...)
	attrs = append(attrs,
		attribute.String("max_runtime", q.MaxRuntime.String()),
		attribute.String("heartbeat_stale", q.HeartbeatStale.String()),
		attribute.Bool("per_scan_thresholds", q.UsePerScanThresholds),
	)

	var stuck []scans.StuckScan
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.find_stuck_scans", attrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		rows, err := s.db.Query(ctx, `
			SELECT scan_id, reason, age_minutes, heartbeat_age_minutes,
			       runtime_limit_seconds, heartbeat_limit_seconds
			  FROM find_stuck_scans($1, $2, $3, $4, $5)`,
			pgTime(q.Now),
			pgInterval(q.MaxRuntime),
			pgInterval(q.HeartbeatStale),
			q.UsePerScanThresholds,
			q.StaleMultiplier,
		)
		if err != nil {
			return storeError("find stuck scans", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				id                   pgtype.UUID
				reason               string
				c                    scans.StuckScan
				runtimeSec, staleSec float64
			)
			if err := rows.Scan(&id, &reason, &c.AgeMinutes, &c.HeartbeatAgeMinutes, &runtimeSec, &staleSec); err != nil {
				return storeError("scan stuck row", err)
			}
			c.ScanID = uuid.UUID(id.Bytes)
			c.Reason = scans.StuckReason(reason)
			c.RuntimeLimit = time.Duration(runtimeSec * float64(time.Second))
			c.HeartbeatLimit = time.Duration(staleSec * float64(time.Second))
			stuck = append(stuck, c)
		}
		if err := rows.Err(); err != nil {
			return storeError("find stuck scans", err)
		}

		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("candidates", len(stuck)))
		return nil
	})
	return stuck, err
}

// HealthStats calls scan_health_stats.
func (s *scanStore) HealthStats(ctx context.Context, q scans.HealthQuery) (scans.HealthStats, error) {
	var stats scans.HealthStats
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.scan_health_stats", storage.DefaultDBAttributes, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, queryTimeout)
		defer cancel()

		var total, running, stale int64
		err := s.db.QueryRow(ctx,
			`SELECT total_scans, running_scans, stale_scans FROM scan_health_stats($1, $2)`,
			pgTime(q.Since), pgTime(q.StaleBefore),
		).Scan(&total, &running, &stale)
		if err != nil {
			return storeError("scan health stats", err)
		}
		stats = scans.HealthStats{TotalScans: int(total), RunningScans: int(running), StaleScans: int(stale)}
		return nil
	})
	return stats, err
}

// storeError converts a driver error into a *scans.StoreError carrying the
// SQLSTATE so callers can classify it.
func storeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &scans.StoreError{
			Op:      op,
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Details: pgErr.Detail,
			Hint:    pgErr.Hint,
			Err:     err,
		}
	}
	return &scans.StoreError{Op: op, Err: err}
}

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func fromPgTime(t pgtype.Timestamptz) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func pgText(s string) pgtype.Text { return pgtype.Text{String: s, Valid: s != ""} }

func pgTextPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func pgInterval(d time.Duration) pgtype.Interval {
	return pgtype.Interval{Microseconds: d.Microseconds(), Valid: true}
}
