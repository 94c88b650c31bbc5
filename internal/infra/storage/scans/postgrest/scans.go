// Package postgrest implements scans.Repository against a PostgREST gateway.
// Rows are read and written through the REST endpoints, and the atomic
// operations call the same SQL functions the postgres store uses via /rpc.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/internal/infra/storage"
)

var _ scans.Repository = (*scanStore)(nil)

// DefaultTimeout bounds a single gateway request.
const DefaultTimeout = 10 * time.Second

var defaultAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgrest"),
}

// Config locates the gateway.
type Config struct {
	// BaseURL is the PostgREST root, e.g. https://db.example.com/rest/v1.
	BaseURL string
	// APIKey is sent as both the apikey header and the bearer token.
	APIKey  string
	Timeout time.Duration
}

type scanStore struct {
	base   *url.URL
	apiKey string
	client *http.Client
	tracer trace.Tracer
}

// NewScanStore creates a gateway-backed scan repository. A nil client gets
// an otelhttp-instrumented default.
func NewScanStore(cfg Config, client *http.Client, tracer trace.Tracer) (*scanStore, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%w: invalid gateway url %q", scans.ErrInvalidInput, cfg.BaseURL)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &scanStore{base: base, apiKey: cfg.APIKey, client: client, tracer: tracer}, nil
}

type scanRow struct {
	ID                       uuid.UUID       `json:"id"`
	SiteID                   string          `json:"site_id"`
	UserID                   string          `json:"user_id"`
	Status                   string          `json:"status"`
	ProgressMessage          string          `json:"progress_message"`
	ErrorMessage             *string         `json:"error_message,omitempty"`
	CreatedAt                time.Time       `json:"created_at"`
	StartedAt                *time.Time      `json:"started_at,omitempty"`
	EndedAt                  *time.Time      `json:"ended_at,omitempty"`
	LastActivityAt           time.Time       `json:"last_activity_at"`
	MaxRuntimeMinutes        int             `json:"max_runtime_minutes"`
	HeartbeatIntervalSeconds int             `json:"heartbeat_interval_seconds"`
	Results                  json.RawMessage `json:"results,omitempty"`
}

func (r scanRow) toDomain() *scans.Scan {
	var started, ended time.Time
	if r.StartedAt != nil {
		started = r.StartedAt.UTC()
	}
	if r.EndedAt != nil {
		ended = r.EndedAt.UTC()
	}
	var errMsg string
	if r.ErrorMessage != nil {
		errMsg = *r.ErrorMessage
	}
	var results scans.Results
	if len(r.Results) > 0 && string(r.Results) != "null" {
		results = scans.Results(r.Results)
	}
	return scans.ReconstructScan(
		r.ID, r.SiteID, r.UserID, scans.Status(r.Status), r.ProgressMessage, errMsg,
		r.CreatedAt.UTC(), started, ended, r.LastActivityAt.UTC(),
		r.MaxRuntimeMinutes, r.HeartbeatIntervalSeconds, results,
	)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Create inserts a row through POST /scans.
func (s *scanStore) Create(ctx context.Context, scan *scans.Scan) error {
	attrs := append(scanAttrs(scan.ID()), attribute.String("status", scan.Status().String()))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgrest.create_scan", attrs, func(ctx context.Context) error {
		row := scanRow{
			ID:                       scan.ID(),
			SiteID:                   scan.SiteID(),
			UserID:                   scan.UserID(),
			Status:                   scan.Status().String(),
			ProgressMessage:          scan.ProgressMessage(),
			CreatedAt:                scan.CreatedAt(),
			StartedAt:                timePtr(scan.StartedAt()),
			LastActivityAt:           scan.LastActivityAt(),
			MaxRuntimeMinutes:        scan.MaxRuntimeMinutes(),
			HeartbeatIntervalSeconds: scan.HeartbeatIntervalSeconds(),
		}
		return s.do(ctx, "create scan", http.MethodPost, "/scans", nil, row, "return=minimal", nil)
	})
}

// Get reads one row through GET /scans?id=eq.<id>.
func (s *scanStore) Get(ctx context.Context, id uuid.UUID) (*scans.Scan, error) {
	var scan *scans.Scan
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgrest.get_scan", scanAttrs(id), func(ctx context.Context) error {
		var err error
		scan, err = s.get(ctx, id, "")
		return err
	})
	return scan, err
}

func (s *scanStore) get(ctx context.Context, id uuid.UUID, userID string) (*scans.Scan, error) {
	q := url.Values{"id": {"eq." + id.String()}, "select": {"*"}}
	if userID != "" {
		q.Set("user_id", "eq."+userID)
	}
	var rows []scanRow
	if err := s.do(ctx, "get scan", http.MethodGet, "/scans", q, nil, "", &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", scans.ErrScanNotFound, id)
	}
	return rows[0].toDomain(), nil
}

// Update sends PATCH /scans with filters that make the write conditional on
// the current status. An empty representation means no row matched.
func (s *scanStore) Update(ctx context.Context, id uuid.UUID, patch scans.ScanPatch) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgrest.update_scan", scanAttrs(id), func(ctx context.Context) error {
		if patch.IsEmpty() {
			return fmt.Errorf("%w: empty patch", scans.ErrInvalidInput)
		}

		body := make(map[string]any)
		if patch.Status != nil {
			body["status"] = patch.Status.String()
		}
		if patch.ProgressMessage != nil {
			body["progress_message"] = *patch.ProgressMessage
		}
		if patch.ErrorMessage != nil {
			body["error_message"] = *patch.ErrorMessage
		}
		if patch.StartedAt != nil {
			body["started_at"] = *patch.StartedAt
		}
		if patch.EndedAt != nil {
			body["ended_at"] = *patch.EndedAt
		}
		if patch.LastActivityAt != nil {
			body["last_activity_at"] = *patch.LastActivityAt
		}
		if len(patch.Results) > 0 {
			body["results"] = json.RawMessage(patch.Results)
		}

		q := url.Values{"id": {"eq." + id.String()}, "select": {"status"}}
		if patch.UserID != "" {
			q.Set("user_id", "eq."+patch.UserID)
		}
		if patch.Status != nil {
			q.Set("status", "in.("+strings.Join(allowedSources(*patch.Status), ",")+")")
		} else {
			q.Set("status", "in.(pending,running)")
		}

		var rows []struct {
			Status string `json:"status"`
		}
		if err := s.do(ctx, "update scan", http.MethodPatch, "/scans", q, body, "return=representation", &rows); err != nil {
			return err
		}
		if len(rows) > 0 {
			return nil
		}

		current, err := s.get(ctx, id, patch.UserID)
		if err != nil {
			return err
		}
		terr := &scans.TransitionError{ScanID: id, From: current.Status()}
		if patch.Status != nil {
			terr.To = *patch.Status
		}
		return terr
	})
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

type casRow struct {
	Applied       bool   `json:"applied"`
	CurrentStatus string `json:"current_status"`
}

// Heartbeat calls /rpc/update_scan_heartbeat.
func (s *scanStore) Heartbeat(ctx context.Context, id uuid.UUID, hb scans.HeartbeatUpdate) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgrest.update_scan_heartbeat", scanAttrs(id), func(ctx context.Context) error {
		args := map[string]any{
			"p_scan_id":          id,
			"p_at":               hb.At,
			"p_progress_message": hb.ProgressMessage,
			"p_user_id":          nullable(hb.UserID),
		}
		var rows []casRow
		if err := s.rpc(ctx, "update_scan_heartbeat", args, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: %s", scans.ErrScanNotFound, id)
		}
		if !rows[0].Applied {
			return &scans.TransitionError{ScanID: id, From: scans.Status(rows[0].CurrentStatus)}
		}
		return nil
	})
}

// TransitionTerminal calls /rpc/transition_scan_terminal.
func (s *scanStore) TransitionTerminal(ctx context.Context, id uuid.UUID, u scans.TerminalUpdate) (scans.TransitionOutcome, error) {
	var out scans.TransitionOutcome
	attrs := append(scanAttrs(id), attribute.String("target_status", u.Status.String()))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgrest.transition_scan_terminal", attrs, func(ctx context.Context) error {
		if err := u.Validate(); err != nil {
			return err
		}
		args := map[string]any{
			"p_scan_id":          id,
			"p_status":           u.Status.String(),
			"p_at":               u.At,
			"p_error_message":    nullable(u.ErrorMessage),
			"p_results":          nil,
			"p_progress_message": u.ProgressMessage,
			"p_user_id":          nullable(u.UserID),
		}
		if len(u.Results) > 0 {
			args["p_results"] = json.RawMessage(u.Results)
		}

		var rows []casRow
		if err := s.rpc(ctx, "transition_scan_terminal", args, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: %s", scans.ErrScanNotFound, id)
		}
		out = scans.TransitionOutcome{Applied: rows[0].Applied, Status: scans.Status(rows[0].CurrentStatus)}
		return nil
	})
	return out, err
}

// FindStuck calls /rpc/find_stuck_scans.
func (s *scanStore) FindStuck(ctx context.Context, q scans.StuckQuery) ([]scans.StuckScan, error) {
	var stuck []scans.StuckScan
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgrest.find_stuck_scans", defaultAttributes, func(ctx context.Context) error {
		args := map[string]any{
			"p_now":              q.Now,
			"p_max_runtime":      interval(q.MaxRuntime),
			"p_heartbeat_stale":  interval(q.HeartbeatStale),
			"p_per_scan":         q.UsePerScanThresholds,
			"p_stale_multiplier": q.StaleMultiplier,
		}
		var rows []struct {
			ScanID                uuid.UUID `json:"scan_id"`
			Reason                string    `json:"reason"`
			AgeMinutes            float64   `json:"age_minutes"`
			HeartbeatAgeMinutes   float64   `json:"heartbeat_age_minutes"`
			RuntimeLimitSeconds   float64   `json:"runtime_limit_seconds"`
			HeartbeatLimitSeconds float64   `json:"heartbeat_limit_seconds"`
		}
		if err := s.rpc(ctx, "find_stuck_scans", args, &rows); err != nil {
			return err
		}
		stuck = make([]scans.StuckScan, 0, len(rows))
		for _, r := range rows {
			stuck = append(stuck, scans.StuckScan{
				ScanID:              r.ScanID,
				Reason:              scans.StuckReason(r.Reason),
				AgeMinutes:          r.AgeMinutes,
				HeartbeatAgeMinutes: r.HeartbeatAgeMinutes,
				RuntimeLimit:        time.Duration(r.RuntimeLimitSeconds * float64(time.Second)),
				HeartbeatLimit:      time.Duration(r.HeartbeatLimitSeconds * float64(time.Second)),
			})
		}
		return nil
	})
	return stuck, err
}

// HealthStats calls /rpc/scan_health_stats.
func (s *scanStore) HealthStats(ctx context.Context, q scans.HealthQuery) (scans.HealthStats, error) {
	var stats scans.HealthStats
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgrest.scan_health_stats", defaultAttributes, func(ctx context.Context) error {
		var rows []struct {
			TotalScans   int `json:"total_scans"`
			RunningScans int `json:"running_scans"`
			StaleScans   int `json:"stale_scans"`
		}
		args := map[string]any{"p_since": q.Since, "p_stale_before": q.StaleBefore}
		if err := s.rpc(ctx, "scan_health_stats", args, &rows); err != nil {
			return err
		}
		if len(rows) > 0 {
			stats = scans.HealthStats(rows[0])
		}
		return nil
	})
	return stats, err
}

func (s *scanStore) rpc(ctx context.Context, fn string, args map[string]any, out any) error {
	return s.do(ctx, "rpc "+fn, http.MethodPost, "/rpc/"+fn, nil, args, "", out)
}

// do sends one request. Non-2xx responses are decoded into *scans.StoreError.
func (s *scanStore) do(
	ctx context.Context,
	op, method, path string,
	query url.Values,
	body any,
	prefer string,
	out any,
) error {
	u := s.base.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &scans.StoreError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &scans.StoreError{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(op, resp.StatusCode, payload)
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &scans.StoreError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// apiError is the JSON error body PostgREST returns.
type apiError struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Details *string `json:"details"`
	Hint    *string `json:"hint"`
}

func decodeError(op string, status int, payload []byte) error {
	var body apiError
	if err := json.Unmarshal(payload, &body); err != nil || (body.Code == "" && body.Message == "") {
		return &scans.StoreError{
			Op:      op,
			Code:    fmt.Sprintf("HTTP%d", status),
			Message: strings.TrimSpace(string(payload)),
		}
	}

	storeErr := &scans.StoreError{Op: op, Code: body.Code, Message: body.Message}
	if body.Details != nil {
		storeErr.Details = *body.Details
	}
	if body.Hint != nil {
		storeErr.Hint = *body.Hint
	}
	// Raised by the trigger guarding terminal rows.
	if body.Code == "55000" {
		return errors.Join(scans.ErrInvalidTransition, storeErr)
	}
	return storeErr
}

func scanAttrs(id uuid.UUID) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(defaultAttributes)+1)
	attrs = append(attrs, defaultAttributes...)
	return append(attrs, attribute.String("scan_id", id.String()))
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// interval renders d as a Postgres interval literal.
func interval(d time.Duration) string {
	return fmt.Sprintf("%d microseconds", d.Microseconds())
}
