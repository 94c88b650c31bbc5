// Package schemacache asks the REST gateway to reload its cached view of the
// database schema after a migration added columns it does not know yet.
package schemacache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/pkg/common/logger"
)

// Refresh methods reported in scans.RefreshResult.
const (
	MethodAdminEndpoint = "postgrest_admin"
	MethodNotify        = "pg_notify"
)

const defaultTimeout = 5 * time.Second

var (
	_ scans.SchemaRefresher = (*HTTPRefresher)(nil)
	_ scans.SchemaRefresher = (*NotifyRefresher)(nil)
	_ scans.SchemaRefresher = Chain(nil)
)

// HTTPRefresher POSTs to the gateway's schema reload endpoint.
type HTTPRefresher struct {
	url        string
	serviceKey string
	client     *http.Client
	logger     *logger.Logger
}

// NewHTTPRefresher creates a refresher for the reload endpoint at url. A nil
// client gets an otelhttp-instrumented default.
func NewHTTPRefresher(url, serviceKey string, client *http.Client, logger *logger.Logger) *HTTPRefresher {
	if client == nil {
		client = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPRefresher{
		url:        url,
		serviceKey: serviceKey,
		client:     client,
		logger:     logger.With("component", "schema_refresher", "method", MethodAdminEndpoint),
	}
}

// Refresh requests a reload. Any 2xx response counts as success.
func (r *HTTPRefresher) Refresh(ctx context.Context) scans.RefreshResult {
	fail := func(err error) scans.RefreshResult {
		r.logger.Warn(ctx, "schema reload request failed", "error", err)
		return scans.RefreshResult{Method: MethodAdminEndpoint, Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, http.NoBody)
	if err != nil {
		return fail(fmt.Errorf("build reload request: %w", err))
	}
	if r.serviceKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.serviceKey)
		req.Header.Set("apikey", r.serviceKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("send reload request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fail(fmt.Errorf("reload endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	r.logger.Info(ctx, "schema cache reload requested", "status", resp.StatusCode)
	return scans.RefreshResult{Success: true, Method: MethodAdminEndpoint}
}

// Execer is the subset of pgxpool.Pool used by NotifyRefresher.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NotifyRefresher sends the reload notification PostgREST listens for on
// its database channel.
type NotifyRefresher struct {
	db     Execer
	logger *logger.Logger
}

// NewNotifyRefresher creates a refresher that issues NOTIFY through db.
func NewNotifyRefresher(db Execer, logger *logger.Logger) *NotifyRefresher {
	return &NotifyRefresher{db: db, logger: logger.With("component", "schema_refresher", "method", MethodNotify)}
}

// Refresh runs NOTIFY pgrst, 'reload schema'.
func (r *NotifyRefresher) Refresh(ctx context.Context) scans.RefreshResult {
	if _, err := r.db.Exec(ctx, "NOTIFY pgrst, 'reload schema'"); err != nil {
		r.logger.Warn(ctx, "schema reload notify failed", "error", err)
		return scans.RefreshResult{Method: MethodNotify, Error: err.Error()}
	}
	r.logger.Info(ctx, "schema cache reload notified")
	return scans.RefreshResult{Success: true, Method: MethodNotify}
}

// Chain tries each refresher in order and returns the first success. When
// all fail it returns the last result with every error joined.
type Chain []scans.SchemaRefresher

// Refresh implements scans.SchemaRefresher.
func (c Chain) Refresh(ctx context.Context) scans.RefreshResult {
	if len(c) == 0 {
		return scans.RefreshResult{Method: "none", Error: "no schema refresher configured"}
	}

	var (
		last scans.RefreshResult
		errs []string
	)
	for _, r := range c {
		last = r.Refresh(ctx)
		if last.Success {
			return last
		}
		errs = append(errs, fmt.Sprintf("%s: %s", last.Method, last.Error))
		if ctx.Err() != nil {
			break
		}
	}
	last.Error = strings.Join(errs, "; ")
	return last
}
