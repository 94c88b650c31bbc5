// Package debug serves the operational endpoints of a scanwatch process:
// liveness, readiness, fleet health, pprof and the statsviz dashboard.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/arl/statsviz"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ahrav/scanwatch/internal/app/scanning"
	"github.com/ahrav/scanwatch/internal/domain/scans"
	"github.com/ahrav/scanwatch/pkg/common/logger"
	"github.com/ahrav/scanwatch/pkg/common/otel"
)

const readinessTimeout = 2 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// HealthReporter answers fleet and per-scan health queries.
type HealthReporter interface {
	GetScanHealthMetrics(ctx context.Context) scanning.HealthMetricsResult
	ValidateScanHealth(ctx context.Context, id uuid.UUID) scanning.HealthValidation
}

// Config contains the systems required by the handlers.
type Config struct {
	Build string
	Log   *logger.Logger
	// Checks are run by the readiness endpoint, keyed by dependency name.
	Checks map[string]Check
	// Health is optional; the /v1/scans routes are only mounted when set.
	Health      HealthReporter
	CORSOrigins []string
}

// Mux builds the debug router.
func Mux(cfg Config) (http.Handler, error) {
	viz, err := statsviz.NewServer()
	if err != nil {
		return nil, fmt.Errorf("create statsviz server: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(otelhttp.NewMiddleware("debug",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.URL.Path }),
	))
	r.Use(middleware.Recoverer)

	r.Get("/debug/statsviz/ws", viz.Ws())
	r.Get("/debug/statsviz/*", viz.Index())
	r.Mount("/debug", middleware.Profiler())

	r.Group(func(r chi.Router) {
		if len(cfg.CORSOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: cfg.CORSOrigins,
				AllowedMethods: []string{http.MethodGet},
			}))
		}
		r.Use(loggerMiddleware(cfg.Log))

		r.Get("/v1/liveness", liveness(cfg))
		r.Get("/v1/readiness", readiness(cfg))
		if cfg.Health != nil {
			r.Get("/v1/scans/health", fleetHealth(cfg.Health))
			r.Get("/v1/scans/{id}/health", scanHealth(cfg.Health))
		}
	})

	return r, nil
}

// Serve runs h on addr until ctx is cancelled, then shuts down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, log *logger.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.NewStdLogger(log, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "failed to shutdown debug server", "error", err)
		}
	}()

	log.Info(ctx, "starting debug server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Debug(ctx, "request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
}

func liveness(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Build: cfg.Build})
	}
}

type readyResponse struct {
	Status string            `json:"status"`
	Failed map[string]string `json:"failed,omitempty"`
}

func readiness(cfg Config) http.HandlerFunc {
	names := make([]string, 0, len(cfg.Checks))
	for name := range cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		resp := readyResponse{Status: "ready"}
		for _, name := range names {
			if err := cfg.Checks[name](ctx); err != nil {
				if resp.Failed == nil {
					resp.Failed = make(map[string]string)
				}
				resp.Failed[name] = err.Error()
			}
		}
		if len(resp.Failed) > 0 {
			resp.Status = "not ready"
			cfg.Log.Warn(ctx, "readiness check failed", "failed", resp.Failed)
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func fleetHealth(h HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := h.GetScanHealthMetrics(r.Context())
		writeJSON(w, statusFor(res.Result), res)
	}
}

func scanHealth(h HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, healthResponse{Status: "invalid scan id"})
			return
		}
		res := h.ValidateScanHealth(r.Context(), id)
		writeJSON(w, statusFor(res.Result), res)
	}
}

func statusFor(res scanning.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Kind {
	case scans.ErrorKindNotFound:
		return http.StatusNotFound
	case scans.ErrorKindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
