package logger

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log"
)

// WithOtelBridge returns a logger that writes every record to the existing
// handler and to the OpenTelemetry log pipeline of the given provider. A nil
// provider uses the global one.
func WithOtelBridge(base *Logger, instrumentationName string, provider log.LoggerProvider) *Logger {
	if base.discard {
		return base
	}

	var opts []otelslog.Option
	if provider != nil {
		opts = append(opts, otelslog.WithLoggerProvider(provider))
	}

	return &Logger{
		handler:   fanoutHandler{base.handler, otelslog.NewHandler(instrumentationName, opts...)},
		traceIDFn: base.traceIDFn,
	}
}
