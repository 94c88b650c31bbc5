package logger

import "context"

// LoggerContext accumulates key/value pairs over the course of an operation so
// each subsequent record carries the full context without re-stating it.
type LoggerContext struct {
	logger *Logger
	attrs  []any
}

// NewLoggerContext creates a LoggerContext backed by the given logger.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{logger: l} }

// Add appends key/value pairs to the context.
func (lc *LoggerContext) Add(args ...any) { lc.attrs = append(lc.attrs, args...) }

func (lc *LoggerContext) merge(args []any) []any {
	out := make([]any, 0, len(lc.attrs)+len(args))
	out = append(out, lc.attrs...)
	return append(out, args...)
}

// Debug logs at LevelDebug including the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelDebug, 3, msg, lc.merge(args)...)
}

// Info logs at LevelInfo including the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelInfo, 3, msg, lc.merge(args)...)
}

// Warn logs at LevelWarn including the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelWarn, 3, msg, lc.merge(args)...)
}

// Error logs at LevelError including the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelError, 3, msg, lc.merge(args)...)
}
