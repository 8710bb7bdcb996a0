package loggingutil

import (
	"context"

	"pkt.systems/pslog"
)

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// FromContext returns the logger attached to ctx, falling back to fallback
// (or a disabled logger) when the context carries none.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if logger := pslog.LoggerFromContext(ctx); logger != nil {
			return logger
		}
	}
	return EnsureLogger(fallback)
}

// WithLogger attaches logger to ctx unless it is nil.
func WithLogger(ctx context.Context, logger pslog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return pslog.ContextWithLogger(ctx, logger)
}
