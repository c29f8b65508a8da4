package server

import (
	"context"
	"log/slog"
	"net/http"

	"chapterhub/internal/observability/logging"
)

// loggingWithRequest returns a logger annotated with request-scoped fields:
// the request id from the context, the HTTP method and path, and the resolved
// client IP with its source.
func loggingWithRequest(base *slog.Logger, resolver *clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}

	logger := loggerWithRequestContext(r.Context(), base)
	if logger == nil {
		return nil
	}

	ip, source := resolveClientIP(r, resolver)
	return logger.With(
		"method", r.Method,
		"path", r.URL.Path,
		"remote_ip", ip,
		"ip_source", source,
	)
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}
