package logging

import (
	"log/slog"
	"net/http"
	"time"

	"chapterhub/internal/observability/metrics"
)

// RequestLoggerConfig configures RequestLogger. AdditionalFields receives
// the request, final status and duration and returns extra key/value pairs.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger emits one "request completed" record per request once the
// handler returns. Server errors are logged at error level.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			logger := WithContext(r.Context(), base)
			if cfg.AdditionalFields != nil {
				logger = logger.With(cfg.AdditionalFields(r, rec.Status(), elapsed)...)
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.Status()),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
				slog.Int64("bytes", rec.BytesWritten()),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, slog.String("remote_addr", r.RemoteAddr))
			}
			logger.LogAttrs(r.Context(), statusLevel(rec.Status()), "request completed", attrs...)
		})
	}
}

func statusLevel(status int) slog.Level {
	if status >= http.StatusInternalServerError {
		return slog.LevelError
	}
	return slog.LevelInfo
}
