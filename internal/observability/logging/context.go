package logging

import (
	"context"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	batchIDKey
	loggerKey
)

// tracedIDs lists the context identifiers WithContext copies onto a logger,
// in attribute order.
var tracedIDs = []struct {
	key  ctxKey
	attr string
}{
	{requestIDKey, "request_id"},
	{batchIDKey, "batch_id"},
}

func withID(ctx context.Context, key ctxKey, id string) context.Context {
	if id = strings.TrimSpace(id); id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key ctxKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(key).(string)
	return id, id != ""
}

// ContextWithRequestID stores the HTTP request id; blank ids are ignored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, requestIDKey)
}

// ContextWithBatchID stores the id of the upload batch being ingested.
func ContextWithBatchID(ctx context.Context, id string) context.Context {
	return withID(ctx, batchIDKey, id)
}

func BatchIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, batchIDKey)
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey).(*slog.Logger)
	return logger
}

// WithContext returns logger annotated with every traced id present in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	var attrs []any
	for _, traced := range tracedIDs {
		if id, ok := idFrom(ctx, traced.key); ok {
			attrs = append(attrs, slog.String(traced.attr, id))
		}
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
