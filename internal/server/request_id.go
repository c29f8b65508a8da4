package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chapterhub/internal/observability/logging"
)

const (
	requestIDHeader   = "X-Request-Id"
	maxRequestIDBytes = 128
)

type idGenerator func() string

func requestIDMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, newRequestID, next)
}

// requestIDMiddlewareWithGenerator keeps a caller supplied X-Request-Id when it
// is short and printable, and otherwise mints a new one.
func requestIDMiddlewareWithGenerator(logger *slog.Logger, generator idGenerator, next http.Handler) http.Handler {
	if generator == nil {
		generator = newRequestID
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if !acceptableRequestID(requestID) {
			requestID = generator()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		if logger != nil {
			ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
		}

		if requestID != "" {
			w.Header().Set(requestIDHeader, requestID)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func acceptableRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDBytes {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

func newRequestID() string {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err == nil {
		return hex.EncodeToString(buffer[:])
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
