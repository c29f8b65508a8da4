package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chapterhub/internal/api"
	"chapterhub/internal/cache"
	"chapterhub/internal/observability/logging"
	"chapterhub/internal/observability/metrics"
)

const apiPrefix = "/api/"

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	Admin     AdminConfig
	Security  SecurityConfig
	// Cache backs the rate limiter. A nil or no-op cache disables limiting.
	Cache   cache.Cache
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// TrustForwardedHeaders resolves client IPs from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustForwardedHeaders bool
}

type Server struct {
	httpServer *http.Server
	handler    http.Handler
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Health)
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc(api.ChaptersPath, handler.Chapters)
	mux.HandleFunc(api.ChaptersPath+"/", handler.ChapterByID)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusNotFound, "Route not found")
	})

	resolver := &clientIPResolver{trustForwarded: cfg.TrustForwardedHeaders}
	rl := newRateLimiter(cfg.Cache, cfg.RateLimit, recorder)
	guard := newAdminGuard(cfg.Admin)

	handlerChain := http.Handler(mux)
	handlerChain = adminAuthMiddleware(guard, logger, resolver, handlerChain)
	handlerChain = rateLimitMiddleware(rl, logger, resolver, handlerChain)
	handlerChain = recoverMiddleware(logger, resolver, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = loggingMiddleware(logger, resolver, handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	certFile := strings.TrimSpace(cfg.TLS.CertFile)
	keyFile := strings.TrimSpace(cfg.TLS.KeyFile)
	if (certFile == "") != (keyFile == "") {
		return nil, fmt.Errorf("both TLS cert file and key file must be provided")
	}
	if certFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &Server{httpServer: httpServer, handler: handlerChain}, nil
}

// HTTPServer returns the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func loggingMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:            logger,
		DisableRemoteAddr: true,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolveClientIP(r, resolver)
			return []any{"remote_ip", ip, "ip_source", source}
		},
	})(next)
}

func recoverMiddleware(logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
				reqLogger.Error("handler panic", "panic", fmt.Sprint(recovered))
			}
			writeMiddlewareError(w, http.StatusInternalServerError, "Internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}
