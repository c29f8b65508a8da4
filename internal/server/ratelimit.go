package server

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chapterhub/internal/cache"
	"chapterhub/internal/observability/metrics"
)

const (
	DefaultRateLimit       = 30
	DefaultRateLimitWindow = time.Minute
	defaultRateLimitWait   = 250 * time.Millisecond
	rateLimitKeyPrefix     = "ratelimit:"
)

// RateLimitConfig configures the fixed-window limiter applied to API routes.
// A Limit of zero or less disables limiting.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
	// Timeout bounds each counter round trip before the request is let through.
	Timeout time.Duration
}

// rateLimiter counts requests per client in the shared cache. The first hit
// in a window starts its expiry, so the window is fixed rather than sliding.
type rateLimiter struct {
	store   cache.Cache
	limit   int64
	window  time.Duration
	timeout time.Duration
	metrics *metrics.Recorder
}

func newRateLimiter(store cache.Cache, cfg RateLimitConfig, recorder *metrics.Recorder) *rateLimiter {
	if cfg.Limit <= 0 || cache.IsDisabled(store) {
		return nil
	}
	rl := &rateLimiter{
		store:   store,
		limit:   int64(cfg.Limit),
		window:  cfg.Window,
		timeout: cfg.Timeout,
		metrics: recorder,
	}
	if rl.window <= 0 {
		rl.window = DefaultRateLimitWindow
	}
	if rl.timeout <= 0 {
		rl.timeout = defaultRateLimitWait
	}
	return rl
}

// Allow records a hit for client and reports whether it fits in the current
// window. When it does not, retryAfter is the time left in the window.
func (rl *rateLimiter) Allow(ctx context.Context, client string) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, rl.timeout)
	defer cancel()

	key := rateLimitKeyPrefix + client
	count, err := rl.store.Increment(ctx, key, rl.window)
	if err != nil {
		return true, 0, err
	}
	if count <= rl.limit {
		return true, 0, nil
	}
	retryAfter, err := rl.store.TTL(ctx, key)
	if err != nil || retryAfter <= 0 {
		retryAfter = rl.window
	}
	return false, retryAfter, nil
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, apiPrefix) {
			next.ServeHTTP(w, r)
			return
		}
		ip, _ := resolveClientIP(r, resolver)
		allowed, retryAfter, err := rl.Allow(r.Context(), ip)
		if err != nil {
			rl.metrics.CacheError("ratelimit")
			if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
				reqLogger.Warn("rate limiter unavailable, allowing request", "error", err)
			}
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			rl.metrics.RateLimited()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(retryAfter)))
			writeMiddlewareError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
