package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"chapterhub/internal/api"
)

const adminKeyHeader = "admin-key"

// AdminConfig holds the shared secret that gates uploads. Key is compared in
// constant time; KeyHash is a bcrypt hash of the secret. Either may be set.
// With neither set every upload is refused.
type AdminConfig struct {
	Key     string
	KeyHash string
}

type adminGuard struct {
	key  []byte
	hash []byte
}

func newAdminGuard(cfg AdminConfig) *adminGuard {
	guard := &adminGuard{}
	if key := strings.TrimSpace(cfg.Key); key != "" {
		guard.key = []byte(key)
	}
	if hash := strings.TrimSpace(cfg.KeyHash); hash != "" {
		guard.hash = []byte(hash)
	}
	return guard
}

func (g *adminGuard) configured() bool {
	return len(g.key) > 0 || len(g.hash) > 0
}

func (g *adminGuard) authorized(presented string) bool {
	if presented == "" {
		return false
	}
	if len(g.key) > 0 && subtle.ConstantTimeCompare([]byte(presented), g.key) == 1 {
		return true
	}
	if len(g.hash) > 0 && bcrypt.CompareHashAndPassword(g.hash, []byte(presented)) == nil {
		return true
	}
	return false
}

func requiresAdmin(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == api.ChaptersPath
}

// adminAuthMiddleware rejects uploads before their body is read.
func adminAuthMiddleware(guard *adminGuard, logger *slog.Logger, resolver *clientIPResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAdmin(r) {
			next.ServeHTTP(w, r)
			return
		}
		if guard == nil || !guard.authorized(r.Header.Get(adminKeyHeader)) {
			if reqLogger := loggingWithRequest(logger, resolver, r); reqLogger != nil {
				reqLogger.Warn("admin authentication failed", "configured", guard != nil && guard.configured())
			}
			writeMiddlewareError(w, http.StatusUnauthorized, "Unauthorized. Admin access required.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
