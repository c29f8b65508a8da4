package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultContentTypeOptions    = "nosniff"
	defaultCacheControl          = "no-store"
	defaultStrictTransport       = "max-age=63072000; includeSubDomains"
)

// SecurityConfig controls the hardening headers attached to every response.
// The API serves JSON only, so the defaults forbid all content loading and
// framing. Zero-valued fields fall back to those defaults.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	CacheControl          string
	// StrictTransportSecurity is only sent on TLS connections.
	StrictTransportSecurity string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy
	}
	if cfg.FrameOptions == "" {
		cfg.FrameOptions = defaultFrameOptions
	}
	if cfg.ReferrerPolicy == "" {
		cfg.ReferrerPolicy = defaultReferrerPolicy
	}
	if cfg.ContentTypeOptions == "" {
		cfg.ContentTypeOptions = defaultContentTypeOptions
	}
	if cfg.CacheControl == "" {
		cfg.CacheControl = defaultCacheControl
	}
	if cfg.StrictTransportSecurity == "" {
		cfg.StrictTransportSecurity = defaultStrictTransport
	}
	return cfg
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", effective.ContentSecurityPolicy)
		header.Set("X-Frame-Options", effective.FrameOptions)
		header.Set("X-Content-Type-Options", effective.ContentTypeOptions)
		header.Set("Referrer-Policy", effective.ReferrerPolicy)
		if r.URL.Path != "/metrics" {
			header.Set("Cache-Control", effective.CacheControl)
		}
		if r.TLS != nil {
			header.Set("Strict-Transport-Security", effective.StrictTransportSecurity)
		}

		next.ServeHTTP(w, r)
	})
}
