package server

import (
	"net"
	"net/http"
	"strings"
)

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceForwardedFor  = "x-forwarded-for"
	ipSourceRealIP        = "x-real-ip"
	unknownClientIdentity = "unknown"
)

// clientIPResolver decides which request attributes identify the caller.
// Forwarded headers are ignored unless explicitly trusted.
type clientIPResolver struct {
	trustForwarded bool
}

func resolveClientIP(r *http.Request, resolver *clientIPResolver) (string, string) {
	if resolver != nil && resolver.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip, ipSourceForwardedFor
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip, ipSourceRealIP
		}
	}
	ip := clientIP(r.RemoteAddr)
	if ip == "" {
		ip = unknownClientIdentity
	}
	return ip, ipSourceRemoteAddr
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
