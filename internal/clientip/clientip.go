// Package clientip resolves the client address of an HTTP request. The result
// keys the per-client rate limit buckets and is recorded on security events.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Anonymous is returned when no usable address can be derived.
const Anonymous = "anonymous"

// FromRequest returns the first address in X-Forwarded-For, then X-Real-IP,
// then the host part of RemoteAddr. It never returns an empty string.
func FromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(remote); err == nil && host != "" {
		return host
	}
	if remote != "" {
		return remote
	}
	return Anonymous
}
