package pipeline

import (
	"net/http"
	"strings"
)

// UnknownClient is the fallback client key when no address can be resolved.
const UnknownClient = "unknown"

// ClientAddr derives a stable client address from proxy headers or the
// connection peer. Resolution order: first IP in X-Forwarded-For, then
// X-Real-IP, then the raw connection address. Pure function of the request.
func ClientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if idx := strings.Index(fwd, ","); idx != -1 {
			first = fwd[:idx]
		}
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}

	if r.RemoteAddr != "" {
		addr := r.RemoteAddr
		// Strip the port, tolerating bracketed IPv6 literals.
		if idx := strings.LastIndex(addr, ":"); idx != -1 && !strings.HasSuffix(addr, "]") {
			addr = addr[:idx]
		}
		addr = strings.Trim(addr, "[]")
		if addr != "" {
			return addr
		}
	}

	return UnknownClient
}

// RateLimitKey returns the key used for rate limiting. An authenticated user
// identifier takes priority over the network address so users behind the
// same NAT do not share a quota. The authentication layer upstream is
// expected to set X-User-ID after validating the token.
func RateLimitKey(r *http.Request) string {
	if user := strings.TrimSpace(r.Header.Get("X-User-ID")); user != "" {
		return "user:" + user
	}
	return ClientAddr(r)
}
