package metadata

import (
	"net"
	"net/http"
	"strings"

	"phoenix/pkg/requestcontext"
)

// ClientMetadata records the caller's IP and User-Agent on the request context.
// The login and token rate limiters key on the IP, so this runs before the
// auth routes. Proxy headers are honoured only when trustProxy is set.
func ClientMetadata(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := RemoteIP(r)
			if trustProxy {
				ip = ClientIPFromRequest(r)
			}
			ctx := requestcontext.WithClientMetadata(r.Context(), ip, r.Header.Get("User-Agent"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientIPFromRequest prefers X-Forwarded-For, then X-Real-IP, then the
// connection address.
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		origin, _, _ := strings.Cut(xff, ",")
		if origin = strings.TrimSpace(origin); origin != "" {
			return origin
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	return RemoteIP(r)
}

// RemoteIP is the host part of the connection address.
func RemoteIP(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
