// ABOUTME: Client address resolution shared by the HTTP and WebSocket frontends
// ABOUTME: X-Forwarded-For is only trusted when the frontend is configured to allow it

package frontend

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the address of the client that sent r. When
// allowForwardedFor is set, the first X-Forwarded-For entry wins.
func ClientIP(r *http.Request, allowForwardedFor bool) string {
	if allowForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
