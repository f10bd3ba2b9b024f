package ratelimit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// GetClientIP returns the key a websocket or admin request is limited by.
// The first hop of X-Forwarded-For wins, then X-Real-IP; header values that
// do not parse as an address are ignored so a client cannot mint fresh keys
// with garbage. Without usable headers the peer address is used.
func GetClientIP(r *http.Request) string {
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); first != "" {
		if addr, ok := parseAddr(first); ok {
			return addr
		}
	}
	if addr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return addr
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseAddr(raw string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
