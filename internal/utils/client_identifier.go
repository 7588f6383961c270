package utils

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the network address of the requester. Proxy headers are
// only consulted when trustProxyHeaders is set; otherwise a client could
// spoof its way around IP binding and per-IP rate limits. It returns "" when
// no address can be determined; callers must reject such requests rather than
// pool them under one identity.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if ip := detectForwardedIP(r); ip != "" {
			return ip
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && isValidIP(ip) {
		return NormalizeIP(ip)
	}
	if isValidIP(r.RemoteAddr) {
		return NormalizeIP(r.RemoteAddr)
	}
	Logger.WithField("remote_addr", r.RemoteAddr).Warn("Could not determine client IP")
	return ""
}

// detectForwardedIP extracts the best IP address from typical proxy headers.
func detectForwardedIP(r *http.Request) string {
	forwardedFor := r.Header.Get("X-Forwarded-For")
	if forwardedFor != "" {
		ips := strings.Split(forwardedFor, ",")
		for _, ip := range ips {
			cleanIP := strings.TrimSpace(ip)
			if isValidIP(cleanIP) {
				return NormalizeIP(cleanIP)
			}
		}
	}

	cfConnectingIP := r.Header.Get("CF-Connecting-IP")
	if cfConnectingIP != "" && isValidIP(cfConnectingIP) {
		return NormalizeIP(cfConnectingIP)
	}

	realIP := r.Header.Get("X-Real-IP")
	if realIP != "" && isValidIP(realIP) {
		return NormalizeIP(realIP)
	}

	forwarded := r.Header.Get("Forwarded")
	if forwarded != "" {
		parts := strings.Split(forwarded, ";")
		for _, part := range parts {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "for=") {
				maybeIP := strings.TrimPrefix(part, "for=")
				maybeIP = strings.Trim(maybeIP, "\"")
				if isValidIP(maybeIP) {
					return NormalizeIP(maybeIP)
				}
			}
		}
	}
	return ""
}

// NormalizeIP renders ip in canonical form so "::ffff:10.0.0.1" and
// "10.0.0.1" compare equal. Unparseable input is returned unchanged.
func NormalizeIP(ip string) string {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return ip
	}
	return parsed.String()
}

func isValidIP(ip string) bool {
	return net.ParseIP(ip) != nil
}
