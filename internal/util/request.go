package util

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
)

// GenerateRequestID builds a readable, collision-resistant request id
// without pulling in a UUID dependency for something this short-lived.
func GenerateRequestID() string {
	verbs := []string{
		"binding", "dialing", "handshaking", "refreshing", "retrying",
		"fetching", "probing", "draining", "resolving", "cooling",
	}
	nouns := []string{
		"socket", "cookie", "persona", "circuit", "session",
		"origin", "cipher", "ticket", "stream", "slot",
	}

	verb := verbs[rand.Intn(len(verbs))]
	noun := nouns[rand.Intn(len(nouns))]
	suffix := fmt.Sprintf("%04x", rand.Intn(65536))

	return fmt.Sprintf("%s_%s_%s", verb, noun, suffix)
}

// GetClientIP extracts the requesting client's IP for access logging,
// honouring X-Forwarded-For/X-Real-IP only when the immediate peer is
// in a trusted CIDR range.
func GetClientIP(r *http.Request, trustProxyHeaders bool, trustedCIDRs []*net.IPNet) string {
	if !trustProxyHeaders {
		if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return ip
		}
		return r.RemoteAddr
	}

	sourceIP := getSourceIP(r)
	if sourceIP == nil || !isIPInTrustedCIDRs(sourceIP, trustedCIDRs) {
		if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return ip
		}
		return r.RemoteAddr
	}

	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func getSourceIP(r *http.Request) net.IP {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return net.ParseIP(ip)
	}
	return net.ParseIP(r.RemoteAddr)
}
