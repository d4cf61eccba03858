package clientip

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Resolver extracts client addresses from requests.
type Resolver struct {
	headers []string
}

// New returns a Resolver trusting the given headers in priority order.
func New(trustedHeaders ...string) *Resolver {
	headers := make([]string, 0, len(trustedHeaders))
	for _, h := range trustedHeaders {
		if h = strings.TrimSpace(h); h != "" {
			headers = append(headers, http.CanonicalHeaderKey(h))
		}
	}
	return &Resolver{headers: headers}
}

// IP returns the normalized client address, or "" when neither a trusted
// header nor RemoteAddr holds a valid one.
func (r *Resolver) IP(req *http.Request) string {
	for _, h := range r.headers {
		for _, v := range req.Header.Values(h) {
			for part := range strings.SplitSeq(v, ",") {
				if ip := parseIP(part); ip != "" {
					return ip
				}
			}
		}
	}
	return RemoteIP(req)
}

// RemoteIP returns the address of the TCP peer.
func RemoteIP(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return parseIP(req.RemoteAddr)
	}
	return parseIP(host)
}

func parseIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().WithZone("").String()
}
