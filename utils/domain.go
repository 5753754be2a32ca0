// Package utils holds small request helpers shared across packages.
package utils

import (
	"net/http"
	"net/url"
	"strings"
)

// GetDomain derives the cookie domain for a request from its Origin or
// Referer header, reduced to the registrable two-label suffix so the
// session cookie spans subdomains.
func GetDomain(r *http.Request) string {
	origin := getOrigin(r)
	if origin == "" {
		return ""
	}
	if !strings.HasPrefix(origin, "http") {
		origin = "https://" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	// Hostname() drops any ":port" suffix.
	host := u.Hostname()
	parts := strings.Split(host, ".")
	if len(parts) <= 2 {
		// "localhost" or already a bare "example.com"
		return host
	}
	n := len(parts)
	return parts[n-2] + "." + parts[n-1]
}

func getOrigin(r *http.Request) string {
	if v := r.Header.Get("Origin"); v != "" {
		return v
	}
	if v := r.Header.Get("Referer"); v != "" {
		return v
	}
	return ""
}
