package security

import "net/http"

// SetSecurityHeaders sets response headers that keep OAuth endpoint
// responses out of frames and caches.
func SetSecurityHeaders(h http.Header, https bool) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	if https {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
