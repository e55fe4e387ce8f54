package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders applies the headers shared by every endpoint. HSTS is
// only sent when the issuer is served over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// SetPageHeaders relaxes the content policy for the server's own HTML pages
// (consent and error pages), which carry inline styles and post a form back
// to the same origin.
func SetPageHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'; img-src https:; form-action 'self'; frame-ancestors 'none'")
	h.Set("Content-Type", "text/html; charset=utf-8")
	SetNoStore(w)
}

// SetNoStore marks a response as uncacheable. RFC 6749 section 5.1 requires it
// on every response carrying tokens.
func SetNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}
