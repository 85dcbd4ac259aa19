package middleware

import "net/http"

// SecurityHeaders sets the response headers every API reply carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		// card balances and activation codes must never be cached by proxies
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
