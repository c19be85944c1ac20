package server

import (
	"net/http"
	"strings"
)

// Body size caps. Ping bodies carry captured job output and get the larger
// limit; the capture processor truncates to the per-monitor cap downstream.
// API write bodies are small JSON documents.
const (
	maxPingBodyBytes int64 = 1 << 20 // 1 MiB
	maxAPIBodyBytes  int64 = 64 << 10
)

// maxBodySizeMiddleware limits POST/PUT/PATCH request body size.
//
// Requests with a Content-Length explicitly exceeding the limit are rejected
// immediately with HTTP 413. All write requests also have their body wrapped
// with http.MaxBytesReader against chunked or unannounced oversized payloads.
func maxBodySizeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			limit := maxAPIBodyBytes
			if strings.HasPrefix(r.URL.Path, "/ping/") {
				limit = maxPingBodyBytes
			}
			if r.ContentLength > limit {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}
