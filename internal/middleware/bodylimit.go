package middleware

import (
	"net/http"

	"github.com/oarthurfc/delivery-app/internal/apierror"
)

// BodyLimit returns middleware that limits the size of request bodies.
// Requests exceeding maxBytes receive a 413 response. It checks
// Content-Length upfront for an early reject and also wraps the body with
// http.MaxBytesReader for chunked requests. A maxBytes of 0 disables the
// limit.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				WriteBodyLimitError(w, r)
				return
			}
			if r.Body != nil && r.ContentLength != 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteBodyLimitError writes a 413 JSON error response. Called by handlers
// that detect a MaxBytesReader error.
func WriteBodyLimitError(w http.ResponseWriter, r *http.Request) {
	apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body exceeds maximum allowed size")
}
