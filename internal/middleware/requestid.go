package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type ctxKey string

// RequestIDKey is the context key used to store the request ID.
const RequestIDKey ctxKey = "request_id"

// HeaderRequestID carries the request ID end to end.
const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen bounds client-supplied IDs so they cannot bloat logs.
const maxRequestIDLen = 128

// RequestID returns middleware that ensures every request has an X-Request-ID.
// A well-formed incoming ID is preserved; otherwise a new UUID v4 is
// generated. The ID is set on the response header, the request header (so
// it is forwarded upstream) and the request context.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if !validRequestID(id) {
			id = uuid.NewString()
		}

		w.Header().Set(HeaderRequestID, id)
		r.Header.Set(HeaderRequestID, id)

		ctx := context.WithValue(r.Context(), RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from a context. Returns empty string
// if no request ID is present.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
