package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// CORSConfig holds CORS middleware settings.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	MaxAge         string
}

// DefaultCORSConfig returns the CORS settings used by the gateway.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-Gateway-Latency"},
		MaxAge:         "86400",
	}
}

// CORS returns middleware that handles Cross-Origin Resource Sharing headers.
// A "*" entry allows any origin; otherwise the request's Origin is echoed
// back only when it is on the list.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	anyOrigin := slices.Contains(cfg.AllowedOrigins, "*")
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	exposed := strings.Join(cfg.ExposedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed := anyOrigin || slices.Contains(cfg.AllowedOrigins, origin)
			if allowed {
				h := w.Header()
				if anyOrigin {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				if exposed != "" {
					h.Set("Access-Control-Expose-Headers", exposed)
				}
				h.Set("Access-Control-Max-Age", cfg.MaxAge)
			}

			// Preflight requests never reach the upstream.
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
