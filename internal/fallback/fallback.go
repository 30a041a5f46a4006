// Package fallback produces the fixed degraded responses served when a
// route's breaker refuses a call or its retries run out.
package fallback

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/oarthurfc/delivery-app/internal/apierror"
	"github.com/oarthurfc/delivery-app/internal/routing"
)

// PathPrefix is where fallback endpoints are served.
const PathPrefix = "/fallback/"

// Body is the fallback response payload.
type Body struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Responder holds one pre-serialized body per fallback service.
type Responder struct {
	bodies map[string][]byte
}

// New builds a Responder for every fallback service referenced by table.
// When several routes share a service, the first non-empty message wins.
func New(table *routing.Table) *Responder {
	messages := make(map[string]string)
	for _, r := range table.Routes() {
		svc := r.FallbackService
		if messages[svc] == "" {
			messages[svc] = r.FallbackMessage
		}
	}

	f := &Responder{bodies: make(map[string][]byte, len(messages))}
	for svc, msg := range messages {
		if msg == "" {
			msg = svc + " unavailable, try later"
		}
		b, _ := json.Marshal(Body{Status: "error", Message: msg})
		f.bodies[svc] = append(b, '\n')
	}
	return f
}

// Has reports whether service has a fallback body.
func (f *Responder) Has(service string) bool {
	_, ok := f.bodies[service]
	return ok
}

// Write sends the service's fallback body with 503. Unknown services get
// the generic message so a response is always produced.
func (f *Responder) Write(w http.ResponseWriter, service string) {
	body, ok := f.bodies[service]
	if !ok {
		b, _ := json.Marshal(Body{Status: "error", Message: service + " unavailable, try later"})
		body = append(b, '\n')
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write(body) //nolint:errcheck
}

// ServeHTTP serves GET /fallback/{service}.
func (f *Responder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service := strings.Trim(strings.TrimPrefix(r.URL.Path, PathPrefix), "/")
	if !f.Has(service) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.RouteNotFound, "no fallback for service: "+service)
		return
	}
	f.Write(w, service)
}
