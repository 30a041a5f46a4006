package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/oarthurfc/delivery-app/internal/auth"
	"github.com/oarthurfc/delivery-app/internal/circuitbreaker"
	"github.com/oarthurfc/delivery-app/internal/clientip"
	"github.com/oarthurfc/delivery-app/internal/config"
	"github.com/oarthurfc/delivery-app/internal/fallback"
	"github.com/oarthurfc/delivery-app/internal/metrics"
	"github.com/oarthurfc/delivery-app/internal/middleware"
	"github.com/oarthurfc/delivery-app/internal/proxy"
	"github.com/oarthurfc/delivery-app/internal/routing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type seen struct {
	method string
	path   string
	query  string
	body   string
	header http.Header
}

// upstream answers with the scripted statuses in order; the last one
// repeats once the script runs out.
type upstream struct {
	*httptest.Server
	mu       sync.Mutex
	statuses []int
	requests []seen
}

func newUpstream(t *testing.T, statuses ...int) *upstream {
	t.Helper()
	u := &upstream{statuses: statuses}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		n := len(u.requests)
		u.requests = append(u.requests, seen{r.Method, r.URL.Path, r.URL.RawQuery, string(b), r.Header.Clone()})
		status := http.StatusOK
		if len(u.statuses) > 0 {
			status = u.statuses[min(n, len(u.statuses)-1)]
		}
		u.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"upstream":true}`))
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) hits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}

func (u *upstream) all() []seen {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]seen(nil), u.requests...)
}

func (u *upstream) last() seen {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.requests[len(u.requests)-1]
}

type harness struct {
	gw       *Gateway
	registry *circuitbreaker.Registry
	table    *routing.Table
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, yaml string) *harness {
	t.Helper()
	logger := discardLogger()
	cfg, err := config.LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	table, err := routing.NewTable(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ips, err := clientip.New(cfg.Server.TrustedProxies)
	if err != nil {
		t.Fatal(err)
	}
	verifier, err := auth.NewVerifier(cfg.Auth, logger)
	if err != nil {
		t.Fatal(err)
	}
	registry := circuitbreaker.NewRegistry(logger)
	gw := New(
		table,
		auth.NewGate(cfg.Auth, verifier, logger),
		registry,
		proxy.New(table, ips, logger),
		fallback.New(table),
		logger,
	)
	return &harness{gw: gw, registry: registry, table: table}
}

func (h *harness) do(method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.gw.ServeHTTP(rec, req)
	return rec
}

// deliveryYAML wires every route to the same upstream.
func deliveryYAML(uri string) string {
	return `
auth:
  jwt_secret: "` + testSecret + `"
  public_paths: ["/api/auth/login", "/api/auth/register"]
routes:
  - id: auth-service
    path: "/api/auth/**"
    uri: "` + uri + `"
    fallback_path: /fallback/auth
  - id: order-service
    path: "/api/orders/**"
    uri: "` + uri + `"
    strip_prefix: 2
    auth_required: true
    methods: [GET, POST]
    fallback_path: /fallback/order
  - id: tracking-service
    path: "/api/tracking/**"
    uri: "` + uri + `"
    auth_required: true
    fallback_path: /fallback/tracking
  - id: orders-short
    path: "/orders/**"
    uri: "` + uri + `"
    strip_prefix: 1
  - id: test-circuit-breaker
    path: "/api/test-cb/**"
    uri: "` + uri + `"
    circuit_breaker:
      minimum_number_of_calls: 1
    fallback_path: /fallback/test
`
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func validToken(t *testing.T) string {
	return signToken(t, jwt.MapClaims{
		"userId": "665f1c2e9b1d4a0012345678",
		"role":   "CUSTOMER",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		ErrorCode string `json:"error_code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body.String(), err)
	}
	return body.ErrorCode
}

func fallbackBody(t *testing.T, rec *httptest.ResponseRecorder) fallback.Body {
	t.Helper()
	var body fallback.Body
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding fallback body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestGateway_UnknownRoute(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, deliveryYAML(up.URL))

	rec := h.do(http.MethodGet, "/api/unknown/1", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := errorCode(t, rec); got != "GATEWAY_ROUTE_NOT_FOUND" {
		t.Errorf("error_code = %q", got)
	}
	if up.hits() != 0 {
		t.Errorf("unknown route reached upstream")
	}
}

func TestGateway_MethodNotAllowed(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, deliveryYAML(up.URL))

	rec := h.do(http.MethodDelete, "/api/orders/42", validToken(t), nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if got := rec.Header().Get("Allow"); got != "GET, POST" {
		t.Errorf("Allow = %q, want %q", got, "GET, POST")
	}
	if got := errorCode(t, rec); got != "GATEWAY_METHOD_NOT_ALLOWED" {
		t.Errorf("error_code = %q", got)
	}
	if up.hits() != 0 {
		t.Errorf("rejected method reached upstream")
	}
}

func TestGateway_PublicRouteSkipsAuth(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, deliveryYAML(up.URL))

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@b.c"}`))
	req.Header.Set("X-User-Id", "spoofed")
	rec := httptest.NewRecorder()
	h.gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	got := up.last()
	if got.path != "/api/auth/login" || got.body != `{"email":"a@b.c"}` {
		t.Errorf("unexpected upstream request %+v", got)
	}
	if v := got.header.Get("X-User-Id"); v != "" {
		t.Errorf("public route forwarded identity header %q", v)
	}
}

func TestGateway_ProtectedRouteRejections(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, deliveryYAML(up.URL))

	expired := signToken(t, jwt.MapClaims{"userId": "u", "role": "CUSTOMER", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"userId": "u", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("another-secret-another-secret-xx"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{"missing", "", "GATEWAY_AUTH_MISSING_TOKEN"},
		{"not bearer", "Basic dXNlcjpwYXNz", "GATEWAY_AUTH_MALFORMED_TOKEN"},
		{"bad signature", "Bearer " + wrongKey, "GATEWAY_AUTH_INVALID_SIGNATURE"},
		{"expired", "Bearer " + expired, "GATEWAY_AUTH_EXPIRED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/tracking/7", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.gw.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if got := errorCode(t, rec); got != tt.code {
				t.Errorf("error_code = %q, want %q", got, tt.code)
			}
		})
	}
	if up.hits() != 0 {
		t.Errorf("rejected requests reached upstream %d times", up.hits())
	}
	if s, err := h.registry.Snapshot("tracking-service"); err == nil && s.NumberOfBufferedCalls != 0 {
		t.Errorf("auth rejections were recorded by the breaker: %+v", s)
	}
}

func TestGateway_ValidTokenAddsExactOverlay(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, deliveryYAML(up.URL))

	req := httptest.NewRequest(http.MethodGet, "/api/tracking/7", nil)
	req.Header.Set("Authorization", "Bearer "+validToken(t))
	req.Header.Set("X-User-Id", "spoofed")
	req.Header.Set("X-User-Role", "ADMIN")
	rec := httptest.NewRecorder()
	h.gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := up.last()
	if ids := got.header.Values("X-User-Id"); len(ids) != 1 || ids[0] != "665f1c2e9b1d4a0012345678" {
		t.Errorf("X-User-Id = %v", ids)
	}
	if roles := got.header.Values("X-User-Role"); len(roles) != 1 || roles[0] != "CUSTOMER" {
		t.Errorf("X-User-Role = %v", roles)
	}
	if req.Header.Get("X-User-Id") != "spoofed" {
		t.Errorf("inbound request was modified")
	}
}

func TestGateway_StripPrefix(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, deliveryYAML(up.URL))

	tests := []struct {
		path      string
		token     string
		wantPath  string
		wantQuery string
	}{
		{"/orders/42", "", "/42", ""},
		{"/api/orders/42?expand=items", validToken(t), "/42", "expand=items"},
		{"/api/orders", validToken(t), "/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := h.do(http.MethodGet, tt.path, tt.token, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
			}
			got := up.last()
			if got.path != tt.wantPath || got.query != tt.wantQuery {
				t.Errorf("upstream saw %s?%s, want %s?%s", got.path, got.query, tt.wantPath, tt.wantQuery)
			}
			wantID, wantRole := "", ""
			if tt.token != "" {
				wantID, wantRole = "665f1c2e9b1d4a0012345678", "CUSTOMER"
			}
			if id, role := got.header.Get("X-User-Id"), got.header.Get("X-User-Role"); id != wantID || role != wantRole {
				t.Errorf("identity headers = %q/%q, want %q/%q", id, role, wantID, wantRole)
			}
		})
	}
}

func TestGateway_RetryTwoFailuresThenSuccess(t *testing.T) {
	up := newUpstream(t, 500, 500, 200)
	h := newHarness(t, deliveryYAML(up.URL))
	before := testutil.ToFloat64(metrics.RetryTotal.WithLabelValues("orders-short"))

	rec := h.do(http.MethodGet, "/orders/1", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if up.hits() != 3 {
		t.Fatalf("upstream hits = %d, want 3", up.hits())
	}
	s, err := h.registry.Snapshot("orders-short")
	if err != nil {
		t.Fatal(err)
	}
	if s.NumberOfBufferedCalls != 3 || s.NumberOfFailedCalls != 2 || s.NumberOfSuccessfulCalls != 1 {
		t.Errorf("breaker outcomes = %+v, want 3 buffered, 2 failed, 1 successful", s)
	}
	if got := testutil.ToFloat64(metrics.RetryTotal.WithLabelValues("orders-short")) - before; got != 2 {
		t.Errorf("retries counted = %v, want 2", got)
	}
}

func TestGateway_PostIsNotRetried(t *testing.T) {
	up := newUpstream(t, 500, 200)
	h := newHarness(t, deliveryYAML(up.URL))
	before := testutil.ToFloat64(metrics.RetryTotal.WithLabelValues("orders-short"))

	rec := h.do(http.MethodPost, "/orders/1", "", strings.NewReader(`{"item":"box"}`))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want the upstream 500: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"upstream":true}` {
		t.Errorf("body = %q, want upstream body", rec.Body.String())
	}
	if up.hits() != 1 {
		t.Fatalf("upstream hits = %d, want 1", up.hits())
	}
	s, _ := h.registry.Snapshot("orders-short")
	if s.NumberOfBufferedCalls != 1 || s.NumberOfFailedCalls != 1 {
		t.Errorf("breaker outcomes = %+v, want 1 buffered, 1 failed", s)
	}
	if got := testutil.ToFloat64(metrics.RetryTotal.WithLabelValues("orders-short")) - before; got != 0 {
		t.Errorf("retries counted = %v, want 0", got)
	}
}

func TestGateway_PostNetworkErrorFallsBackOnce(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	uri := dead.URL
	dead.Close()
	h := newHarness(t, deliveryYAML(uri))
	before := testutil.ToFloat64(metrics.FallbacksTotal.WithLabelValues("orders-short", "upstream_error"))

	rec := h.do(http.MethodPost, "/orders/1", "", strings.NewReader(`{"item":"box"}`))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if msg := fallbackBody(t, rec).Message; msg != "orders-short unavailable, try later" {
		t.Errorf("fallback message = %q", msg)
	}
	s, _ := h.registry.Snapshot("orders-short")
	if s.NumberOfFailedCalls != 1 {
		t.Errorf("failed calls = %d, want 1", s.NumberOfFailedCalls)
	}
	if got := testutil.ToFloat64(metrics.FallbacksTotal.WithLabelValues("orders-short", "upstream_error")) - before; got != 1 {
		t.Errorf("upstream_error fallbacks = %v, want 1", got)
	}
}

func TestGateway_RetriedPostReplaysBody(t *testing.T) {
	up := newUpstream(t, 503, 200)
	yaml := `
routes:
  - id: payments
    path: "/api/payments/**"
    uri: "` + up.URL + `"
    retry:
      methods: [POST]
`
	h := newHarness(t, yaml)

	rec := h.do(http.MethodPost, "/api/payments/charge", "", strings.NewReader(`{"amount":10}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if up.hits() != 2 {
		t.Fatalf("upstream hits = %d, want 2", up.hits())
	}
	for i, r := range up.all() {
		if r.body != `{"amount":10}` {
			t.Errorf("attempt %d body = %q", i+1, r.body)
		}
	}
}

func TestGateway_TestCircuitBreakerScenario(t *testing.T) {
	up := newUpstream(t, http.StatusInternalServerError)
	h := newHarness(t, deliveryYAML(up.URL))

	for i := 0; i < 2; i++ {
		rec := h.do(http.MethodGet, "/api/test-cb/test-circuit-breaker", "", nil)
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("request %d: status = %d, want 503", i+1, rec.Code)
		}
		body := fallbackBody(t, rec)
		if body.Status != "error" || body.Message != "test unavailable, try later" {
			t.Errorf("request %d: fallback body = %+v", i+1, body)
		}
	}

	if up.hits() != 1 {
		t.Errorf("upstream hits = %d, want 1", up.hits())
	}
	b, ok := h.registry.Get("test-circuit-breaker")
	if !ok {
		t.Fatal("breaker not created")
	}
	if b.State() != circuitbreaker.StateOpen {
		t.Errorf("state = %v, want OPEN", b.State())
	}
}

func TestGateway_AuthBeforeBreaker(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, deliveryYAML(up.URL))
	route, _ := h.table.Get("tracking-service")
	b := h.registry.GetOrCreate(route.ID, route.Breaker)
	for i := 0; i < route.Breaker.MinimumNumberOfCalls; i++ {
		tk, err := b.Permit()
		if err != nil {
			t.Fatal(err)
		}
		b.Record(tk, true, time.Millisecond)
	}

	if rec := h.do(http.MethodGet, "/api/tracking/1", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated request on open breaker: status = %d, want 401", rec.Code)
	}
	rec := h.do(http.MethodGet, "/api/tracking/1", validToken(t), nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if msg := fallbackBody(t, rec).Message; msg != "tracking unavailable, try later" {
		t.Errorf("fallback message = %q", msg)
	}
	if up.hits() != 0 {
		t.Errorf("open breaker dispatched %d calls", up.hits())
	}
}

func TestGateway_RetriesExhausted(t *testing.T) {
	up := newUpstream(t, http.StatusServiceUnavailable)
	h := newHarness(t, deliveryYAML(up.URL))
	before := testutil.ToFloat64(metrics.FallbacksTotal.WithLabelValues("orders-short", "exhausted"))

	rec := h.do(http.MethodGet, "/orders/9", "", nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if msg := fallbackBody(t, rec).Message; msg != "orders-short unavailable, try later" {
		t.Errorf("fallback message = %q", msg)
	}
	if up.hits() != 4 {
		t.Errorf("upstream hits = %d, want 4", up.hits())
	}
	if got := testutil.ToFloat64(metrics.FallbacksTotal.WithLabelValues("orders-short", "exhausted")) - before; got != 1 {
		t.Errorf("exhausted fallbacks = %v, want 1", got)
	}
}

func TestGateway_NonRetryableStatusStreamed(t *testing.T) {
	tests := []struct {
		status     int
		wantFailed int
	}{
		{http.StatusNotFound, 0},
		{http.StatusBadGateway, 1},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			up := newUpstream(t, tt.status)
			h := newHarness(t, deliveryYAML(up.URL))

			rec := h.do(http.MethodGet, "/orders/5", "", nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if rec.Body.String() != `{"upstream":true}` {
				t.Errorf("body = %q, want upstream body", rec.Body.String())
			}
			if rec.Header().Get("X-Gateway-Latency") == "" {
				t.Error("missing X-Gateway-Latency")
			}
			if up.hits() != 1 {
				t.Errorf("upstream hits = %d, want 1", up.hits())
			}
			s, _ := h.registry.Snapshot("orders-short")
			if s.NumberOfFailedCalls != tt.wantFailed {
				t.Errorf("failed calls = %d, want %d", s.NumberOfFailedCalls, tt.wantFailed)
			}
		})
	}
}

func TestGateway_NetworkErrorFallsBack(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	uri := dead.URL
	dead.Close()
	h := newHarness(t, deliveryYAML(uri))

	rec := h.do(http.MethodGet, "/orders/1", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	s, _ := h.registry.Snapshot("orders-short")
	if s.NumberOfFailedCalls != 4 {
		t.Errorf("failed calls = %d, want 4", s.NumberOfFailedCalls)
	}
}

func TestGateway_AttemptTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	yaml := `
routes:
  - id: slow-service
    path: "/api/slow/**"
    uri: "` + slow.URL + `"
    timeout_ms: 50
    retry:
      max_attempts: 1
`
	h := newHarness(t, yaml)
	before := testutil.ToFloat64(metrics.UpstreamErrors.WithLabelValues("slow-service", "timeout"))

	rec := h.do(http.MethodGet, "/api/slow/1", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := testutil.ToFloat64(metrics.UpstreamErrors.WithLabelValues("slow-service", "timeout")) - before; got != 1 {
		t.Errorf("timeout errors = %v, want 1", got)
	}
}

func TestGateway_ClientCancelled(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, deliveryYAML(up.URL))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/orders/1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if got := errorCode(t, rec); got != "GATEWAY_REQUEST_CANCELLED" {
		t.Errorf("error_code = %q", got)
	}
	if up.hits() != 0 {
		t.Errorf("cancelled request reached upstream")
	}
	if s, err := h.registry.Snapshot("orders-short"); err == nil && s.NumberOfBufferedCalls != 0 {
		t.Errorf("cancelled request was recorded: %+v", s)
	}
}

func TestGateway_BodyTooLarge(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, deliveryYAML(up.URL))

	req := httptest.NewRequest(http.MethodPost, "/orders/1", nil)
	rec := httptest.NewRecorder()
	req.Body = http.MaxBytesReader(rec, io.NopCloser(strings.NewReader(strings.Repeat("x", 64))), 8)
	h.gw.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if up.hits() != 0 {
		t.Errorf("oversized body reached upstream")
	}
}

func TestGateway_VerifierUnavailable(t *testing.T) {
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(idp.Close)
	up := newUpstream(t)

	yaml := `
auth:
  validate_url: "` + idp.URL + `/api/auth/validate"
routes:
  - id: order-service
    path: "/api/orders/**"
    uri: "` + up.URL + `"
    auth_required: true
`
	h := newHarness(t, yaml)
	rec := h.do(http.MethodGet, "/api/orders/1", "opaque-token", nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := errorCode(t, rec); got != "GATEWAY_AUTH_UNAVAILABLE" {
		t.Errorf("error_code = %q", got)
	}
	if up.hits() != 0 {
		t.Errorf("request reached upstream without validation")
	}
}

func TestGateway_RequestMetrics(t *testing.T) {
	up := newUpstream(t)
	h := newHarness(t, deliveryYAML(up.URL))
	ok := metrics.RequestsTotal.WithLabelValues("orders-short", "GET", "200")
	unmatched := metrics.RequestsTotal.WithLabelValues("unmatched", "GET", "404")
	beforeOK, beforeUnmatched := testutil.ToFloat64(ok), testutil.ToFloat64(unmatched)

	h.do(http.MethodGet, "/orders/1", "", nil)
	h.do(http.MethodGet, "/nowhere", "", nil)

	if got := testutil.ToFloat64(ok) - beforeOK; got != 1 {
		t.Errorf("orders-short 200 count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(unmatched) - beforeUnmatched; got != 1 {
		t.Errorf("unmatched 404 count = %v, want 1", got)
	}
}

func TestGateway_RouteLookup(t *testing.T) {
	yaml := `
routes:
  - id: tracking-service
    path: "/api/tracking/**"
    uri: "http://tracking:8081"
    log_level: none
`
	h := newHarness(t, yaml)

	id, level, ok := h.gw.RouteLookup("/api/tracking/5")
	if !ok || id != "tracking-service" || level != middleware.LogLevelNone {
		t.Errorf("RouteLookup = %q, %v, %v", id, level, ok)
	}
	if _, _, ok := h.gw.RouteLookup("/elsewhere"); ok {
		t.Error("expected no route for /elsewhere")
	}
}
