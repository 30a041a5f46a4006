package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalRoutes = `
routes:
  - id: order-service
    path: "/api/orders/**"
    uri: "http://localhost:3000"
`

func TestLoadFromBytes_Defaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
` + minimalRoutes))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("expected default port 8000, got %d", cfg.Server.Port)
	}
	if cfg.RateLimit.RequestsPerSecond != 100 || cfg.RateLimit.BurstSize != 50 {
		t.Errorf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	cb := cfg.CircuitBreaker
	if cb.FailureRateThreshold != 50 || cb.SlowCallRateThreshold != 100 {
		t.Errorf("unexpected threshold defaults: %+v", cb)
	}
	if cb.MinimumNumberOfCalls != 10 || cb.SlidingWindowSize != 20 {
		t.Errorf("unexpected window defaults: %+v", cb)
	}
	if cb.WaitDurationInOpenState != 30*time.Second || cb.PermittedCallsInHalfOpenState != 3 {
		t.Errorf("unexpected open/half-open defaults: %+v", cb)
	}
	if cfg.Retry.MaxAttempts != 4 {
		t.Errorf("expected 4 attempts by default, got %d", cfg.Retry.MaxAttempts)
	}
	if len(cfg.Retry.RetryableStatuses) != 2 {
		t.Errorf("expected default retryable statuses [500 503], got %v", cfg.Retry.RetryableStatuses)
	}
	if len(cfg.Retry.Methods) != 1 || cfg.Retry.Methods[0] != "GET" {
		t.Errorf("expected only GET to be retried by default, got %v", cfg.Retry.Methods)
	}
	if !cfg.Routes[0].GatesReadiness() {
		t.Error("expected routes to gate readiness by default")
	}
	if cfg.Auth.PublicPathMatch != PublicPathPrefix {
		t.Errorf("expected prefix public path matching, got %q", cfg.Auth.PublicPathMatch)
	}
	if cfg.Routes[0].FallbackPath != "/fallback/order-service" {
		t.Errorf("expected derived fallback path, got %q", cfg.Routes[0].FallbackPath)
	}
	if len(cfg.Admin.IPAllowlist) != 2 {
		t.Errorf("expected loopback admin allowlist, got %v", cfg.Admin.IPAllowlist)
	}
}

func TestLoadFromBytes_FullRoute(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
server:
  port: 9090
  trusted_proxies: ["10.0.0.0/8"]
auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  public_paths: ["/api/auth/login", "/api/auth/register"]
circuit_breaker:
  minimum_number_of_calls: 5
routes:
  - id: order-service
    path: "/api/orders/**"
    uri: "http://orders:8080"
    strip_prefix: 1
    auth_required: true
    methods: ["GET", "POST"]
    timeout_ms: 5000
    fallback_path: /fallback/order
    fallback_message: "order service unavailable, try later"
    circuit_breaker:
      failure_rate_threshold: 25
      wait_duration_in_open_state: 5s
    retry:
      max_attempts: 2
      retryable_statuses: [502]
      backoff:
        initial: 10ms
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := cfg.Routes[0]
	if r.StripPrefix != 1 || !r.AuthRequired || r.Timeout() != 5*time.Second {
		t.Errorf("unexpected route: %+v", r)
	}
	if r.FallbackService() != "order" {
		t.Errorf("expected fallback service order, got %q", r.FallbackService())
	}

	cb := r.EffectiveCircuitBreaker(cfg.CircuitBreaker)
	if cb.FailureRateThreshold != 25 {
		t.Errorf("expected overridden failure threshold 25, got %v", cb.FailureRateThreshold)
	}
	if cb.WaitDurationInOpenState != 5*time.Second {
		t.Errorf("expected overridden wait 5s, got %v", cb.WaitDurationInOpenState)
	}
	if cb.MinimumNumberOfCalls != 5 {
		t.Errorf("expected inherited minimum 5, got %d", cb.MinimumNumberOfCalls)
	}

	rc := r.EffectiveRetry(cfg.Retry)
	if rc.MaxAttempts != 2 || len(rc.RetryableStatuses) != 1 || rc.RetryableStatuses[0] != 502 {
		t.Errorf("unexpected effective retry: %+v", rc)
	}
	if rc.Backoff.Initial != 10*time.Millisecond {
		t.Errorf("expected backoff initial 10ms, got %v", rc.Backoff.Initial)
	}
}

func TestLoadFromBytes_EnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "env-secret-value-env-secret-value")
	t.Setenv("TEST_ORDER_URL", "http://orders.internal:8080")

	cfg, err := LoadFromBytes([]byte(`
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
routes:
  - id: order-service
    path: "/api/orders/**"
    uri: "${TEST_ORDER_URL:http://order-service:8080}"
    auth_required: true
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Auth.JWTSecret != "env-secret-value-env-secret-value" {
		t.Errorf("expected env var expansion, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Routes[0].URI != "http://orders.internal:8080" {
		t.Errorf("expected env override of uri, got %q", cfg.Routes[0].URI)
	}
}

func TestLoadFromBytes_EnvVarDefault(t *testing.T) {
	os.Unsetenv("UNSET_TRACKING_URL")

	cfg, err := LoadFromBytes([]byte(`
routes:
  - id: tracking-service
    path: "/api/tracking/**"
    uri: "${UNSET_TRACKING_URL:http://tracking-service:8081}"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Routes[0].URI != "http://tracking-service:8081" {
		t.Errorf("expected default uri, got %q", cfg.Routes[0].URI)
	}
}

func TestLoadFromBytes_Warnings(t *testing.T) {
	os.Unsetenv("NONEXISTENT_SECRET")

	cfg, err := LoadFromBytes([]byte(`
auth:
  jwt_secret: "${NONEXISTENT_SECRET}"
  public_path_match: contains
` + minimalRoutes))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var unresolved, contains bool
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "unresolved environment variable") {
			unresolved = true
		}
		if strings.Contains(w, "public_path_match=contains") {
			contains = true
		}
	}
	if !unresolved {
		t.Error("expected warning about unresolved environment variable")
	}
	if !contains {
		t.Error("expected warning about contains matching")
	}
}

func TestLoadFromBytes_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing routes", `routes: []`},
		{"invalid port", `
server:
  port: 99999
` + minimalRoutes},
		{"missing path", `
routes:
  - id: a
    uri: "http://localhost:3000"
`},
		{"path without leading slash", `
routes:
  - id: a
    path: "api/**"
    uri: "http://localhost:3000"
`},
		{"inner wildcard", `
routes:
  - id: a
    path: "/api/*/orders"
    uri: "http://localhost:3000"
`},
		{"missing uri", `
routes:
  - id: a
    path: "/api/**"
`},
		{"file scheme", `
routes:
  - id: a
    path: "/api/**"
    uri: "file:///etc/passwd"
`},
		{"duplicate id", `
routes:
  - id: a
    path: "/api/a/**"
    uri: "http://localhost:3000"
  - id: a
    path: "/api/b/**"
    uri: "http://localhost:3001"
`},
		{"duplicate path", `
routes:
  - id: a
    path: "/api/**"
    uri: "http://localhost:3000"
  - id: b
    path: "/api/**"
    uri: "http://localhost:3001"
`},
		{"auth route without secret", `
routes:
  - id: a
    path: "/api/**"
    uri: "http://localhost:3000"
    auth_required: true
`},
		{"negative strip prefix", `
routes:
  - id: a
    path: "/api/**"
    uri: "http://localhost:3000"
    strip_prefix: -1
`},
		{"bad fallback path", `
routes:
  - id: a
    path: "/api/**"
    uri: "http://localhost:3000"
    fallback_path: "/oops"
`},
		{"failure threshold above 100", `
circuit_breaker:
  failure_rate_threshold: 150
` + minimalRoutes},
		{"route retry zero attempts", `
routes:
  - id: a
    path: "/api/**"
    uri: "http://localhost:3000"
    retry:
      max_attempts: -1
`},
		{"bad retryable status", `
retry:
  retryable_statuses: [42]
` + minimalRoutes},
		{"jitter above 1", `
retry:
  backoff:
    initial: 10ms
    jitter: 2
` + minimalRoutes},
		{"bad public path mode", `
auth:
  public_path_match: regex
` + minimalRoutes},
		{"bad admin cidr", `
admin:
  ip_allowlist: ["not-a-cidr"]
` + minimalRoutes},
		{"bad log level", `
logging:
  level: loud
` + minimalRoutes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFromBytes([]byte(tt.yaml)); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadFromBytes_ValidateURLSatisfiesAuth(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
auth:
  validate_url: "http://auth-service:3000/api/auth/validate"
routes:
  - id: a
    path: "/api/**"
    uri: "http://localhost:3000"
    auth_required: true
`))
	if err != nil {
		t.Fatalf("expected validate_url to satisfy auth requirement, got %v", err)
	}
}

func TestEffectiveCircuitBreaker_WindowGrowsToMinimum(t *testing.T) {
	defaults := CircuitBreakerConfig{MinimumNumberOfCalls: 10, SlidingWindowSize: 20}
	r := RouteConfig{CircuitBreaker: &CircuitBreakerConfig{MinimumNumberOfCalls: 50}}

	got := r.EffectiveCircuitBreaker(defaults)
	if got.SlidingWindowSize != 50 {
		t.Errorf("expected window to grow to 50, got %d", got.SlidingWindowSize)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(minimalRoutes), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Routes[0].Path != "/api/orders/**" {
		t.Errorf("expected /api/orders/**, got %q", cfg.Routes[0].Path)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("GATEWAY_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	os.Unsetenv("GATEWAY_TEST_DOTENV")
	t.Cleanup(func() { os.Unsetenv("GATEWAY_TEST_DOTENV") })

	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("GATEWAY_TEST_DOTENV"); got != "from-file" {
		t.Errorf("expected from-file, got %q", got)
	}
}

func TestLoadEnvFile_MissingIsNotAnError(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("expected nil for missing file, got %v", err)
	}
}

func TestLoad_ShippedConfig(t *testing.T) {
	t.Setenv("JWT_SECRET", "shipped-config-secret-at-least-32-bytes")
	t.Setenv("ORDER_SERVICE_URL", "http://orders.internal:9090")

	cfg, err := Load(filepath.Join("..", "..", "configs", "gateway.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for _, w := range cfg.Warnings {
		t.Errorf("unexpected warning: %s", w)
	}

	want := []string{"auth-service", "order-service", "tracking-service", "test-circuit-breaker"}
	if len(cfg.Routes) != len(want) {
		t.Fatalf("got %d routes, want %d", len(cfg.Routes), len(want))
	}
	for i, id := range want {
		if cfg.Routes[i].ID != id {
			t.Errorf("routes[%d] = %s, want %s", i, cfg.Routes[i].ID, id)
		}
	}
	if cfg.Routes[1].URI != "http://orders.internal:9090" {
		t.Errorf("order-service uri = %q", cfg.Routes[1].URI)
	}
	if cfg.Routes[2].URI != "http://tracking-service:8081" {
		t.Errorf("tracking-service uri = %q, want the default", cfg.Routes[2].URI)
	}
	cb := cfg.Routes[3].EffectiveCircuitBreaker(cfg.CircuitBreaker)
	if cb.MinimumNumberOfCalls != 1 {
		t.Errorf("test-circuit-breaker minimum_number_of_calls = %d, want 1", cb.MinimumNumberOfCalls)
	}
	for _, r := range cfg.Routes {
		if got, want := r.GatesReadiness(), r.ID != "test-circuit-breaker"; got != want {
			t.Errorf("%s gates readiness = %v, want %v", r.ID, got, want)
		}
	}
}

func TestLoadFromBytes_ShadowedRouteWarning(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
routes:
  - id: api
    path: "/api/**"
    uri: "http://localhost:3000"
  - id: orders
    path: "/api/orders/**"
    uri: "http://localhost:3001"
  - id: tracking
    path: "/tracking/**"
    uri: "http://localhost:3002"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Warnings) != 1 {
		t.Fatalf("warnings = %q, want exactly one", cfg.Warnings)
	}
	if w := cfg.Warnings[0]; !strings.Contains(w, "routes[1] (orders)") || !strings.Contains(w, "api (/api/**)") {
		t.Errorf("warning = %q", w)
	}
}

func TestShadows(t *testing.T) {
	tests := []struct {
		earlier, later string
		want           bool
	}{
		{"/api/**", "/api/orders/**", true},
		{"/api/**", "/api", true},
		{"/api", "/api/orders/**", true},
		{"/**", "/tracking/**", true},
		{"/api/orders/**", "/api/**", false},
		{"/api/orders/**", "/api/orders-archive/**", false},
		{"/api/orders", "/api/orders-archive/**", false},
		{"/orders/**", "/api/orders/**", false},
	}
	for _, tt := range tests {
		if got := shadows(tt.earlier, tt.later); got != tt.want {
			t.Errorf("shadows(%q, %q) = %v, want %v", tt.earlier, tt.later, got, tt.want)
		}
	}
}

func TestLoadFromBytes_RetryMethods(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
retry:
  methods: [get, head]
routes:
  - id: search
    path: "/api/search/**"
    uri: "http://localhost:3000"
  - id: payments
    path: "/api/payments/**"
    uri: "http://localhost:3001"
    retry:
      methods: [POST]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Retry.Methods; len(got) != 2 || got[0] != "GET" || got[1] != "HEAD" {
		t.Errorf("default methods = %v, want [GET HEAD]", got)
	}
	if got := cfg.Routes[1].EffectiveRetry(cfg.Retry).Methods; len(got) != 1 || got[0] != "POST" {
		t.Errorf("payments methods = %v, want [POST]", got)
	}
	var warned bool
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "payments") && strings.Contains(w, "POST") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("expected a warning for retried POST, got %q", cfg.Warnings)
	}
}
