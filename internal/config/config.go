// Package config provides YAML configuration loading with validation and
// environment variable substitution for the delivery gateway.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Routes         []RouteConfig        `yaml:"routes" json:"routes"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself so Load stays safe to call from the
	// reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies" json:"trusted_proxies"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
}

// LoggingConfig holds log level and output settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`               // "debug", "info", "warn", "error"; default: "info"
	Output     string `yaml:"output" json:"output"`             // "stdout", "stderr", or file path; default: "stdout"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`   // default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`   // default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"` // default: 30
}

// AdminConfig holds settings for the breaker introspection and admin API.
type AdminConfig struct {
	Enabled     *bool    `yaml:"enabled" json:"enabled"`           // default: true
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation; default: loopback
}

// IsEnabled returns whether the admin endpoints are served (defaults to true).
func (a AdminConfig) IsEnabled() bool {
	if a.Enabled == nil {
		return true
	}
	return *a.Enabled
}

// RateLimitConfig holds the global per-client rate limiter settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// Public path matching modes.
const (
	PublicPathPrefix   = "prefix"
	PublicPathContains = "contains"
)

// AuthConfig holds bearer token validation settings.
type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret" json:"jwt_secret"`
	PublicPaths     []string      `yaml:"public_paths" json:"public_paths"`
	PublicPathMatch string        `yaml:"public_path_match" json:"public_path_match"` // "prefix" (default) or "contains"
	Leeway          time.Duration `yaml:"leeway" json:"leeway"`

	// ValidateURL delegates token validation to the identity service
	// instead of verifying the signature locally.
	ValidateURL     string        `yaml:"validate_url" json:"validate_url"`
	ValidateTimeout time.Duration `yaml:"validate_timeout" json:"validate_timeout"`

	// CacheSize bounds the verified-token cache; 0 disables it.
	CacheSize int           `yaml:"cache_size" json:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
}

// CircuitBreakerConfig holds breaker policy. The top-level section provides
// defaults; a route may override any non-zero field.
type CircuitBreakerConfig struct {
	FailureRateThreshold          float64       `yaml:"failure_rate_threshold" json:"failure_rate_threshold"`     // percent
	SlowCallRateThreshold         float64       `yaml:"slow_call_rate_threshold" json:"slow_call_rate_threshold"` // percent
	SlowCallDuration              time.Duration `yaml:"slow_call_duration" json:"slow_call_duration"`
	MinimumNumberOfCalls          int           `yaml:"minimum_number_of_calls" json:"minimum_number_of_calls"`
	SlidingWindowSize             int           `yaml:"sliding_window_size" json:"sliding_window_size"`
	WaitDurationInOpenState       time.Duration `yaml:"wait_duration_in_open_state" json:"wait_duration_in_open_state"`
	PermittedCallsInHalfOpenState int           `yaml:"permitted_calls_in_half_open_state" json:"permitted_calls_in_half_open_state"`
	MaxConcurrentCalls            int           `yaml:"max_concurrent_calls" json:"max_concurrent_calls"`
}

// RetryConfig holds retry policy. Same override rules as CircuitBreakerConfig.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	RetryableStatuses []int         `yaml:"retryable_statuses" json:"retryable_statuses"`
	Methods           []string      `yaml:"methods" json:"methods"` // only these are re-sent; default GET
	Backoff           BackoffConfig `yaml:"backoff" json:"backoff"`
}

// BackoffConfig configures the delay between retry attempts. A zero Initial
// means immediate re-attempt.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" json:"initial"`
	Max        time.Duration `yaml:"max" json:"max"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	Jitter     float64       `yaml:"jitter" json:"jitter"`
}

// RouteConfig defines a single proxy route.
type RouteConfig struct {
	ID              string                `yaml:"id" json:"id"`
	Path            string                `yaml:"path" json:"path"` // e.g. "/api/orders/**"
	URI             string                `yaml:"uri" json:"uri"`
	StripPrefix     int                   `yaml:"strip_prefix" json:"strip_prefix"` // leading segments removed
	Methods         []string              `yaml:"methods" json:"methods,omitempty"`
	AuthRequired    bool                  `yaml:"auth_required" json:"auth_required"`
	TimeoutMs       int                   `yaml:"timeout_ms" json:"timeout_ms"`
	Headers         map[string]string     `yaml:"headers" json:"headers,omitempty"`
	RateOverride    *RateLimitConfig      `yaml:"rate_override" json:"rate_override,omitempty"`
	ConnectionPool  *ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool,omitempty"`
	CircuitBreaker  *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker,omitempty"`
	Retry           *RetryConfig          `yaml:"retry" json:"retry,omitempty"`
	FallbackPath    string                `yaml:"fallback_path" json:"fallback_path"`       // e.g. "/fallback/order"
	FallbackMessage string                `yaml:"fallback_message" json:"fallback_message"` // default: "<service> unavailable, try later"
	LogLevel        string                `yaml:"log_level" json:"log_level"`               // "debug", "info", "warn", "error", "none"
	Readiness       *bool                 `yaml:"readiness" json:"readiness,omitempty"`     // nil means the upstream gates /ready
}

// ConnectionPoolConfig holds per-upstream HTTP transport pool settings.
type ConnectionPoolConfig struct {
	MaxIdleConns   int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// ValidLogLevels are the accepted log level strings for routes.
var ValidLogLevels = map[string]bool{
	"":      true, // empty means default ("info")
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
	"none":  true,
}

// Timeout returns the configured hard attempt timeout, or 0 when the route
// leaves it to be derived from the slow-call threshold.
func (r RouteConfig) Timeout() time.Duration {
	if r.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond
}

// EffectiveCircuitBreaker merges the route override onto the defaults.
func (r RouteConfig) EffectiveCircuitBreaker(defaults CircuitBreakerConfig) CircuitBreakerConfig {
	out := defaults
	o := r.CircuitBreaker
	if o == nil {
		return out
	}
	if o.FailureRateThreshold != 0 {
		out.FailureRateThreshold = o.FailureRateThreshold
	}
	if o.SlowCallRateThreshold != 0 {
		out.SlowCallRateThreshold = o.SlowCallRateThreshold
	}
	if o.SlowCallDuration != 0 {
		out.SlowCallDuration = o.SlowCallDuration
	}
	if o.MinimumNumberOfCalls != 0 {
		out.MinimumNumberOfCalls = o.MinimumNumberOfCalls
	}
	if o.SlidingWindowSize != 0 {
		out.SlidingWindowSize = o.SlidingWindowSize
	}
	if o.WaitDurationInOpenState != 0 {
		out.WaitDurationInOpenState = o.WaitDurationInOpenState
	}
	if o.PermittedCallsInHalfOpenState != 0 {
		out.PermittedCallsInHalfOpenState = o.PermittedCallsInHalfOpenState
	}
	if o.MaxConcurrentCalls != 0 {
		out.MaxConcurrentCalls = o.MaxConcurrentCalls
	}
	if out.SlidingWindowSize < out.MinimumNumberOfCalls {
		out.SlidingWindowSize = out.MinimumNumberOfCalls
	}
	return out
}

// EffectiveRetry merges the route override onto the defaults.
func (r RouteConfig) EffectiveRetry(defaults RetryConfig) RetryConfig {
	out := defaults
	o := r.Retry
	if o == nil {
		return out
	}
	if o.MaxAttempts != 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	if len(o.RetryableStatuses) > 0 {
		out.RetryableStatuses = o.RetryableStatuses
	}
	if len(o.Methods) > 0 {
		out.Methods = o.Methods
	}
	if o.Backoff.Initial != 0 {
		out.Backoff.Initial = o.Backoff.Initial
	}
	if o.Backoff.Max != 0 {
		out.Backoff.Max = o.Backoff.Max
	}
	if o.Backoff.Multiplier != 0 {
		out.Backoff.Multiplier = o.Backoff.Multiplier
	}
	if o.Backoff.Jitter != 0 {
		out.Backoff.Jitter = o.Backoff.Jitter
	}
	return out
}

// GatesReadiness reports whether the upstream must be reachable for the
// gateway to report ready.
func (r RouteConfig) GatesReadiness() bool {
	return r.Readiness == nil || *r.Readiness
}

// FallbackService returns the service name addressed by the route's
// fallback path ("/fallback/order" -> "order").
func (r RouteConfig) FallbackService() string {
	p := strings.TrimSuffix(r.FallbackPath, "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// envVarRe matches ${VAR} and ${VAR:default}.
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:default} patterns with the
// corresponding environment variable value. Unset variables without a
// default are left untouched so validation can warn about them.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		sub := envVarRe.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(sub[1]); ok {
			return val
		}
		if strings.Contains(match, ":") {
			return sub[2]
		}
		return match
	})
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	return parse(data)
}

func parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20 // 10 MB, order photos go through here
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 100
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 50
	}

	if cfg.Auth.PublicPathMatch == "" {
		cfg.Auth.PublicPathMatch = PublicPathPrefix
	}
	if cfg.Auth.ValidateURL != "" && cfg.Auth.ValidateTimeout == 0 {
		cfg.Auth.ValidateTimeout = 3 * time.Second
	}
	if cfg.Auth.CacheSize > 0 && cfg.Auth.CacheTTL == 0 {
		cfg.Auth.CacheTTL = time.Minute
	}

	if len(cfg.Admin.IPAllowlist) == 0 {
		cfg.Admin.IPAllowlist = []string{"127.0.0.0/8", "::1/128"}
	}

	cb := &cfg.CircuitBreaker
	if cb.FailureRateThreshold == 0 {
		cb.FailureRateThreshold = 50
	}
	if cb.SlowCallRateThreshold == 0 {
		cb.SlowCallRateThreshold = 100
	}
	if cb.SlowCallDuration == 0 {
		cb.SlowCallDuration = 2 * time.Second
	}
	if cb.MinimumNumberOfCalls == 0 {
		cb.MinimumNumberOfCalls = 10
	}
	if cb.SlidingWindowSize == 0 {
		cb.SlidingWindowSize = 20
	}
	if cb.SlidingWindowSize < cb.MinimumNumberOfCalls {
		cb.SlidingWindowSize = cb.MinimumNumberOfCalls
	}
	if cb.WaitDurationInOpenState == 0 {
		cb.WaitDurationInOpenState = 30 * time.Second
	}
	if cb.PermittedCallsInHalfOpenState == 0 {
		cb.PermittedCallsInHalfOpenState = 3
	}

	rt := &cfg.Retry
	if rt.MaxAttempts == 0 {
		rt.MaxAttempts = 4 // first attempt plus three retries
	}
	if len(rt.RetryableStatuses) == 0 {
		rt.RetryableStatuses = []int{500, 503}
	}
	if len(rt.Methods) == 0 {
		rt.Methods = []string{http.MethodGet}
	}
	for i, m := range rt.Methods {
		rt.Methods[i] = strings.ToUpper(m)
	}
	if rt.Backoff.Initial != 0 {
		if rt.Backoff.Max == 0 {
			rt.Backoff.Max = time.Second
		}
		if rt.Backoff.Multiplier == 0 {
			rt.Backoff.Multiplier = 2
		}
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.ID == "" {
			r.ID = strings.Trim(strings.ReplaceAll(strings.TrimSuffix(r.Path, "**"), "/", "-"), "-")
		}
		if r.FallbackPath == "" && r.ID != "" {
			r.FallbackPath = "/fallback/" + r.ID
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive")
	}
	if cfg.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("rate_limit.burst_size must be positive")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" && cfg.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
	}

	if cfg.Auth.PublicPathMatch != PublicPathPrefix && cfg.Auth.PublicPathMatch != PublicPathContains {
		return fmt.Errorf("auth.public_path_match must be %q or %q, got %q", PublicPathPrefix, PublicPathContains, cfg.Auth.PublicPathMatch)
	}
	if cfg.Auth.Leeway < 0 {
		return fmt.Errorf("auth.leeway must be non-negative")
	}
	if cfg.Auth.CacheSize < 0 {
		return fmt.Errorf("auth.cache_size must be non-negative")
	}
	if cfg.Auth.ValidateURL != "" {
		if err := validateUpstreamURL(cfg.Auth.ValidateURL); err != nil {
			return fmt.Errorf("auth.validate_url: %w", err)
		}
	}

	if err := validateBreaker("circuit_breaker", cfg.CircuitBreaker); err != nil {
		return err
	}
	if err := validateRetry("retry", cfg.Retry); err != nil {
		return err
	}

	for i, cidr := range cfg.Admin.IPAllowlist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
		}
	}

	if len(cfg.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}

	seenPath := make(map[string]bool)
	seenID := make(map[string]bool)
	needsSecret := false
	for i, r := range cfg.Routes {
		if r.Path == "" {
			return fmt.Errorf("routes[%d].path is required", i)
		}
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("routes[%d].path must start with /", i)
		}
		if strings.Contains(strings.TrimSuffix(r.Path, "**"), "*") {
			return fmt.Errorf("routes[%d].path: wildcard is only supported as a trailing /**", i)
		}
		if r.ID == "" {
			return fmt.Errorf("routes[%d].id is required", i)
		}
		if seenID[r.ID] {
			return fmt.Errorf("duplicate route id: %s", r.ID)
		}
		seenID[r.ID] = true
		if seenPath[r.Path] {
			return fmt.Errorf("duplicate route path: %s", r.Path)
		}
		seenPath[r.Path] = true

		if r.URI == "" {
			return fmt.Errorf("routes[%d].uri is required", i)
		}
		if err := validateUpstreamURL(r.URI); err != nil {
			return fmt.Errorf("routes[%d].uri: %w", i, err)
		}
		if r.StripPrefix < 0 {
			return fmt.Errorf("routes[%d].strip_prefix must be non-negative", i)
		}
		if r.TimeoutMs < 0 {
			return fmt.Errorf("routes[%d].timeout_ms must be non-negative", i)
		}
		if !ValidLogLevels[r.LogLevel] {
			return fmt.Errorf("routes[%d].log_level must be one of debug, info, warn, error, none; got %q", i, r.LogLevel)
		}
		if !strings.HasPrefix(r.FallbackPath, "/fallback/") || r.FallbackService() == "" {
			return fmt.Errorf("routes[%d].fallback_path must look like /fallback/<service>, got %q", i, r.FallbackPath)
		}
		if err := validateBreaker(fmt.Sprintf("routes[%d].circuit_breaker", i), r.EffectiveCircuitBreaker(cfg.CircuitBreaker)); err != nil {
			return err
		}
		if err := validateRetry(fmt.Sprintf("routes[%d].retry", i), r.EffectiveRetry(cfg.Retry)); err != nil {
			return err
		}
		if r.ConnectionPool != nil {
			cp := r.ConnectionPool
			if cp.MaxIdleConns < 0 || cp.MaxIdlePerHost < 0 || cp.IdleTimeout < 0 {
				return fmt.Errorf("routes[%d].connection_pool values must be non-negative", i)
			}
		}
		if r.AuthRequired {
			needsSecret = true
		}
	}

	if needsSecret && cfg.Auth.JWTSecret == "" && cfg.Auth.ValidateURL == "" {
		return fmt.Errorf("auth.jwt_secret (or auth.validate_url) is required when a route sets auth_required")
	}

	return nil
}

func validateUpstreamURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func validateBreaker(prefix string, cb CircuitBreakerConfig) error {
	if cb.FailureRateThreshold <= 0 || cb.FailureRateThreshold > 100 {
		return fmt.Errorf("%s.failure_rate_threshold must be in (0, 100]", prefix)
	}
	if cb.SlowCallRateThreshold <= 0 || cb.SlowCallRateThreshold > 100 {
		return fmt.Errorf("%s.slow_call_rate_threshold must be in (0, 100]", prefix)
	}
	if cb.SlowCallDuration <= 0 {
		return fmt.Errorf("%s.slow_call_duration must be positive", prefix)
	}
	if cb.MinimumNumberOfCalls < 1 {
		return fmt.Errorf("%s.minimum_number_of_calls must be positive", prefix)
	}
	if cb.SlidingWindowSize < cb.MinimumNumberOfCalls {
		return fmt.Errorf("%s.sliding_window_size must be at least minimum_number_of_calls", prefix)
	}
	if cb.WaitDurationInOpenState <= 0 {
		return fmt.Errorf("%s.wait_duration_in_open_state must be positive", prefix)
	}
	if cb.PermittedCallsInHalfOpenState < 1 {
		return fmt.Errorf("%s.permitted_calls_in_half_open_state must be positive", prefix)
	}
	if cb.MaxConcurrentCalls < 0 {
		return fmt.Errorf("%s.max_concurrent_calls must be non-negative", prefix)
	}
	return nil
}

func validateRetry(prefix string, rc RetryConfig) error {
	if rc.MaxAttempts < 1 {
		return fmt.Errorf("%s.max_attempts must be positive", prefix)
	}
	for _, s := range rc.RetryableStatuses {
		if s < 100 || s > 599 {
			return fmt.Errorf("%s.retryable_statuses: invalid status %d", prefix, s)
		}
	}
	for _, m := range rc.Methods {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%s.methods: empty method name", prefix)
		}
	}
	b := rc.Backoff
	if b.Initial < 0 || b.Max < 0 {
		return fmt.Errorf("%s.backoff durations must be non-negative", prefix)
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		return fmt.Errorf("%s.backoff.jitter must be between 0 and 1", prefix)
	}
	if b.Initial > 0 && b.Multiplier < 1 {
		return fmt.Errorf("%s.backoff.multiplier must be at least 1", prefix)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable")
	}
	if cfg.Auth.JWTSecret != "" && len(cfg.Auth.JWTSecret) < 32 {
		warnings = append(warnings, "auth.jwt_secret is shorter than 32 bytes")
	}
	if cfg.Auth.PublicPathMatch == PublicPathContains {
		warnings = append(warnings, "auth.public_path_match=contains whitelists any path containing a public entry; prefer \"prefix\"")
	}
	for j, later := range cfg.Routes {
		for _, earlier := range cfg.Routes[:j] {
			if shadows(earlier.Path, later.Path) {
				warnings = append(warnings, fmt.Sprintf("routes[%d] (%s) is unreachable: earlier route %s (%s) matches every path it does",
					j, later.ID, earlier.ID, earlier.Path))
				break
			}
		}
	}
	for i, r := range cfg.Routes {
		for _, m := range r.EffectiveRetry(cfg.Retry).Methods {
			m = strings.ToUpper(m)
			if m == http.MethodPost || m == http.MethodPatch {
				warnings = append(warnings, fmt.Sprintf("routes[%d] (%s) retries %s, which is not idempotent", i, r.ID, m))
			}
		}
	}
	return warnings
}

// shadows reports whether a route with pattern earlier, declared first,
// matches every path that pattern later would. Routes are tried in
// declaration order, so the later route would never be selected.
func shadows(earlier, later string) bool {
	el, wild := strings.CutSuffix(earlier, "**")
	ll, _ := strings.CutSuffix(later, "**")
	if !wild {
		// Plain patterns match themselves and everything below them.
		el = strings.TrimSuffix(earlier, "/") + "/"
	}
	return strings.HasPrefix(ll, el) || strings.TrimSuffix(ll, "/") == strings.TrimSuffix(el, "/")
}
