// Package main is the entry point for the delivery-app edge gateway. It loads
// configuration, assembles the middleware stack around the route pipeline,
// starts the HTTP server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/oarthurfc/delivery-app/internal/admin"
	"github.com/oarthurfc/delivery-app/internal/auth"
	"github.com/oarthurfc/delivery-app/internal/circuitbreaker"
	"github.com/oarthurfc/delivery-app/internal/clientip"
	"github.com/oarthurfc/delivery-app/internal/config"
	"github.com/oarthurfc/delivery-app/internal/fallback"
	"github.com/oarthurfc/delivery-app/internal/gateway"
	"github.com/oarthurfc/delivery-app/internal/health"
	"github.com/oarthurfc/delivery-app/internal/logging"
	"github.com/oarthurfc/delivery-app/internal/metrics"
	"github.com/oarthurfc/delivery-app/internal/middleware"
	"github.com/oarthurfc/delivery-app/internal/proxy"
	"github.com/oarthurfc/delivery-app/internal/ratelimit"
	"github.com/oarthurfc/delivery-app/internal/routing"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the configuration")
	flag.Parse()

	boot := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := config.LoadEnvFile(*envFile); err != nil {
		boot.Error("failed to load env file", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logOut, err := logging.New(cfg.Logging)
	if err != nil {
		boot.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	defer logOut.Close()

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"routes", len(cfg.Routes),
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"admin_enabled", cfg.Admin.IsEnabled(),
		"trusted_proxies", len(cfg.Server.TrustedProxies),
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	reloader := config.NewReloader(*configPath, cfg, logger)

	srv, err := newServer(cfg, reloader, logger)
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	// Only rate limits are applied live; route changes are logged by the
	// reloader and need a restart.
	reloader.OnReload(srv.limiter.UpdateConfig)
	reloader.Start()
	defer reloader.Stop()

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting gateway", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}

// server is the assembled gateway: operational endpoints on a mux, every
// other path through the middleware stack into the route pipeline.
type server struct {
	handler  http.Handler
	limiter  *ratelimit.Limiter
	registry *circuitbreaker.Registry
}

// newServer wires every component for cfg. provider backs /admin/config so
// a reloaded configuration is reported.
func newServer(cfg *config.Config, provider admin.ConfigProvider, logger *slog.Logger) (*server, error) {
	ips, err := clientip.New(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	table, err := routing.NewTable(cfg)
	if err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}

	var gate *auth.Gate
	if requiresAuth(table) {
		verifier, err := auth.NewVerifier(cfg.Auth, logger)
		if err != nil {
			return nil, err
		}
		gate = auth.NewGate(cfg.Auth, verifier, logger)
	}

	registry := circuitbreaker.NewRegistry(logger)
	responder := fallback.New(table)
	gw := gateway.New(table, gate, registry, proxy.New(table, ips, logger), responder, logger)
	limiter := ratelimit.New(cfg, ips, logger)

	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit → RateLimit → Gateway
	var proxied http.Handler = gw
	proxied = limiter.Middleware()(proxied)
	proxied = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(proxied)
	proxied = middleware.CORS(middleware.DefaultCORSConfig())(proxied)

	ops := http.NewServeMux()
	ops.Handle(fallback.PathPrefix, responder)
	if cfg.Admin.IsEnabled() {
		admin.New(provider, limiter, registry, table, cfg.Admin.IPAllowlist, logger).RegisterRoutes(ops)
	}

	routed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := ops.Handler(r); pattern != "" {
			ops.ServeHTTP(w, r)
			return
		}
		proxied.ServeHTTP(w, r)
	})

	var stack http.Handler = routed
	stack = middleware.Logging(logger, gw.RouteLookup, ips)(stack)
	stack = middleware.SecurityHeaders()(stack)
	stack = middleware.RequestID(stack)
	stack = middleware.Recovery(logger)(stack)

	// Health and metrics bypass the middleware stack.
	root := http.NewServeMux()
	health.New(table, registry, logger).RegisterRoutes(root)
	if cfg.Metrics.IsEnabled() {
		root.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}
	root.Handle("/", stack)

	return &server{handler: root, limiter: limiter, registry: registry}, nil
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *server) Close() {
	s.limiter.Stop()
}

func requiresAuth(table *routing.Table) bool {
	for _, r := range table.Routes() {
		if r.AuthRequired {
			return true
		}
	}
	return false
}
