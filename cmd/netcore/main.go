// Package main runs the netcore client as a service. It loads
// configuration, builds the outbound transport and client, exposes the
// health, metrics and admin endpoints, and shuts down gracefully on
// SIGINT/SIGTERM.
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

	"github.com/dskow/netcore/internal/admin"
	"github.com/dskow/netcore/internal/auth"
	"github.com/dskow/netcore/internal/client"
	"github.com/dskow/netcore/internal/config"
	"github.com/dskow/netcore/internal/health"
	"github.com/dskow/netcore/internal/logging"
	"github.com/dskow/netcore/internal/metrics"
	"github.com/dskow/netcore/internal/middleware"
	"github.com/dskow/netcore/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/netcore.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(*configPath, cfg, logger); err != nil {
		logger.Error("netcore exited", "error", err)
		logger.Close()
		os.Exit(1)
	}
}

func run(configPath string, cfg *config.Config, logger *logging.Logger) error {
	log := logger.Logger

	for _, w := range cfg.Warnings {
		log.Warn("config warning", "message", w)
	}

	log.Info("configuration loaded",
		"port", cfg.Server.Port,
		"rate_limit_rps", cfg.RateLimit.RequestsPerSecond,
		"max_concurrent", cfg.RequestPool.MaxConcurrentRequests,
		"cache_ttl", cfg.Cache.TTL(),
		"max_retries", cfg.Retry.Retries(),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"mtls", cfg.Transport.TLS.Enabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	tr, err := transport.New(cfg.Transport, log.With("component", "transport"))
	if err != nil {
		return fmt.Errorf("building transport: %w", err)
	}
	defer tr.Close()

	c, err := client.New(cfg, tr, log.With("component", "client"))
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}
	defer c.Close()

	verifier := auth.NewVerifier(cfg.Auth)
	s := newServer(cfg, c, verifier, log)

	reloader := config.NewReloader(configPath, cfg, log)
	reloader.OnReload(func(newCfg *config.Config) {
		if err := c.UpdateConfig(newCfg); err != nil {
			log.Error("client config not applied", "error", err)
		}
		verifier.UpdateConfig(newCfg.Auth)
		if s.admin != nil {
			s.admin.SetAllowlist(newCfg.Admin.IPAllowlist)
		}
		logger.SetLevel(newCfg.Logging.Level)
	})
	reloader.Start()
	defer reloader.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting netcore", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	s.health.SetDraining(true)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	log.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	log.Info("netcore stopped gracefully")
	return nil
}

type server struct {
	handler http.Handler
	health  *health.Handler
	admin   *admin.Handler // nil when the admin API is disabled
}

// newServer assembles the HTTP surface around c:
// Recovery → RequestID → Logging → {health, metrics, admin}.
func newServer(cfg *config.Config, c *client.Client, verifier *auth.Verifier, log *slog.Logger) *server {
	s := &server{}

	mux := http.NewServeMux()
	s.health = health.New(c, log)
	s.health.RegisterRoutes(mux)

	if cfg.Metrics.IsEnabled() {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		log.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	if cfg.Admin.Enabled {
		s.admin = admin.New(c, verifier, cfg.Admin.IPAllowlist, log.With("component", "admin"))
		s.admin.RegisterRoutes(mux, cfg.Server.MaxBodyBytes)
		log.Info("admin API registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	var handler http.Handler = mux
	handler = middleware.Logging(log, middleware.LoggingOptions{
		QuietPaths: []string{"/health", "/ready", cfg.Metrics.Path},
	})(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(log)(handler)
	s.handler = handler

	return s
}
