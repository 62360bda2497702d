// Hub server
//
// Serves an in-memory hub tree:
// - every hub verb over HTTP, plus batches
// - content downloads with transfer status
// - SSE change feed
// - optional JWT bearer auth
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitsalade/hub/internal/config"
	"github.com/fruitsalade/fruitsalade/hub/internal/logging"
	"github.com/fruitsalade/fruitsalade/hub/internal/memhub"
	"github.com/fruitsalade/fruitsalade/hub/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("hub server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	hub := memhub.NewHub(logging.L())
	if cfg.SeedFile != "" {
		data, err := os.ReadFile(cfg.SeedFile)
		if err != nil {
			logging.Fatal("read seed file", zap.String("path", cfg.SeedFile), zap.Error(err))
		}
		if err := hub.Seed(string(data)); err != nil {
			logging.Fatal("seed failed", zap.Error(err))
		}
	}

	var auth *memhub.Auth
	if cfg.JWTSecret != "" {
		auth = memhub.NewAuth(cfg.JWTSecret)
		logging.Info("bearer token auth enabled")
	} else {
		logging.Warn("JWT_SECRET not set, hub endpoints are open")
	}
	srv := memhub.NewServer(hub, auth)

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		for range hup {
			reloadLogLevel()
		}
	}()

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			// Change feed streams only end when their clients leave.
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)",
		zap.String("addr", cfg.ListenAddr),
		zap.Int("nodes", hub.Size()))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// reloadLogLevel re-reads the configuration and applies its log level.
// Other settings only take effect on restart.
func reloadLogLevel() {
	cfg, err := config.Load()
	if err != nil {
		logging.Error("reload configuration", zap.Error(err))
		return
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logging.Error("reload log level", zap.String("level", cfg.LogLevel), zap.Error(err))
		return
	}
	logging.Info("log level reloaded", zap.String("level", logging.Level()))
}
