package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connector-orchestrator/internal/app"
	"connector-orchestrator/internal/config"
	"connector-orchestrator/internal/store"
	"connector-orchestrator/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := telemetry.SetupLogger().With("service", "orchestrator-api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if cfg.MigrateOnStart {
		if err := store.MigrateUp(cfg.PostgresDSN); err != nil {
			logger.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}

	c, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           c.APIServer().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "mode", cfg.APIMode, "auth", cfg.AuthMode, "queue_backend", cfg.QueueBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("api stopped")
}
