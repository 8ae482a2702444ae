package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/hybridrag/internal/app"
	"github.com/knoguchi/hybridrag/internal/auth"
	"github.com/knoguchi/hybridrag/internal/config"
	"github.com/knoguchi/hybridrag/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	slog.SetDefault(app.NewLogger(cfg.LogLevel))

	if err := run(cfg); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance := app.InstanceID()
	slog.Info("starting retrieval service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"instance", instance,
		"stats_backend", cfg.StatsBackend,
		"vector_backend", cfg.VectorBackend,
	)

	a, err := app.Build(ctx, cfg, instance)
	if err != nil {
		return err
	}
	defer a.Close()

	var jwtManager *auth.JWTManager
	if cfg.Environment != "development" || cfg.JWTSecret != "change-this-in-production" {
		jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
		jwtCfg.Expiry = cfg.JWTExpiry
		jwtManager = auth.NewJWTManager(jwtCfg)
	}

	grpcServer := server.NewGRPCServer(server.GRPCServerConfig{
		Port:   cfg.GRPCPort,
		Logger: slog.Default(),
	})

	httpServer, err := server.NewHTTPServer(server.HTTPServerConfig{
		Port:      cfg.HTTPPort,
		Logger:    slog.Default(),
		Retriever: a.Retrieval,
		Rebuilder: a.Job,
		Holder:    a.Holder,
		Checks:    a.Checks,
		Metrics:   a.Metrics,
		JWT:       jwtManager,
	})
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	errCh := make(chan error, 3)

	go func() {
		if err := grpcServer.Start(); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if a.Subscriber != nil {
		go func() {
			if err := a.Subscriber.Start(ctx); err != nil {
				slog.Error("stats subscriber stopped", "error", err)
			}
		}()
	}

	grpcServer.SetServing(true)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	// Graceful shutdown
	slog.Info("shutting down servers...")
	grpcServer.SetServing(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown gRPC server", "error", err)
	}

	slog.Info("servers stopped")
	return nil
}
