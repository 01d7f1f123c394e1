package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/coda/pkg/config"
	"github.com/kadirpekel/coda/pkg/logger"
	"github.com/kadirpekel/coda/pkg/runtime"
)

// ServeCmd starts the session server.
type ServeCmd struct {
	Host string `help:"Bind address (overrides config)."`
	Port int    `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanup, err := setupLogging(cli, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	rt, err := runtime.New(cfg, runtime.WithLogger(logger.GetLogger()))
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	greenColor := "\033[38;2;16;185;129m"
	resetColor := "\033[0m"
	fmt.Printf("\n%scoda server ready%s\n", greenColor, resetColor)
	fmt.Printf("   API:         http://%s/v1\n", addr)
	fmt.Printf("   Sessions:    ws://%s/v1/sessions/{id}/ws\n", addr)
	fmt.Printf("   Health:      http://%s/healthz\n", addr)
	if cfg.Observability.Metrics.Enabled == nil || *cfg.Observability.Metrics.Enabled {
		fmt.Printf("   Metrics:     http://%s/metrics\n", addr)
	}
	if cfg.Observability.Tracing.Enabled {
		fmt.Printf("   Tracing:     otlp://%s\n", cfg.Observability.Tracing.Endpoint)
	}
	fmt.Printf("   Model:       %s/%s\n", cfg.Model.Provider, cfg.Model.Model)
	fmt.Printf("   Store:       %s (%s)\n", cfg.Store.Driver, storeLocation(cfg))
	fmt.Println("\nPress Ctrl+C to stop")

	serveErr := rt.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
	return serveErr
}

func storeLocation(cfg *config.Config) string {
	if cfg.Store.Path != "" {
		return cfg.Store.Path
	}
	return cfg.Store.DSN
}
