// Command priorq-server is the priorq broker process.
// It loads configuration, builds the queue engine, and serves the HTTP,
// WebSocket, and webhook-push transports.
//
// Usage:
//
//	priorq-server [--config path/to/config.yaml]
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
	"path/filepath"
	"syscall"
	"time"

	"github.com/mkarel/priorq/internal/broker"
	"github.com/mkarel/priorq/internal/config"
	"github.com/mkarel/priorq/internal/consumer"
	"github.com/mkarel/priorq/internal/metrics"
	"github.com/mkarel/priorq/internal/queue"
	"github.com/mkarel/priorq/internal/subs"
	transphttp "github.com/mkarel/priorq/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "priorq: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("priorq starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"priorities", cfg.Queue.Priorities,
		"capacity", cfg.Queue.Capacity,
	)

	// ── 3. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 4. Initialise broker (queue engine + monitors) ───────────────────────
	b, err := broker.New(queue.Config{
		Priorities:   cfg.Queue.Priorities,
		Capacity:     cfg.Queue.Capacity,
		AckTimeout:   cfg.Queue.AckTimeout(),
		MaxRetries:   cfg.Queue.MaxRetries,
		BoostTimeout: cfg.Queue.BoostTimeout(),
		PollInterval: cfg.Queue.PollInterval(),
	}, broker.WithMetrics(metricsReg))
	if err != nil {
		return fmt.Errorf("init broker: %w", err)
	}

	// ── 5. Initialise the webhook subscription registry + delivery loops ─────
	if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := subs.Open(filepath.Join(cfg.Server.DataDir, "subscriptions.db"))
	if err != nil {
		return fmt.Errorf("open subscription store: %w", err)
	}
	cm := consumer.NewManager(b, store)
	if err := cm.Start(); err != nil {
		return fmt.Errorf("start webhook delivery: %w", err)
	}

	// ── 6. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(b, cm, cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("priorq ready", "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 7. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cm.Close()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	if err := b.Close(); err != nil {
		slog.Warn("broker close error", "err", err)
	}
	if err := store.Close(); err != nil {
		slog.Warn("subscription store close error", "err", err)
	}

	slog.Info("priorq stopped")
	return nil
}
