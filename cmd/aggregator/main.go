// Package main — cmd/aggregator/main.go
//
// Aggregator entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/aggregator/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Open BoltDB storage, reconstruct in-memory state from persisted
//     snapshots.
//  4. Start Prometheus metrics + healthz server.
//  5. Start the HTTP API router.
//  6. Start the periodic tick (prune + poll_bridge_followups +
//     refresh_treasury_metrics).
//  7. Register SIGHUP handler for config hot-reload.
//  8. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (propagates to every goroutine).
//  2. Shut down the HTTP server with a bounded drain timeout.
//  3. Persist final snapshots.
//  4. Close BoltDB.
//  5. Flush logger.
//  6. Exit 0.
//
// On config validation failure: exit 1 immediately.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octoreflex/aggregator/internal/aggregator"
	"github.com/octoreflex/aggregator/internal/config"
	"github.com/octoreflex/aggregator/internal/httpapi"
	"github.com/octoreflex/aggregator/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/aggregator/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("aggregator %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: Load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: Initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("aggregator starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: Open BoltDB, reconstruct state ────────────────────────────
	db, err := store.Open(cfg.Storage.DBPath, cfg.Ingest.WALPath)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	state, err := aggregator.New(ctx, *cfg, db, log)
	if err != nil {
		log.Fatal("aggregator state init failed", zap.Error(err))
	}
	defer state.Close() //nolint:errcheck

	startupPruned := state.Ingest.Prune(time.Now().Unix())
	log.Info("startup retention sweep complete", zap.Int("pruned", startupPruned))

	// ── Step 4: Metrics + healthz server ───────────────────────────────────
	go func() {
		if err := state.Metrics.Serve(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Step 5: HTTP API router ─────────────────────────────────────────────
	router := httpapi.NewRouter(state, log)
	srv := &http.Server{
		Addr:         cfg.Ingest.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info("http api listening", zap.String("addr", cfg.Ingest.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http api server error", zap.Error(err))
		}
	}()

	// ── Step 6: Periodic tick ───────────────────────────────────────────────
	tickInterval := cfg.CleanupInterval()
	go state.RunTicker(ctx, tickInterval)
	log.Info("periodic tick started", zap.Duration("interval", tickInterval))

	// ── Step 7: SIGHUP hot-reload ────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			if err := state.Reload(*newCfg); err != nil {
				log.Error("config hot-reload apply failed", zap.Error(err))
				continue
			}
			log.Info("config hot-reload applied")
		}
	}()

	// ── Step 8: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http api shutdown did not complete cleanly", zap.Error(err))
	}

	state.Tick(time.Now().Unix())
	log.Info("aggregator shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
