// cmd/backtest-runner hosts the deterministic backtesting core as a small
// HTTP service (plus /health and /metrics): a POST /backtest endpoint that loads a registered
// dataset, wires the tick timeline, candle store, simulated broker, and
// trading controller, runs the simulation to completion, and returns the
// results record.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"jax-backtest/libs/backtest/broker"
	"jax-backtest/libs/backtest/candle"
	"jax-backtest/libs/observability"
	"jax-backtest/libs/strategies"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
	startTime = time.Now()
)

func main() {
	ctx := context.Background()

	cfg, err := LoadRunnerConfig(envOrDefault("CONFIG_FILE", ""))
	if err != nil {
		fatal(ctx, "invalid_configuration", err)
	}

	observability.LogEvent(ctx, "info", "startup", map[string]any{
		"version": version, "build_time": buildTime, "port": cfg.Port,
	})

	registry := strategies.NewRegistry()

	btDeps, err := newBacktestDeps(registry, cfg.DatasetDir)
	if err != nil {
		fatal(ctx, "backtest_engine_wiring_failed", err)
	}

	if cfg.ArchiveBaseURL != "" {
		var rdb *redis.Client
		if cfg.RedisAddr != "" {
			rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		}
		btDeps.datasets.WithBackfill(candle.NewCacheBackfill(rdb, cfg.ArchiveBaseURL))
		observability.LogEvent(ctx, "info", "candle_backfill_enabled", map[string]any{"cached": rdb != nil})
	}

	if cfg.PostgresDSN != "" {
		ledgerCtx, ledgerCancel := context.WithTimeout(context.Background(), 10*time.Second)
		ledger, err := broker.OpenTradeLedger(ledgerCtx, cfg.PostgresDSN, "runner")
		ledgerCancel()
		if err != nil {
			fatal(ctx, "trade_ledger_open_failed", err)
		}
		defer ledger.Close()
		btDeps.ledger = ledger
		observability.LogEvent(ctx, "info", "trade_ledger_enabled", nil)
	}

	btDeps.defaultRiskPerTrade = cfg.DefaultRiskPerTrade

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/metrics", handleMetrics)
	mux.HandleFunc("/backtest", handleBacktest(btDeps))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // a backtest run can take a while
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		observability.LogEvent(ctx, "info", "listening", map[string]any{"port": cfg.Port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(ctx, "server_error", err)
		}
	}()

	<-quit
	observability.LogEvent(ctx, "info", "shutdown_started", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		observability.LogEvent(ctx, "error", "shutdown_error", map[string]any{"error": err.Error()})
	}
	observability.LogEvent(ctx, "info", "shutdown_complete", nil)
}

// fatal logs a structured fatal event and terminates the process, the
// structured-logging equivalent of log.Fatalf for startup failures.
func fatal(ctx context.Context, event string, err error) {
	observability.LogEvent(ctx, "error", event, map[string]any{"error": err.Error()})
	os.Exit(1)
}

// handleHealth returns a simple liveness response.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"service": "jax-backtest-runner",
		"status":  "healthy",
		"uptime":  time.Since(startTime).Round(time.Second).String(),
		"version": version,
	})
}

// handleMetrics serves the process-wide metrics registry in Prometheus
// text exposition format.
func handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	observability.MetricsRegistry().WriteText(w)
}
