package observability

import (
	"context"
	"strconv"
	"time"
)

// globalRegistry backs every Record* helper below and is served at
// cmd/backtest-runner's /metrics endpoint alongside /health.
var globalRegistry = NewRegistry()

var (
	signalsPublished = globalRegistry.NewCounter(
		"jax_strategy_signals_total", "Trade signals emitted by strategy and side.")
	backtestRunsTotal = globalRegistry.NewCounter(
		"jax_backtest_runs_total", "Completed backtest runs by outcome.")
	backtestRunLatency = globalRegistry.NewHistogram(
		"jax_backtest_run_seconds", "Backtest run wall-clock duration.", nil)
	backtestTrades = globalRegistry.NewHistogram(
		"jax_backtest_trades", "Closed trades produced per backtest run.",
		[]float64{1, 5, 10, 25, 50, 100, 250, 500})
	candleBackfillLatency = globalRegistry.NewHistogram(
		"jax_candle_backfill_seconds", "Archive backfill fetch latency by symbol.", nil)
	candleBackfillFailures = globalRegistry.NewCounter(
		"jax_candle_backfill_failures_total", "Archive backfill fetches that failed, by symbol.")
	riskSizingLots = globalRegistry.NewHistogram(
		"jax_risk_sizing_lots", "Lot sizes produced by the risk engine, by symbol.", nil)
	riskMarginReduced = globalRegistry.NewCounter(
		"jax_risk_margin_reduced_total", "Risk-sizing decisions the 80%-margin cap scaled down, by symbol.")
)

// MetricsRegistry returns the process-wide Prometheus registry so an HTTP
// handler can expose it in text exposition format.
func MetricsRegistry() *Registry { return globalRegistry }

// RecordStrategySignal logs a strategy-emitted trade signal: which
// strategy fired, on which side, and the lot size the risk engine sized it
// to (0 before sizing runs).
func RecordStrategySignal(ctx context.Context, strategyID, side string, volume float64) {
	signalsPublished.Inc("strategy", strategyID, "side", side)
	LogEvent(ctx, "info", "metric", map[string]any{
		"name":     "strategy_signal",
		"strategy": strategyID,
		"side":     side,
		"volume":   volume,
	})
}

// RecordBacktestRun logs a completed trading-controller run: its wall-clock
// duration, the number of closed trades it produced, and whether it
// finished cleanly.
func RecordBacktestRun(ctx context.Context, duration time.Duration, trades int, err error) {
	backtestRunsTotal.Inc("success", strconv.FormatBool(err == nil))
	backtestRunLatency.ObserveDuration(duration)
	backtestTrades.Observe(float64(trades))

	fields := map[string]any{
		"name":       "backtest_run",
		"latency_ms": duration.Milliseconds(),
		"trades":     trades,
		"success":    err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	LogEvent(ctx, "info", "metric", fields)
}

// RecordCandleBackfill logs one archive-backfill fetch attempt for a
// symbol/timeframe/day the local dataset was missing.
func RecordCandleBackfill(ctx context.Context, symbol string, duration time.Duration, err error) {
	candleBackfillLatency.ObserveDuration(duration, "symbol", symbol)
	if err != nil {
		candleBackfillFailures.Inc("symbol", symbol)
	}

	fields := map[string]any{
		"name":       "candle_backfill",
		"symbol":     symbol,
		"latency_ms": duration.Milliseconds(),
		"success":    err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	LogEvent(ctx, "info", "metric", fields)
}

// RecordRiskSizing logs one risk-engine sizing decision: the lots it
// produced, the fraction of balance actually at risk, and whether the
// margin cap forced a reduction.
func RecordRiskSizing(ctx context.Context, symbol string, lots, actualRiskPercent float64, marginReduced bool) {
	riskSizingLots.Observe(lots, "symbol", symbol)
	if marginReduced {
		riskMarginReduced.Inc("symbol", symbol)
	}

	LogEvent(ctx, "info", "metric", map[string]any{
		"name":            "risk_sizing",
		"symbol":          symbol,
		"lots":            lots,
		"actual_risk_pct": actualRiskPercent,
		"margin_reduced":  marginReduced,
	})
}
