package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"jax-backtest/internal/modules/backtest"
	"jax-backtest/libs/backtest/broker"
	"jax-backtest/libs/dataset"
	"jax-backtest/libs/observability"
	"jax-backtest/libs/strategies"
)

// ─── Backtest HTTP handler (L04) ──────────────────────────────────────────────

// backtestDeps are created once at startup and closed over per request.
type backtestDeps struct {
	engine   *backtest.Engine
	datasets *dataset.Registry
	// ledger is an optional durable trade-ledger sink attached at startup
	// when POSTGRES_DSN is configured; nil disables it.
	ledger *broker.TradeLedger
	// defaultRiskPerTrade seeds BacktestRequest.RiskPerTrade when a caller
	// omits it, overriding the engine's own hardcoded 0.01 fallback.
	defaultRiskPerTrade float64
}

// newBacktestDeps wires up the backtest engine and dataset registry.
// The dataset catalog directory is configurable via DATASET_DIR env var;
// it defaults to "data/datasets" relative to the working directory.
func newBacktestDeps(registry *strategies.Registry, datasetDir string) (*backtestDeps, error) {
	if datasetDir == "" {
		datasetDir = filepath.Join("data", "datasets")
	}

	ds, err := dataset.Open(datasetDir)
	if err != nil {
		return nil, fmt.Errorf("backtest: open dataset registry at %q: %w", datasetDir, err)
	}

	return &backtestDeps{
		engine:   backtest.New(registry),
		datasets: ds,
	}, nil
}

// ─── request / response types ─────────────────────────────────────────────────

// BacktestRequest is the POST /backtest JSON payload.
type BacktestRequest struct {
	// Strategy is one of "TB" (true breakout), "FB" (fakeout), "HFT" (HFT momentum).
	Strategy string `json:"strategy"`
	// Symbols is the list of tickers to back-test, one worker per symbol.
	Symbols []string `json:"symbols"`
	// StartDate / EndDate in YYYY-MM-DD format (inclusive).
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	// InitialCapital in USD.  Defaults to 100 000 when 0.
	InitialCapital float64 `json:"initial_capital"`
	// RiskPerTrade as a fraction (e.g. 0.01 = 1 %).  Defaults to the runner's
	// configured default_risk_per_trade (0.01 unless overridden) when 0.
	RiskPerTrade float64 `json:"risk_per_trade"`
	// DatasetID is the UUID of a registered dataset from libs/dataset.
	// Required — this runner has no live broker connection to fall back to.
	DatasetID string `json:"dataset_id"`
	// Seed makes the run deterministic.  0 = auto-generate from wall clock.
	Seed int64 `json:"seed"`
}

// BacktestResponse is the JSON payload returned on success, mirroring the
// backtesting core's results output record (spec §6).
type BacktestResponse struct {
	RunID      string   `json:"run_id"`
	Strategy   string   `json:"strategy"`
	Symbols    []string `json:"symbols"`
	Seed       int64    `json:"seed"`
	DurationMs int64    `json:"duration_ms"`
	// Core metrics forwarded from the trading controller's Results.
	FinalBalance  float64 `json:"final_balance"`
	FinalEquity   float64 `json:"final_equity"`
	TotalProfit   float64 `json:"total_profit"`
	ProfitPercent float64 `json:"profit_percent"`
	TotalTrades   int     `json:"total_trades"`
	// DatasetInfo shows which dataset was used (for reproducibility).
	DatasetID   string `json:"dataset_id"`
	DatasetHash string `json:"dataset_hash,omitempty"`
}

// ─── handler ──────────────────────────────────────────────────────────────────

const dateFmt = "2006-01-02"

// handleBacktest processes POST /backtest.
func handleBacktest(deps *backtestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx := observability.WithRunInfo(r.Context(), observability.RunInfo{
			RunID:  observability.NewRunID(),
			FlowID: observability.NewFlowID(),
		})

		var req BacktestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
			return
		}

		if err := validateBacktestRequest(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		startDate, _ := time.Parse(dateFmt, req.StartDate)
		endDate, _ := time.Parse(dateFmt, req.EndDate)

		// Load dataset from registry.
		ds, err := deps.datasets.Get(req.DatasetID)
		if err != nil {
			http.Error(w, fmt.Sprintf("dataset not found: %v", err), http.StatusBadRequest)
			return
		}

		// Guard against mutated files breaking reproducibility.
		if err := deps.datasets.VerifyHash(req.DatasetID); err != nil {
			observability.LogEvent(ctx, "warn", "dataset_integrity_failure", map[string]any{"error": err.Error()})
			http.Error(w, fmt.Sprintf("dataset integrity check failed: %v", err), http.StatusConflict)
			return
		}

		csvSrc, err := deps.datasets.LoadDataSourceBackfilled(ctx, req.DatasetID, startDate, endDate)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to load dataset: %v", err), http.StatusInternalServerError)
			return
		}

		riskPerTrade := req.RiskPerTrade
		if riskPerTrade <= 0 {
			riskPerTrade = deps.defaultRiskPerTrade
		}

		cfg := backtest.Config{
			StrategyName:   req.Strategy,
			Symbols:        req.Symbols,
			StartDate:      startDate,
			EndDate:        endDate,
			DataSource:     csvSrc,
			Seed:           req.Seed,
			InitialCapital: req.InitialCapital,
			RiskPerTrade:   riskPerTrade,
			Ledger:         deps.ledger,
		}

		observability.LogEvent(ctx, "info", "backtest_started", map[string]any{
			"strategy": req.Strategy, "symbols": req.Symbols, "dataset_id": req.DatasetID, "seed": req.Seed,
		})

		result, err := deps.engine.Run(ctx, cfg)
		if err != nil {
			observability.LogEvent(ctx, "error", "backtest_failed", map[string]any{"error": err.Error()})
			http.Error(w, fmt.Sprintf("backtest failed: %v", err), http.StatusInternalServerError)
			return
		}

		resp := BacktestResponse{
			RunID:         result.RunID,
			Strategy:      req.Strategy,
			Symbols:       result.Symbols,
			Seed:          result.Seed,
			DurationMs:    result.DurationMs,
			FinalBalance:  result.FinalBalance,
			FinalEquity:   result.FinalEquity,
			TotalProfit:   result.TotalProfit,
			ProfitPercent: result.ProfitPercent,
			TotalTrades:   len(result.TradeLog),
			DatasetID:     ds.ID,
			DatasetHash:   ds.Hash[:12],
		}

		observability.LogEvent(ctx, "info", "backtest_complete", map[string]any{
			"run_id": result.RunID, "trades": len(result.TradeLog),
			"total_profit": result.TotalProfit, "profit_percent": result.ProfitPercent,
		})

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}
}

// validateBacktestRequest returns an error for any missing required field.
func validateBacktestRequest(req BacktestRequest) error {
	if req.Strategy == "" {
		return fmt.Errorf("strategy is required")
	}
	if len(req.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if req.StartDate == "" {
		return fmt.Errorf("start_date is required (YYYY-MM-DD)")
	}
	if req.EndDate == "" {
		return fmt.Errorf("end_date is required (YYYY-MM-DD)")
	}
	if _, err := time.Parse(dateFmt, req.StartDate); err != nil {
		return fmt.Errorf("start_date must be YYYY-MM-DD, got %q", req.StartDate)
	}
	if _, err := time.Parse(dateFmt, req.EndDate); err != nil {
		return fmt.Errorf("end_date must be YYYY-MM-DD, got %q", req.EndDate)
	}
	if req.DatasetID == "" {
		return fmt.Errorf("dataset_id is required (this runner has no live broker connection)")
	}
	return nil
}
