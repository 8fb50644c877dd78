// Package backtest is cmd/backtest-runner's entry point into the
// backtesting core (jax-backtest/libs/backtest): it turns one registered
// dataset plus a strategy name into a wired broker, candle store, tick
// timeline, and trading controller, runs the simulation to completion, and
// records the seed so the run can be reproduced exactly.
package backtest

import (
	"context"
	"fmt"
	"time"

	"jax-backtest/libs/backtest/broker"
	"jax-backtest/libs/backtest/candle"
	"jax-backtest/libs/backtest/clock"
	"jax-backtest/libs/backtest/controller"
	"jax-backtest/libs/backtest/positionmanager"
	"jax-backtest/libs/backtest/tick"
	"jax-backtest/libs/observability"
	"jax-backtest/libs/strategies"
)

// DataSource is the narrow slice of dataset.CSVDataSource the engine needs:
// a candle.Store seed and a synthetic tick.Source per symbol. Declared here
// (rather than imported from libs/dataset) to keep the engine decoupled
// from any one data-loading mechanism.
type DataSource interface {
	SeedStore(store *candle.Store, tf candle.Timeframe, symbol string, warmupStart, end time.Time) error
	Ticks(symbol string, point, spreadPoints float64, start, end time.Time) tick.Source
}

// Config holds the configuration for a single backtest run.
type Config struct {
	// StrategyName selects the strategy family: "TB" (true breakout),
	// "FB" (fakeout), or "HFT" (HFT momentum).
	StrategyName string
	// Symbols is the list of ticker symbols to back-test, one worker per
	// symbol plus one strategy instance each.
	Symbols []string
	// StartDate / EndDate bound the tradeable span; candles before
	// StartDate seed the strategies' lookback window but generate no ticks,
	// and any position still open at EndDate is force-closed there.
	StartDate time.Time
	EndDate   time.Time
	// WarmupDays is how far before StartDate the candle store is seeded so
	// strategies have lookback history on their very first tick; defaults
	// to 30 when zero.
	WarmupDays int
	// DataSource supplies historical candles for every symbol.
	DataSource DataSource
	// Seed makes the run's RunID reproducible. 0 = auto-generate from wall clock.
	Seed int64
	// InitialCapital in account currency; defaults to 100_000 when zero.
	InitialCapital float64
	// RiskPerTrade as a fraction (e.g. 0.01 = 1%) of balance risked per
	// signal; defaults to 0.01 when zero. Drives the risk engine (C8) for
	// any strategy signal that asks the controller to size the order.
	RiskPerTrade float64
	// ReferenceTF / ConfirmationTF are the range/confirmation timeframes
	// the breakout and fakeout strategies watch; default M15/M1.
	ReferenceTF strategies.Timeframe
	ConfirmationTF strategies.Timeframe
	// Ledger is an optional durable trade-ledger sink (C3 persistence).
	// Nil disables it; the JSON trade journal always runs regardless.
	Ledger *broker.TradeLedger
}

// Result is the run-end output record plus run metadata required for
// artifact creation (seed, run ID, timing).
type Result struct {
	controller.Results
	Symbols        []string
	Seed           int64
	RunID          string
	RunAt          time.Time
	DurationMs     int64
	InitialCapital float64
}

// Engine runs deterministic backtests over the C1-C8 backtesting core,
// instantiating a fresh strategy per symbol per run bound to that run's own
// broker, never reusing a live-trading registry's long-lived instances.
type Engine struct{}

// New creates a backtest Engine. The strategy Registry parameter is kept so
// callers that also expose a catalog of strategy names/descriptions (e.g.
// for a "list available strategies" endpoint) don't need a second type;
// the Engine itself ignores registry-bound instances and builds its own.
func New(_ *strategies.Registry) *Engine {
	return &Engine{}
}

// pointDefault is the FX-style point size assumed when the dataset does not
// carry its own symbol info (the research runtime's CSV datasets are plain
// OHLCV, with no symbol metadata file).
const pointDefault = 0.0001

// Run executes a deterministic backtest.
//
// The seed is stored in Result.Seed and must be preserved in the artifact's
// ValidationInfo so that any later replay run produces identical trades.
func (e *Engine) Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.StrategyName == "" {
		return nil, fmt.Errorf("backtest: strategy name is required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("backtest: at least one symbol is required")
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	capital := cfg.InitialCapital
	if capital <= 0 {
		capital = 100_000
	}
	risk := cfg.RiskPerTrade
	if risk <= 0 {
		risk = 0.01
	}
	refTF := cfg.ReferenceTF
	if refTF == "" {
		refTF = strategies.M15
	}
	confTF := cfg.ConfirmationTF
	if confTF == "" {
		confTF = strategies.M1
	}
	warmupDays := cfg.WarmupDays
	if warmupDays <= 0 {
		warmupDays = 30
	}
	warmupStart := cfg.StartDate.AddDate(0, 0, -warmupDays)

	candles := candle.NewStore()
	symbolInfo := make(map[string]broker.SymbolInfo, len(cfg.Symbols))
	sources := make([]tick.Source, 0, len(cfg.Symbols))

	// The broker handle looks candles up under the candle package's own
	// timeframe names ("15m", not "M15"), so the store is seeded under those.
	storeTF := func(tf strategies.Timeframe) candle.Timeframe {
		names := map[strategies.Timeframe]candle.Timeframe{strategies.M1: candle.M1, strategies.M5: candle.M5,
			strategies.M15: candle.M15, strategies.H1: candle.H1, strategies.H4: candle.H4}
		if name, ok := names[tf]; ok {
			return name
		}
		return candle.Timeframe(tf)
	}
	for _, symbol := range cfg.Symbols {
		if err := cfg.DataSource.SeedStore(candles, storeTF(refTF), symbol, warmupStart, cfg.EndDate); err != nil {
			return nil, fmt.Errorf("backtest: seed candles for %s: %w", symbol, err)
		}
		if err := cfg.DataSource.SeedStore(candles, storeTF(confTF), symbol, warmupStart, cfg.EndDate); err != nil {
			return nil, fmt.Errorf("backtest: seed confirmation candles for %s: %w", symbol, err)
		}
		sources = append(sources, cfg.DataSource.Ticks(symbol, pointDefault, 2, cfg.StartDate, cfg.EndDate))
		symbolInfo[symbol] = defaultSymbolInfo()
	}
	candles.AdvanceNow(cfg.StartDate)

	timeline, err := tick.NewTimeline(sources)
	if err != nil {
		return nil, fmt.Errorf("backtest: build tick timeline: %w", err)
	}

	brk := broker.New(broker.Config{
		InitialBalance: capital,
		Currency:       "USD",
		Symbols:        symbolInfo,
		Candles:        candles,
		Timeline:       timeline,
		Ledger:         cfg.Ledger,
	})
	handle := controller.NewBrokerHandle(brk)

	stratsBySymbol := make(map[string][]strategies.Strategy, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		strat, err := newStrategy(cfg.StrategyName, symbol, refTF, confTF, handle)
		if err != nil {
			return nil, err
		}
		stratsBySymbol[symbol] = []strategies.Strategy{strat}
	}

	posManager := positionmanager.New(brk, defaultPositionPolicy())

	ctrl := controller.New(controller.Config{
		Broker:             brk,
		Granularity:        clock.Tick,
		Timing:             clock.MaxSpeed,
		StrategiesBySymbol: stratsBySymbol,
		PositionManager:    posManager,
		RiskPercent:        risk * 100,
		MaxRiskMultiplier:  3,
	})

	runAt := time.Now()
	results, err := ctrl.Run(ctx)
	if err == nil {
		closeOpenPositionsAt(ctx, brk, cfg.EndDate)
		results = ctrl.Results()
	}
	observability.RecordBacktestRun(ctx, time.Since(runAt), len(results.TradeLog), err)
	if err != nil {
		return nil, fmt.Errorf("backtest run failed for strategy %q: %w", cfg.StrategyName, err)
	}

	return &Result{
		Results:        results,
		Symbols:        cfg.Symbols,
		Seed:           seed,
		RunID:          fmt.Sprintf("bt_%s_%d", cfg.StrategyName, seed),
		RunAt:          runAt,
		DurationMs:     time.Since(runAt).Milliseconds(),
		InitialCapital: capital,
	}, nil
}

// closeOpenPositionsAt force-closes every position still open once the run
// has exhausted its tick timeline, mirroring how a bounded backtest window
// must terminate accounting at its own EndDate rather than leave trades
// open indefinitely. A zero EndDate (unbounded run) is a no-op.
func closeOpenPositionsAt(ctx context.Context, brk *broker.Broker, endDate time.Time) {
	if endDate.IsZero() {
		return
	}
	for _, p := range brk.GetPositions("", 0) {
		if _, err := brk.ClosePosition(ctx, p.Ticket); err != nil {
			observability.LogEvent(ctx, "warn", "force_close_failed", map[string]any{"ticket": p.Ticket, "error": err.Error()})
		}
	}
}

// defaultPositionPolicy is the breakeven/trailing-stop tuning the position
// manager (C7) runs with on every backtest: move to breakeven once a trade
// reaches 1R, then trail by a fixed distance once it reaches 1.5R.
func defaultPositionPolicy() positionmanager.Policy {
	return positionmanager.Policy{
		BreakevenEnabled:   true,
		BreakevenTriggerRR: 1.0,
		BreakevenBuffer:    0,
		TrailingEnabled:    true,
		TrailMode:          positionmanager.TrailFixed,
		TrailingTriggerRR:  1.5,
		TrailingDistance:   20, // points
	}
}

// newStrategy builds a fresh strategy instance for one symbol, bound to
// this run's broker handle, with the default tuning each family ships with.
func newStrategy(name, symbol string, refTF, confTF strategies.Timeframe, handle strategies.BrokerHandle) (strategies.Strategy, error) {
	switch name {
	case "TB":
		return strategies.NewTrueBreakoutStrategy(symbol, strategies.TrueBreakoutConfig{
			RangeID:               fmt.Sprintf("%s_%s", refTF, confTF),
			ReferenceTF:           refTF,
			ConfirmationTF:        confTF,
			RetestTolerancePct:    0.001,
			RetestTolerancePoints: 20,
			Point:                 pointDefault,
			VolumeLookback:        20,
			MinVolumeMultiplier:   1.5,
			RiskRewardRatio:       2.0,
			Volume:                0, // controller sizes via the risk engine
			Magic:                 1001,
		}, handle), nil
	case "FB":
		return strategies.NewFakeoutStrategy(symbol, strategies.FakeoutConfig{
			RangeID:             fmt.Sprintf("%s_%s", refTF, confTF),
			ReferenceTF:         refTF,
			ConfirmationTF:      confTF,
			VolumeLookback:      20,
			MaxVolumeMultiplier: 0.8,
			RiskRewardRatio:     1.5,
			Volume:              0,
			Magic:               1002,
		}, handle), nil
	case "HFT":
		return strategies.NewHFTMomentumStrategy(symbol, strategies.HFTMomentumConfig{
			TickMomentumCount:   5,
			MinMomentumPoints:   3,
			SpreadLookback:      20,
			MaxSpreadMultiplier: 1.5,
			StopLossPoints:      10,
			RiskRewardRatio:     1.5,
			Point:               pointDefault,
			Volume:              0,
			Magic:               1003,
		}, handle), nil
	default:
		return nil, fmt.Errorf("backtest: unknown strategy %q (expected TB, FB, or HFT)", name)
	}
}

// defaultSymbolInfo is the generic 4-digit FX-style contract used when the
// dataset carries no symbol metadata of its own.
func defaultSymbolInfo() broker.SymbolInfo {
	return broker.SymbolInfo{
		Point:          pointDefault,
		Digits:         4,
		MinLot:         0.01,
		MaxLot:         100,
		LotStep:        0.01,
		TickValue:      1,
		ContractSize:   100_000,
		CurrencyBase:   "USD",
		CurrencyProfit: "USD",
		TradingAllowed: true,
		Leverage:       100,
	}
}
