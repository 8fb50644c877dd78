package controller

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"jax-backtest/libs/backtest/broker"
	"jax-backtest/libs/backtest/clock"
	"jax-backtest/libs/backtest/sizing"
	"jax-backtest/libs/observability"
	"jax-backtest/libs/strategies"
)

// coordinatorID is the fixed participant name for the position-monitor
// worker, the barrier's statically designated coordinator.
const coordinatorID = "position-monitor"

// PositionManager is the position-monitor's per-cycle stop-adjustment
// pass (breakeven shift, trailing stop). Supplied by libs/backtest/
// positionmanager; accepted here as an interface to keep the controller
// free of a direct dependency on that package's concrete types.
type PositionManager interface {
	ManagePositions(ctx context.Context) error
}

// EquityPoint is one sample of the results equity curve.
type EquityPoint struct {
	Time          time.Time
	Balance       float64
	Equity        float64
	Profit        float64
	OpenPositions int
}

// Results is the run-end output record (spec'd results output).
type Results struct {
	FinalBalance  float64
	FinalEquity   float64
	TotalProfit   float64
	ProfitPercent float64
	EquityCurve   []EquityPoint
	TradeLog      []broker.ClosedTrade
}

// Config configures a Controller.
type Config struct {
	Broker      *broker.Broker
	Granularity clock.Mode
	Timing      clock.Timing
	// StrategiesBySymbol maps each traded symbol to the strategy instances
	// that trade it. A symbol with no strategies still gets a worker (it
	// simply never emits a signal) to keep the barrier's participant count
	// stable across the whole symbol universe.
	StrategiesBySymbol map[string][]strategies.Strategy
	PositionManager    PositionManager // optional

	// RiskPercent enables risk-engine sizing (C8): when a strategy's
	// signal carries Volume <= 0, the controller sizes the order itself
	// via the risk engine using this risk-per-trade percentage instead of
	// the strategy's own fixed volume. Zero disables sizing: a zero- or
	// negative-volume signal is then simply skipped.
	RiskPercent       float64
	UserMinLot        float64
	UserMaxLot        float64
	MaxRiskMultiplier float64
}

// Controller is the trading controller (C5): it owns one worker
// goroutine per symbol plus the position-monitor coordinator goroutine,
// composing them with the broker, barrier, and each symbol's strategies.
type Controller struct {
	broker             *broker.Broker
	handle             strategies.BrokerHandle
	barrier            *clock.Barrier
	granularity        clock.Mode
	strategiesBySymbol map[string][]strategies.Strategy
	posManager         PositionManager

	riskPercent       float64
	userMinLot        float64
	userMaxLot        float64
	maxRiskMultiplier float64

	initialBalance float64

	mu          sync.Mutex
	equityCurve []EquityPoint
}

// New constructs a Controller. The barrier's advance function is bound to
// the broker's tick- or minute-granularity advance method according to
// cfg.Granularity.
func New(cfg Config) *Controller {
	handle := newBrokerAdapter(cfg.Broker)

	c := &Controller{
		broker:             cfg.Broker,
		handle:             handle,
		granularity:        cfg.Granularity,
		strategiesBySymbol: cfg.StrategiesBySymbol,
		posManager:         cfg.PositionManager,
		riskPercent:        cfg.RiskPercent,
		userMinLot:         cfg.UserMinLot,
		userMaxLot:         cfg.UserMaxLot,
		maxRiskMultiplier:  cfg.MaxRiskMultiplier,
		initialBalance:     cfg.Broker.Account().Balance,
	}

	advance := cfg.Broker.AdvanceGlobalTimeTickByTick
	if cfg.Granularity == clock.Minute {
		advance = cfg.Broker.AdvanceGlobalTime
	}

	total := len(cfg.StrategiesBySymbol) + 1 // N symbol workers + the position-monitor
	c.barrier = clock.NewBarrier(total, coordinatorID, cfg.Timing, advance)
	return c
}

// Run starts one worker per symbol plus the position-monitor, and blocks
// until every worker has exited (data exhaustion or cancellation). It
// returns the accumulated results.
func (c *Controller) Run(ctx context.Context) (Results, error) {
	g, gctx := errgroup.WithContext(ctx)

	symbols := make([]string, 0, len(c.strategiesBySymbol))
	for symbol := range c.strategiesBySymbol {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols) // deterministic worker start order

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			return c.symbolWorker(gctx, symbol)
		})
	}
	g.Go(func() error {
		return c.positionMonitor(gctx)
	})

	if err := g.Wait(); err != nil {
		return Results{}, fmt.Errorf("controller.Run: %w", err)
	}
	return c.buildResults(), nil
}

// symbolWorker is one per-symbol participant: each cycle, if the symbol
// has a data update at the current simulated time, it runs every strategy
// registered for that symbol whose Initialize returned true without error
// and forwards any signal to the broker; it then blocks at the barrier
// until the next step. A panic in OnTick is recovered and handled like an
// OnTick error.
func (c *Controller) symbolWorker(ctx context.Context, symbol string) error {
	strats := c.strategiesBySymbol[symbol]
	active := make([]strategies.Strategy, 0, len(strats))
	for _, s := range strats {
		ok, err := s.Initialize(ctx)
		if err != nil {
			observability.LogEvent(ctx, "error", "strategy_initialize_failed", map[string]any{"symbol": symbol, "strategy": s.ID(), "error": err.Error()})
			continue
		}
		if ok {
			active = append(active, s)
		}
	}

	for {
		if c.broker.HasDataAtCurrentTime(symbol) {
			for _, s := range active {
				sig, err := func() (sig *strategies.TradeSignal, err error) {
					defer func() {
						if r := recover(); r != nil {
							err = fmt.Errorf("panic: %v", r)
						}
					}()
					return s.OnTick(ctx)
				}()
				if err != nil {
					// A strategy's own defect must not silently skip time
					// for others: log with symbol context and continue.
					observability.LogEvent(ctx, "error", "strategy_on_tick_failed", map[string]any{"symbol": symbol, "strategy": s.ID(), "error": err.Error()})
					continue
				}
				if sig == nil {
					continue
				}
				if sig.Volume <= 0 {
					vol, ok := c.sizeOrder(symbol, *sig)
					if !ok {
						continue
					}
					sig.Volume = vol
				}
				observability.RecordStrategySignal(ctx, s.ID(), string(sig.Side), sig.Volume)
				if _, err := c.handle.PlaceMarketOrder(ctx, sig.Symbol, sig.Side, sig.Volume, sig.StopLoss, sig.TakeProfit, sig.Magic, sig.Comment); err != nil {
					observability.LogEvent(ctx, "warn", "strategy_order_rejected", map[string]any{"symbol": symbol, "strategy": s.ID(), "error": err.Error()})
				}
			}
		}

		if !c.barrier.WaitForNextStep(ctx, symbol) {
			c.barrier.RemoveParticipant(ctx, symbol)
			break
		}
	}

	for _, s := range strats {
		s.Shutdown(ctx)
	}
	return nil
}

// sizeOrder runs the risk engine (C8) to compute a lot size for a signal
// that asked the controller to size it (Volume <= 0), using the current
// quote as the entry-price estimate the broker's own fill will use.
// Returns ok=false when sizing is disabled, the quote or symbol info is
// unavailable, or the risk engine filtered the instrument out.
func (c *Controller) sizeOrder(symbol string, sig strategies.TradeSignal) (float64, bool) {
	if c.riskPercent <= 0 {
		return 0, false
	}
	side := toBrokerSide(sig.Side)
	entry, ok := c.broker.GetCurrentPrice(symbol, side)
	if !ok {
		return 0, false
	}
	info, ok := c.broker.GetSymbolInfo(symbol)
	if !ok {
		return 0, false
	}
	acct := c.broker.Account()
	crossRate, _ := c.broker.CrossRate(info.CurrencyProfit, acct.Currency)

	res, err := sizing.Calculate(sizing.Request{
		Side:              side,
		Balance:           acct.Balance,
		RiskPercent:       c.riskPercent,
		Entry:             entry,
		StopLoss:          sig.StopLoss,
		FreeMargin:        acct.FreeMargin,
		Info:              info,
		CrossRate:         crossRate,
		UserMinLot:        c.userMinLot,
		UserMaxLot:        c.userMaxLot,
		MaxRiskMultiplier: c.maxRiskMultiplier,
	})
	if err != nil {
		observability.LogEvent(context.Background(), "warn", "risk_sizing_failed", map[string]any{"symbol": symbol, "error": err.Error()})
		return 0, false
	}
	if res.Filtered {
		observability.LogEvent(context.Background(), "info", "risk_sizing_filtered", map[string]any{"symbol": symbol, "reason": res.FilterReason})
		return 0, false
	}
	observability.RecordRiskSizing(context.Background(), symbol, res.Lots, res.ActualRiskPercent, res.MarginReduced)
	return res.Lots, true
}

// positionMonitor is the barrier's coordinator: each cycle it refreshes
// mark-to-market (minute granularity only — tick mode updates prices as
// part of each tick advance), runs the position manager's stop-adjustment
// pass, then advances the barrier, then dispatches on_position_closed for
// any trade that closed during the advance.
//
// Closed-position detection uses the broker's append-only closed-trade
// log rather than literally differencing position-book snapshots: the
// log already carries exactly the (symbol, profit, volume, comment) the
// spec's described snapshot-diff would have to reconstruct, so it is a
// strictly equivalent and simpler source of the same signal.
func (c *Controller) positionMonitor(ctx context.Context) error {
	for {
		if c.granularity == clock.Minute {
			c.broker.UpdatePositions()
		}
		if c.posManager != nil {
			if err := c.posManager.ManagePositions(ctx); err != nil {
				observability.LogEvent(ctx, "error", "position_manager_failed", map[string]any{"error": err.Error()})
			}
		}

		before := len(c.broker.ClosedTrades())
		more := c.barrier.WaitForNextStep(ctx, coordinatorID)
		trades := c.broker.ClosedTrades()

		for _, t := range trades[before:] {
			c.dispatchClosed(ctx, t)
		}
		c.recordEquityPoint()

		if !more {
			return c.barrier.Err()
		}
	}
}

func (c *Controller) dispatchClosed(ctx context.Context, t broker.ClosedTrade) {
	for _, s := range c.strategiesBySymbol[t.Symbol] {
		s.OnPositionClosed(ctx, t.Symbol, t.Profit, t.Volume, t.Comment)
	}
}

func (c *Controller) recordEquityPoint() {
	acct := c.broker.Account()
	c.mu.Lock()
	c.equityCurve = append(c.equityCurve, EquityPoint{
		Time:          c.broker.CurrentTime(),
		Balance:       acct.Balance,
		Equity:        acct.Equity,
		Profit:        acct.Balance - c.initialBalance,
		OpenPositions: len(c.broker.GetPositions("", 0)),
	})
	c.mu.Unlock()
}

// Results returns the accumulated results as of the most recent equity
// sample. Safe to call after Run returns, including after a caller has
// force-closed positions the run itself left open.
func (c *Controller) Results() Results {
	return c.buildResults()
}

func (c *Controller) buildResults() Results {
	acct := c.broker.Account()
	c.mu.Lock()
	curve := make([]EquityPoint, len(c.equityCurve))
	copy(curve, c.equityCurve)
	c.mu.Unlock()

	totalProfit := acct.Balance - c.initialBalance
	percent := 0.0
	if c.initialBalance != 0 {
		percent = totalProfit / c.initialBalance * 100
	}

	return Results{
		FinalBalance:  acct.Balance,
		FinalEquity:   acct.Equity,
		TotalProfit:   totalProfit,
		ProfitPercent: percent,
		EquityCurve:   curve,
		TradeLog:      c.broker.ClosedTrades(),
	}
}
