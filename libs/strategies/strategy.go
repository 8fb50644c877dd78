// Package strategies defines the lifecycle contract every trading
// strategy implements, a broker-facing service seam strategies use to
// observe prices and place orders, and the signal validation framework
// strategies use to gate entries and encode their reasoning into the
// trade comment.
package strategies

import (
	"context"
	"time"
)

// Side mirrors the broker's position side without importing the broker
// package directly, keeping strategies free of a dependency on the
// backtest core (the core depends on strategies, not the reverse).
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Timeframe mirrors the candle store's timeframe identifiers.
type Timeframe string

const (
	M1  Timeframe = "M1"
	M5  Timeframe = "M5"
	M15 Timeframe = "M15"
	H1  Timeframe = "H1"
	H4  Timeframe = "H4"
)

// Candle is the OHLC view a strategy reads through its broker handle.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// Position is the open-position view a strategy reads through its
// broker handle.
type Position struct {
	Ticket       int64
	Symbol       string
	Side         Side
	Volume       float64
	OpenPrice    float64
	OpenTime     time.Time
	SL           float64
	TP           float64
	CurrentPrice float64
	Profit       float64
	Magic        int64
	Comment      string
}

// ClosedTrade is returned by ClosePosition.
type ClosedTrade struct {
	Ticket     int64
	Symbol     string
	Profit     float64
	ClosePrice float64
	CloseTime  time.Time
}

// BrokerHandle is the narrow, strategy-facing service seam onto the
// simulated broker: get_current_price, get_candles, get_positions,
// place_market_order, modify_position, close_position. A strategy never
// sees the full broker — only this surface — so the backtest core's
// trading controller can wire an adapter without the strategies package
// importing the broker package.
type BrokerHandle interface {
	GetCurrentPrice(symbol string, side Side) (float64, bool)
	GetCandles(symbol string, tf Timeframe, count int) []Candle
	GetPositions(symbol string, magic int64) []Position
	PlaceMarketOrder(ctx context.Context, symbol string, side Side, volume, sl, tp float64, magic int64, comment string) (Position, error)
	ModifyPosition(ticket int64, sl, tp *float64) error
	ClosePosition(ctx context.Context, ticket int64) (ClosedTrade, error)
	// CurrentTime returns the simulated time of the most recent global
	// advance, for strategies that need a deterministic timestamp rather
	// than wall-clock time.
	CurrentTime() time.Time
}

// TradeSignal is what on_tick returns when it wants to open a position.
// Strategies may also act directly through the broker handle (e.g. to
// close or modify their own positions) without producing a signal.
type TradeSignal struct {
	Symbol     string
	Side       Side
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	Magic      int64
	Comment    string
}

// Status is the free-form reporting snapshot returned by get_status.
type Status struct {
	Name            string
	Initialized     bool
	Category        string
	LastSignalTime  time.Time
	ActivePositions int
	Extra           map[string]any
}

// Strategy is the capability set every trading strategy exposes to the
// trading controller: a one-time setup call, a per-step entry point, a
// closed-position callback, a status snapshot, and a shutdown hook.
type Strategy interface {
	// ID uniquely identifies this strategy instance (e.g. "TB|EURUSD|4H_5M"
	// for a true-breakout instance on EURUSD configured for the 4H/5M range
	// pair).
	ID() string
	// Name is the human-readable strategy family name.
	Name() string

	// Initialize is called once before any ticks. Returning false or an
	// error prevents the strategy from being scheduled.
	Initialize(ctx context.Context) (bool, error)
	// OnTick is called each time step while the owning symbol worker has
	// data. It must not block — no broker calls other than reads and the
	// strategy's own order placement, no I/O beyond that.
	OnTick(ctx context.Context) (*TradeSignal, error)
	// OnPositionClosed is called after a position whose comment carries
	// this strategy's tag closes.
	OnPositionClosed(ctx context.Context, symbol string, profit, volume float64, comment string)
	// GetStatus returns a reporting snapshot; callers must not mutate it.
	GetStatus() Status
	// Shutdown is called once at the end of the run.
	Shutdown(ctx context.Context)
}

// StrategyMetadata provides information about a strategy registration.
type StrategyMetadata struct {
	ID          string
	Name        string
	Description string
	RangeID     string // e.g. "4H_5M", "15M_1M" — empty when not range-based
	Extra       map[string]any
}
