// Package broker is the simulated exchange (C3 of the backtesting core):
// the single source of truth for prices, positions, and account state
// during a backtest run.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"jax-backtest/libs/backtest/candle"
	"jax-backtest/libs/backtest/tick"
	"jax-backtest/libs/observability"
)

type quoteState struct {
	Bid, Ask float64
	Time     time.Time
}

// Broker is the deterministic simulated exchange driving one backtest run.
// All mutation of the position book happens under mu; snapshot reads are
// copy-out-under-lock, matching the concurrency model described for the
// core's shared-resource policy.
type Broker struct {
	mu sync.Mutex

	positions  map[int64]*Position
	nextTicket int64
	trades     []ClosedTrade

	quotes  map[string]quoteState
	account Account
	symbols map[string]SymbolInfo

	candles  *candle.Store
	timeline *tick.Timeline
	journal  *Journal
	ledger   *TradeLedger

	slippagePoints float64

	minuteTF    candle.Timeframe
	minuteTimes []time.Time
	minuteIdx   int

	currentTime time.Time
}

// Config configures a new Broker.
type Config struct {
	InitialBalance float64
	Currency       string
	Symbols        map[string]SymbolInfo
	Candles        *candle.Store
	Timeline       *tick.Timeline
	Journal        *Journal     // may be nil to disable persistence
	Ledger         *TradeLedger // optional; nil disables durable trade-ledger writes
	SlippagePoints float64
	// MinuteTimes drives advance_global_time; only needed in MINUTE granularity.
	MinuteTimes []time.Time
	MinuteTF    candle.Timeframe
}

// New constructs a Broker ready to drive a single backtest run.
func New(cfg Config) *Broker {
	times := make([]time.Time, len(cfg.MinuteTimes))
	copy(times, cfg.MinuteTimes)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	return &Broker{
		positions: make(map[int64]*Position),
		quotes:    make(map[string]quoteState),
		account: Account{
			Balance:  cfg.InitialBalance,
			Equity:   cfg.InitialBalance,
			Currency: cfg.Currency,
		},
		symbols:     cfg.Symbols,
		candles:     cfg.Candles,
		timeline:    cfg.Timeline,
		journal:     cfg.Journal,
		ledger:      cfg.Ledger,
		slippagePoints: cfg.SlippagePoints,
		minuteTF:    cfg.MinuteTF,
		minuteTimes: times,
	}
}

// PlaceMarketOrder fills at the instantaneous opposite-side quote: ask for
// BUY, bid for SELL, with optional deterministic slippage in points.
func (b *Broker) PlaceMarketOrder(ctx context.Context, symbol string, side Side, volume, sl, tp float64, magic int64, comment string) (Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info, ok := b.symbols[symbol]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	q, ok := b.quotes[symbol]
	if !ok {
		return Position{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}

	fillPrice := q.Ask
	slip := b.slippagePoints * info.Point
	if side == Sell {
		fillPrice = q.Bid - slip
	} else {
		fillPrice = q.Ask + slip
	}

	if sl > 0 {
		if side == Buy && sl >= fillPrice {
			return Position{}, fmt.Errorf("%w: buy sl=%.5f >= fill=%.5f", ErrInvalidStopLoss, sl, fillPrice)
		}
		if side == Sell && sl <= fillPrice {
			return Position{}, fmt.Errorf("%w: sell sl=%.5f <= fill=%.5f", ErrInvalidStopLoss, sl, fillPrice)
		}
	}

	tag := StrategyTag(comment)
	for _, p := range b.positions {
		if p.Symbol == symbol && p.Side == side && StrategyTag(p.Comment) == tag {
			return Position{}, fmt.Errorf("%w: symbol=%s side=%s tag=%s", ErrDuplicatePosition, symbol, side, tag)
		}
	}

	b.nextTicket++
	pos := &Position{
		Ticket:       b.nextTicket,
		Symbol:       symbol,
		Side:         side,
		Volume:       volume,
		OpenPrice:    fillPrice,
		OpenTime:     q.Time,
		SL:           sl,
		TP:           tp,
		CurrentPrice: fillPrice,
		Magic:        magic,
		Comment:      comment,
	}
	b.positions[pos.Ticket] = pos

	if err := b.persistLocked(); err != nil {
		observability.LogEvent(ctx, "error", "broker_journal_write_failed", map[string]any{"error": err.Error()})
	}

	observability.LogEvent(ctx, "info", "position_opened", map[string]any{
		"ticket": pos.Ticket, "symbol": symbol, "side": string(side), "volume": volume, "open_price": fillPrice,
	})

	return *pos, nil
}

// ModifyPosition atomically updates the named fields. sl/tp are optional
// (nil leaves the field untouched).
func (b *Broker) ModifyPosition(ticket int64, sl, tp *float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[ticket]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTicketNotFound, ticket)
	}
	if sl != nil {
		p.SL = *sl
	}
	if tp != nil {
		p.TP = *tp
	}
	return nil
}

// ClosePosition appends a ClosedTrade, removes the position from the open
// book, and updates the account balance. It always writes the journal
// before returning.
func (b *Broker) ClosePosition(ctx context.Context, ticket int64) (ClosedTrade, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closePositionLocked(ctx, ticket, 0, true)
}

// closePositionLocked closes a position at an explicit price when
// closeAtCurrent is false (SL/TP hit), or at its last marked CurrentPrice
// otherwise (manual close). Caller must hold mu.
func (b *Broker) closePositionLocked(ctx context.Context, ticket int64, atPrice float64, closeAtCurrent bool) (ClosedTrade, error) {
	p, ok := b.positions[ticket]
	if !ok {
		return ClosedTrade{}, fmt.Errorf("%w: %d", ErrTicketNotFound, ticket)
	}

	closePrice := atPrice
	if closeAtCurrent {
		closePrice = p.CurrentPrice
	}

	profit, unconverted := b.computeProfitLocked(p, closePrice)

	trade := ClosedTrade{
		Ticket:            p.Ticket,
		Symbol:            p.Symbol,
		Side:              p.Side,
		Volume:            p.Volume,
		OpenPrice:         p.OpenPrice,
		ClosePrice:        closePrice,
		OpenTime:          p.OpenTime,
		CloseTime:         b.candles.Now(),
		Profit:            profit,
		Comment:           p.Comment,
		ProfitUnconverted: unconverted,
	}

	delete(b.positions, ticket)
	b.trades = append(b.trades, trade)
	b.account.Balance += profit

	if err := b.persistLocked(); err != nil {
		observability.LogEvent(ctx, "error", "broker_journal_write_failed", map[string]any{"error": err.Error()})
	}
	if err := b.ledger.RecordClosedTrade(ctx, trade); err != nil {
		observability.LogEvent(ctx, "error", "broker_ledger_write_failed", map[string]any{"error": err.Error()})
	}
	observability.LogEvent(ctx, "info", "position_closed", map[string]any{
		"ticket": trade.Ticket, "symbol": trade.Symbol, "profit": trade.Profit,
	})

	return trade, nil
}

func (b *Broker) persistLocked() error {
	if b.journal == nil {
		return nil
	}
	snapshot := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		snapshot = append(snapshot, *p)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Ticket < snapshot[j].Ticket })
	return b.journal.Write(snapshot)
}

// GetPositions returns a snapshot copy of open positions, optionally
// filtered by symbol and/or magic number (empty/zero means no filter).
func (b *Broker) GetPositions(symbol string, magic int64) []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		if symbol != "" && p.Symbol != symbol {
			continue
		}
		if magic != 0 && p.Magic != magic {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticket < out[j].Ticket })
	return out
}

// GetCurrentPrice returns the last observed bid/ask for symbol.
func (b *Broker) GetCurrentPrice(symbol string, side Side) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[symbol]
	if !ok {
		return 0, false
	}
	if side == Buy {
		return q.Ask, true
	}
	return q.Bid, true
}

// GetCandles delegates to the Candle Store.
func (b *Broker) GetCandles(symbol string, tf candle.Timeframe, count int) []candle.Candle {
	return b.candles.GetCandles(symbol, tf, count)
}

// GetSymbolInfo returns the contract terms for symbol, as supplied in the
// broker's Config. Used by the risk engine for lot sizing and by profit
// conversion.
func (b *Broker) GetSymbolInfo(symbol string) (SymbolInfo, bool) {
	info, ok := b.symbols[symbol]
	return info, ok
}

// CrossRate returns the mid-price conversion rate from 'from' currency to
// 'to' currency using the current-price state, the same source trading
// quotes are drawn from so no look-ahead rate can leak into a sizing or
// profit calculation. Returns (1, true) when the currencies match.
func (b *Broker) CrossRate(from, to string) (float64, bool) {
	if from == to || from == "" || to == "" {
		return 1, true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.quotes[from+to]; ok {
		return (q.Bid + q.Ask) / 2, true
	}
	if q, ok := b.quotes[to+from]; ok {
		rate := (q.Bid + q.Ask) / 2
		if rate != 0 {
			return 1 / rate, true
		}
	}
	return 0, false
}

// Account returns a snapshot of the current account state.
func (b *Broker) Account() Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account
}

// UpdatePositions recomputes profit for all open positions at current
// prices and refreshes account equity. A no-op when there are no open
// positions.
func (b *Broker) UpdatePositions() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updatePositionsLocked()
}

func (b *Broker) updatePositionsLocked() {
	floating := 0.0
	for _, p := range b.positions {
		q, ok := b.quotes[p.Symbol]
		if !ok {
			continue
		}
		mark := q.Bid
		if p.Side == Sell {
			mark = q.Ask
		}
		p.CurrentPrice = mark
		profit, _ := b.computeProfitLocked(p, mark)
		p.Profit = profit
		floating += profit
	}
	b.account.FloatingPnL = floating
	b.account.Equity = b.account.Balance + floating
}

func (b *Broker) computeProfitLocked(p *Position, closePrice float64) (profit float64, unconverted bool) {
	info, ok := b.symbols[p.Symbol]
	if !ok {
		return 0, true
	}
	sign := 1.0
	if p.Side == Sell {
		sign = -1.0
	}
	raw := (closePrice - p.OpenPrice) * sign * p.Volume * info.ContractSize

	if info.CurrencyProfit == "" || info.CurrencyProfit == b.account.Currency {
		return raw, false
	}
	if q, ok := b.quotes[info.CurrencyProfit+b.account.Currency]; ok {
		return raw * ((q.Bid + q.Ask) / 2), false
	}
	if q, ok := b.quotes[b.account.Currency+info.CurrencyProfit]; ok {
		rate := (q.Bid + q.Ask) / 2
		if rate != 0 {
			return raw / rate, false
		}
	}
	return raw, true
}

// AdvanceGlobalTimeTickByTick consumes the next tick from the timeline,
// updates the current price for its symbol, and evaluates SL/TP for all
// open positions. Returns false when the timeline is exhausted.
func (b *Broker) AdvanceGlobalTimeTickByTick(ctx context.Context) (bool, error) {
	t, ok, err := b.timeline.Next()
	if err != nil {
		return false, fmt.Errorf("broker.AdvanceGlobalTimeTickByTick: %w", err)
	}
	if !ok {
		return false, nil
	}

	b.mu.Lock()
	b.quotes[t.Symbol] = quoteState{Bid: t.Bid, Ask: t.Ask, Time: t.Time}
	b.currentTime = t.Time
	b.candles.AdvanceNow(t.Time)
	b.evaluateTickSLTPLocked(ctx)
	b.updatePositionsLocked()
	b.mu.Unlock()
	return true, nil
}

// HasDataAtCurrentTime reports whether symbol received a quote update at
// the current simulated time — the signal a symbol worker uses to decide
// whether to invoke its strategy's on_tick this step.
func (b *Broker) HasDataAtCurrentTime(symbol string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[symbol]
	return ok && q.Time.Equal(b.currentTime)
}

// CurrentTime returns the simulated time of the most recent global
// advance (the time barrier's current generation).
func (b *Broker) CurrentTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentTime
}

// evaluateTickSLTPLocked closes positions whose SL/TP the latest tick
// triggers. SL takes precedence over TP within the same tick.
func (b *Broker) evaluateTickSLTPLocked(ctx context.Context) {
	for ticket, p := range b.positions {
		q, ok := b.quotes[p.Symbol]
		if !ok {
			continue
		}
		hitSL, hitTP := false, false
		var price float64
		if p.Side == Buy {
			if p.SL > 0 && q.Bid <= p.SL {
				hitSL, price = true, p.SL
			} else if p.TP > 0 && q.Bid >= p.TP {
				hitTP, price = true, p.TP
			}
		} else {
			if p.SL > 0 && q.Ask >= p.SL {
				hitSL, price = true, p.SL
			} else if p.TP > 0 && q.Ask <= p.TP {
				hitTP, price = true, p.TP
			}
		}
		if hitSL || hitTP {
			if _, err := b.closePositionLocked(ctx, ticket, price, false); err != nil {
				observability.LogEvent(ctx, "error", "broker_sltp_close_failed", map[string]any{"ticket": ticket, "error": err.Error()})
			}
		}
	}
}

// AdvanceGlobalTime advances one minute across all symbols with bars at
// that minute (minute-granularity variant). SL/TP within the bar is
// resolved against bar high/low, with SL precedence as in tick mode.
func (b *Broker) AdvanceGlobalTime(ctx context.Context) (bool, error) {
	b.mu.Lock()
	if b.minuteIdx >= len(b.minuteTimes) {
		b.mu.Unlock()
		return false, nil
	}
	t := b.minuteTimes[b.minuteIdx]
	b.minuteIdx++
	b.mu.Unlock()

	b.candles.AdvanceNow(t)

	bars := make(map[string]candle.Candle)
	for symbol := range b.symbols {
		if !b.candles.HasDataAt(symbol, t) {
			continue
		}
		closed := b.candles.GetCandles(symbol, b.minuteTF, 1)
		if len(closed) == 0 {
			continue
		}
		bar := closed[len(closed)-1]
		if !bar.Time.Equal(t) {
			continue
		}
		bars[symbol] = bar
	}

	b.mu.Lock()
	b.currentTime = t
	for symbol, bar := range bars {
		info := b.symbols[symbol]
		spread := info.Point * 1 // minimal synthetic spread for minute mode
		b.quotes[symbol] = quoteState{Bid: bar.Close, Ask: bar.Close + spread, Time: t}
	}
	b.evaluateBarSLTPLocked(ctx, bars)
	b.updatePositionsLocked()
	b.mu.Unlock()

	return true, nil
}

func (b *Broker) evaluateBarSLTPLocked(ctx context.Context, bars map[string]candle.Candle) {
	for ticket, p := range b.positions {
		bar, ok := bars[p.Symbol]
		if !ok {
			continue
		}
		hitSL, hitTP := false, false
		var price float64
		if p.Side == Buy {
			if p.SL > 0 && bar.Low <= p.SL {
				hitSL, price = true, p.SL
			} else if p.TP > 0 && bar.High >= p.TP {
				hitTP, price = true, p.TP
			}
		} else {
			if p.SL > 0 && bar.High >= p.SL {
				hitSL, price = true, p.SL
			} else if p.TP > 0 && bar.Low <= p.TP {
				hitTP, price = true, p.TP
			}
		}
		if hitSL || hitTP {
			if _, err := b.closePositionLocked(ctx, ticket, price, false); err != nil {
				observability.LogEvent(ctx, "error", "broker_sltp_close_failed", map[string]any{"ticket": ticket, "error": err.Error()})
			}
		}
	}
}

// ClosedTrades returns the append-only journal of closed trades so far.
func (b *Broker) ClosedTrades() []ClosedTrade {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ClosedTrade, len(b.trades))
	copy(out, b.trades)
	return out
}
