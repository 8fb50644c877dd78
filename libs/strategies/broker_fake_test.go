package strategies

import (
	"context"
	"time"
)

// fakeBroker is a minimal in-memory BrokerHandle for strategy unit tests.
type fakeBroker struct {
	candles map[Timeframe][]Candle
	bid, ask float64
	now     time.Time
	orders  []TradeSignal
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{candles: make(map[Timeframe][]Candle)}
}

func (f *fakeBroker) GetCurrentPrice(symbol string, side Side) (float64, bool) {
	if side == Buy {
		return f.ask, true
	}
	return f.bid, true
}

func (f *fakeBroker) GetCandles(symbol string, tf Timeframe, count int) []Candle {
	all := f.candles[tf]
	if len(all) <= count {
		return all
	}
	return all[len(all)-count:]
}

func (f *fakeBroker) GetPositions(symbol string, magic int64) []Position { return nil }

func (f *fakeBroker) PlaceMarketOrder(ctx context.Context, symbol string, side Side, volume, sl, tp float64, magic int64, comment string) (Position, error) {
	f.orders = append(f.orders, TradeSignal{Symbol: symbol, Side: side, Volume: volume, StopLoss: sl, TakeProfit: tp, Magic: magic, Comment: comment})
	return Position{Symbol: symbol, Side: side, Volume: volume, SL: sl, TP: tp}, nil
}

func (f *fakeBroker) ModifyPosition(ticket int64, sl, tp *float64) error { return nil }

func (f *fakeBroker) ClosePosition(ctx context.Context, ticket int64) (ClosedTrade, error) {
	return ClosedTrade{}, nil
}

func (f *fakeBroker) CurrentTime() time.Time { return f.now }
