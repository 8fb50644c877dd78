// Package controller implements the trading controller (C5 of the
// backtesting core): it owns one worker per symbol plus a position-monitor
// coordinator worker, and wires them to the broker, the time barrier, and
// each symbol's strategies.
package controller

import (
	"context"
	"time"

	"jax-backtest/libs/backtest/broker"
	"jax-backtest/libs/backtest/candle"
	"jax-backtest/libs/strategies"
)

// brokerAdapter narrows *broker.Broker down to strategies.BrokerHandle,
// translating between the broker package's types and the strategies
// package's own mirror types. This seam exists so libs/strategies never
// imports libs/backtest/broker — the backtest core already depends on
// strategies, and a reverse import would cycle.
type brokerAdapter struct {
	b *broker.Broker
}

func newBrokerAdapter(b *broker.Broker) strategies.BrokerHandle {
	return &brokerAdapter{b: b}
}

// NewBrokerHandle exposes the broker-to-strategy adapter to callers that
// must construct strategy instances (which take a BrokerHandle at
// construction) before the Controller itself exists. Controller.New uses
// this same adapter internally for its own bookkeeping.
func NewBrokerHandle(b *broker.Broker) strategies.BrokerHandle {
	return newBrokerAdapter(b)
}

func (a *brokerAdapter) GetCurrentPrice(symbol string, side strategies.Side) (float64, bool) {
	return a.b.GetCurrentPrice(symbol, toBrokerSide(side))
}

func (a *brokerAdapter) GetCandles(symbol string, tf strategies.Timeframe, count int) []strategies.Candle {
	raw := a.b.GetCandles(symbol, toBrokerTimeframe(tf), count)
	out := make([]strategies.Candle, len(raw))
	for i, c := range raw {
		out[i] = strategies.Candle{Time: c.Time, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: int64(c.Volume)}
	}
	return out
}

func (a *brokerAdapter) GetPositions(symbol string, magic int64) []strategies.Position {
	raw := a.b.GetPositions(symbol, magic)
	out := make([]strategies.Position, len(raw))
	for i, p := range raw {
		out[i] = fromBrokerPosition(p)
	}
	return out
}

func (a *brokerAdapter) PlaceMarketOrder(ctx context.Context, symbol string, side strategies.Side, volume, sl, tp float64, magic int64, comment string) (strategies.Position, error) {
	p, err := a.b.PlaceMarketOrder(ctx, symbol, toBrokerSide(side), volume, sl, tp, magic, comment)
	if err != nil {
		return strategies.Position{}, err
	}
	return fromBrokerPosition(p), nil
}

func (a *brokerAdapter) ModifyPosition(ticket int64, sl, tp *float64) error {
	return a.b.ModifyPosition(ticket, sl, tp)
}

func (a *brokerAdapter) ClosePosition(ctx context.Context, ticket int64) (strategies.ClosedTrade, error) {
	t, err := a.b.ClosePosition(ctx, ticket)
	if err != nil {
		return strategies.ClosedTrade{}, err
	}
	return strategies.ClosedTrade{Ticket: t.Ticket, Symbol: t.Symbol, Profit: t.Profit, ClosePrice: t.ClosePrice, CloseTime: t.CloseTime}, nil
}

func (a *brokerAdapter) CurrentTime() time.Time {
	return a.b.CurrentTime()
}

func toBrokerSide(s strategies.Side) broker.Side {
	if s == strategies.Sell {
		return broker.Sell
	}
	return broker.Buy
}

func fromBrokerSide(s broker.Side) strategies.Side {
	if s == broker.Sell {
		return strategies.Sell
	}
	return strategies.Buy
}

func toBrokerTimeframe(tf strategies.Timeframe) candle.Timeframe {
	switch tf {
	case strategies.M1:
		return candle.M1
	case strategies.M5:
		return candle.M5
	case strategies.M15:
		return candle.M15
	case strategies.H1:
		return candle.H1
	case strategies.H4:
		return candle.H4
	default:
		return candle.Timeframe(tf)
	}
}

func fromBrokerPosition(p broker.Position) strategies.Position {
	return strategies.Position{
		Ticket:       p.Ticket,
		Symbol:       p.Symbol,
		Side:         fromBrokerSide(p.Side),
		Volume:       p.Volume,
		OpenPrice:    p.OpenPrice,
		OpenTime:     p.OpenTime,
		SL:           p.SL,
		TP:           p.TP,
		CurrentPrice: p.CurrentPrice,
		Profit:       p.Profit,
		Magic:        p.Magic,
		Comment:      p.Comment,
	}
}
