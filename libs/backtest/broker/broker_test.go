package broker

import (
	"context"
	"math"
	"testing"
	"time"

	"jax-backtest/libs/backtest/candle"
	"jax-backtest/libs/backtest/tick"
)

func eurusd() SymbolInfo {
	return SymbolInfo{
		Point:          0.00001,
		Digits:         5,
		MinLot:         0.01,
		MaxLot:         100,
		LotStep:        0.01,
		TickValue:      1,
		ContractSize:   100000,
		CurrencyBase:   "EUR",
		CurrencyProfit: "USD",
		TradingAllowed: true,
	}
}

func newTestBroker(t *testing.T, ticks []tick.Tick) *Broker {
	t.Helper()
	src := tick.NewMemorySource("EURUSD", ticks)
	tl, err := tick.NewTimeline([]tick.Source{src})
	if err != nil {
		t.Fatalf("NewTimeline: %v", err)
	}
	return New(Config{
		InitialBalance: 10_000,
		Currency:       "USD",
		Symbols:        map[string]SymbolInfo{"EURUSD": eurusd()},
		Candles:        candle.NewStore(),
		Timeline:       tl,
	})
}

func closeEnough(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// Scenario 1: single BUY, TP hit — expected profit 19.0.
func TestBroker_BuyTakeProfitHit(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []tick.Tick{
		{Symbol: "EURUSD", Time: base, Bid: 1.1000, Ask: 1.1001},
		{Symbol: "EURUSD", Time: base.Add(time.Second), Bid: 1.1020, Ask: 1.1021},
	}
	b := newTestBroker(t, ticks)
	ctx := context.Background()

	ok, err := b.AdvanceGlobalTimeTickByTick(ctx)
	if err != nil || !ok {
		t.Fatalf("first advance: ok=%v err=%v", ok, err)
	}

	pos, err := b.PlaceMarketOrder(ctx, "EURUSD", Buy, 0.10, 1.0990, 1.1020, 1, "TB|buy")
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if pos.Ticket != 1 {
		t.Errorf("expected first ticket to be 1, got %d", pos.Ticket)
	}
	if !closeEnough(pos.OpenPrice, 1.1001) {
		t.Errorf("expected open price 1.1001, got %v", pos.OpenPrice)
	}

	ok, err = b.AdvanceGlobalTimeTickByTick(ctx)
	if err != nil || !ok {
		t.Fatalf("second advance: ok=%v err=%v", ok, err)
	}

	trades := b.ClosedTrades()
	if len(trades) != 1 {
		t.Fatalf("expected 1 closed trade, got %d", len(trades))
	}
	trade := trades[0]
	if !closeEnough(trade.ClosePrice, 1.1020) {
		t.Errorf("expected close at 1.1020 (TP), got %v", trade.ClosePrice)
	}
	if !closeEnough(trade.Profit, 19.0) {
		t.Errorf("expected profit 19.0, got %v", trade.Profit)
	}

	acct := b.Account()
	if !closeEnough(acct.Balance, 10_019.0) {
		t.Errorf("expected balance 10019.0, got %v", acct.Balance)
	}
}

// Scenario 2: single SELL, SL hit — filled at bid 1.1000, closed at SL
// 1.1011, expected profit -11.0.
func TestBroker_SellStopLossHit(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []tick.Tick{
		{Symbol: "EURUSD", Time: base, Bid: 1.1000, Ask: 1.1001},
		{Symbol: "EURUSD", Time: base.Add(time.Second), Bid: 1.1011, Ask: 1.1012},
	}
	b := newTestBroker(t, ticks)
	ctx := context.Background()

	if _, err := b.AdvanceGlobalTimeTickByTick(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	_, err := b.PlaceMarketOrder(ctx, "EURUSD", Sell, 0.10, 1.1011, 1.0990, 1, "TB|sell")
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}

	if _, err := b.AdvanceGlobalTimeTickByTick(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	trades := b.ClosedTrades()
	if len(trades) != 1 {
		t.Fatalf("expected 1 closed trade, got %d", len(trades))
	}
	if !closeEnough(trades[0].Profit, -11.0) {
		t.Errorf("expected profit -11.0, got %v", trades[0].Profit)
	}
}

// SL precedence: when both SL and TP would trigger on the same tick, SL wins.
func TestBroker_SLPrecedenceOverTP(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []tick.Tick{
		{Symbol: "EURUSD", Time: base, Bid: 1.1000, Ask: 1.1001},
		{Symbol: "EURUSD", Time: base.Add(time.Second), Bid: 1.0985, Ask: 1.0986},
	}
	b := newTestBroker(t, ticks)
	ctx := context.Background()

	if _, err := b.AdvanceGlobalTimeTickByTick(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// BUY with SL just below, TP far below too (contrived so both trigger).
	_, err := b.PlaceMarketOrder(ctx, "EURUSD", Buy, 0.10, 1.0990, 1.0980, 1, "TB|buy")
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if _, err := b.AdvanceGlobalTimeTickByTick(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}

	trades := b.ClosedTrades()
	if len(trades) != 1 {
		t.Fatalf("expected 1 closed trade, got %d", len(trades))
	}
	if !closeEnough(trades[0].ClosePrice, 1.0990) {
		t.Errorf("expected SL precedence at 1.0990, got %v", trades[0].ClosePrice)
	}
}

func TestBroker_DuplicatePositionRejected(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []tick.Tick{{Symbol: "EURUSD", Time: base, Bid: 1.1000, Ask: 1.1001}}
	b := newTestBroker(t, ticks)
	ctx := context.Background()
	b.AdvanceGlobalTimeTickByTick(ctx)

	if _, err := b.PlaceMarketOrder(ctx, "EURUSD", Buy, 0.10, 1.0990, 1.1020, 1, "TB|buy"); err != nil {
		t.Fatalf("first order: %v", err)
	}
	_, err := b.PlaceMarketOrder(ctx, "EURUSD", Buy, 0.10, 1.0990, 1.1020, 1, "TB|buy")
	if err == nil {
		t.Fatalf("expected duplicate position rejection")
	}
}

func TestBroker_InvalidStopLossRejected(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ticks := []tick.Tick{{Symbol: "EURUSD", Time: base, Bid: 1.1000, Ask: 1.1001}}
	b := newTestBroker(t, ticks)
	ctx := context.Background()
	b.AdvanceGlobalTimeTickByTick(ctx)

	// BUY with sl above entry — invalid.
	_, err := b.PlaceMarketOrder(ctx, "EURUSD", Buy, 0.10, 1.1010, 1.1020, 1, "TB|buy")
	if err == nil {
		t.Fatalf("expected invalid SL rejection")
	}
}

func TestBroker_ModifyMissingTicketIsNoOpFailure(t *testing.T) {
	b := newTestBroker(t, nil)
	newSL := 1.0
	if err := b.ModifyPosition(999, &newSL, nil); err == nil {
		t.Errorf("expected error for missing ticket")
	}
}
