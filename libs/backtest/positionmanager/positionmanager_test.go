package positionmanager

import (
	"context"
	"testing"
	"time"

	"jax-backtest/libs/backtest/broker"
	"jax-backtest/libs/backtest/candle"
)

// fakeBroker is a minimal in-memory Broker for position manager tests.
type fakeBroker struct {
	positions []broker.Position
	candles   map[candle.Timeframe][]candle.Candle
	info      broker.SymbolInfo
	mods      []modCall
}

type modCall struct {
	ticket int64
	sl, tp *float64
}

func (f *fakeBroker) GetPositions(symbol string, magic int64) []broker.Position { return f.positions }

func (f *fakeBroker) GetCandles(symbol string, tf candle.Timeframe, count int) []candle.Candle {
	all := f.candles[tf]
	if len(all) <= count {
		return all
	}
	return all[len(all)-count:]
}

func (f *fakeBroker) ModifyPosition(ticket int64, sl, tp *float64) error {
	f.mods = append(f.mods, modCall{ticket: ticket, sl: sl, tp: tp})
	for i := range f.positions {
		if f.positions[i].Ticket == ticket {
			if sl != nil {
				f.positions[i].SL = *sl
			}
			if tp != nil {
				f.positions[i].TP = *tp
			}
		}
	}
	return nil
}

func (f *fakeBroker) GetSymbolInfo(symbol string) (broker.SymbolInfo, bool) { return f.info, true }

func eurusdInfo() broker.SymbolInfo {
	return broker.SymbolInfo{Point: 0.00001, ContractSize: 100000}
}

func TestManagePositions_NoOpenPositions(t *testing.T) {
	fb := &fakeBroker{info: eurusdInfo()}
	m := New(fb, Policy{BreakevenEnabled: true, TrailingEnabled: true})
	if err := m.ManagePositions(context.Background()); err != nil {
		t.Fatalf("ManagePositions: %v", err)
	}
	if len(fb.mods) != 0 {
		t.Fatalf("expected no modifications, got %d", len(fb.mods))
	}
}

func TestManagePositions_BreakevenShift(t *testing.T) {
	fb := &fakeBroker{
		info: eurusdInfo(),
		positions: []broker.Position{
			{Ticket: 1, Symbol: "EURUSD", Side: broker.Buy, OpenPrice: 1.1000, SL: 1.0990, CurrentPrice: 1.1000},
		},
	}
	m := New(fb, Policy{BreakevenEnabled: true, BreakevenTriggerRR: 1.0})

	// Risk distance is 0.0010; below trigger, no shift yet.
	fb.positions[0].CurrentPrice = 1.1005
	if err := m.ManagePositions(context.Background()); err != nil {
		t.Fatalf("ManagePositions: %v", err)
	}
	if len(fb.mods) != 0 {
		t.Fatalf("expected no shift below trigger, got %d mods", len(fb.mods))
	}

	// Price has moved 1R in favor; breakeven should fire.
	fb.positions[0].CurrentPrice = 1.1010
	if err := m.ManagePositions(context.Background()); err != nil {
		t.Fatalf("ManagePositions: %v", err)
	}
	if len(fb.mods) != 1 {
		t.Fatalf("expected one breakeven shift, got %d", len(fb.mods))
	}
	if fb.positions[0].SL != 1.1000 {
		t.Fatalf("SL = %v, want open price 1.1000", fb.positions[0].SL)
	}

	// A second cycle under the same conditions must be a no-op.
	if err := m.ManagePositions(context.Background()); err != nil {
		t.Fatalf("ManagePositions: %v", err)
	}
	if len(fb.mods) != 1 {
		t.Fatalf("breakeven shift was not idempotent: %d mods", len(fb.mods))
	}
}

func TestManagePositions_FixedTrailingStop(t *testing.T) {
	fb := &fakeBroker{
		info: eurusdInfo(),
		positions: []broker.Position{
			{Ticket: 2, Symbol: "EURUSD", Side: broker.Buy, OpenPrice: 1.1000, SL: 1.0990, CurrentPrice: 1.1030},
		},
	}
	m := New(fb, Policy{
		TrailingEnabled:   true,
		TrailMode:         TrailFixed,
		TrailingTriggerRR: 1.0,
		TrailingDistance:  50, // 50 points = 0.00050
	})

	if err := m.ManagePositions(context.Background()); err != nil {
		t.Fatalf("ManagePositions: %v", err)
	}
	want := 1.1030 - 0.00050
	if got := fb.positions[0].SL; absDiff(got, want) > 1e-9 {
		t.Fatalf("SL = %v, want %v", got, want)
	}

	// Price retreats: trailing stop must never move unfavorably.
	fb.positions[0].CurrentPrice = 1.1010
	if err := m.ManagePositions(context.Background()); err != nil {
		t.Fatalf("ManagePositions: %v", err)
	}
	if got := fb.positions[0].SL; absDiff(got, want) > 1e-9 {
		t.Fatalf("SL moved backward to %v, want unchanged %v", got, want)
	}
}

func TestManagePositions_ATRTrailingStop(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []candle.Candle{
		{Time: now.Add(-4 * time.Hour), Open: 1.10, High: 1.102, Low: 1.098, Close: 1.100},
		{Time: now.Add(-3 * time.Hour), Open: 1.100, High: 1.103, Low: 1.099, Close: 1.101},
		{Time: now.Add(-2 * time.Hour), Open: 1.101, High: 1.104, Low: 1.100, Close: 1.102},
		{Time: now.Add(-1 * time.Hour), Open: 1.102, High: 1.105, Low: 1.101, Close: 1.103},
	}
	fb := &fakeBroker{
		info:    eurusdInfo(),
		candles: map[candle.Timeframe][]candle.Candle{candle.H1: bars},
		positions: []broker.Position{
			{Ticket: 3, Symbol: "EURUSD", Side: broker.Buy, OpenPrice: 1.1000, SL: 1.0990, CurrentPrice: 1.1050},
		},
	}
	m := New(fb, Policy{
		TrailingEnabled:   true,
		TrailMode:         TrailATR,
		TrailingTriggerRR: 1.0,
		ATRPeriod:         3,
		ATRTimeframe:      candle.H1,
		ATRMultiplier:     1.0, // ATR 0.004: candidate SL 1.1050-0.0040 = 1.1010
	})

	if err := m.ManagePositions(context.Background()); err != nil {
		t.Fatalf("ManagePositions: %v", err)
	}
	if fb.positions[0].SL <= 1.0990 {
		t.Fatalf("expected ATR trail to raise SL above original 1.0990, got %v", fb.positions[0].SL)
	}
	if fb.positions[0].SL >= fb.positions[0].CurrentPrice {
		t.Fatalf("trailed SL %v must stay below current price %v", fb.positions[0].SL, fb.positions[0].CurrentPrice)
	}
}

func absDiff(a, b float64) float64 {
	if a < b {
		return b - a
	}
	return a - b
}
