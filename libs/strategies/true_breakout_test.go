package strategies

import (
	"context"
	"testing"
	"time"
)

func TestTrueBreakoutStrategy_BreakoutRetestContinuation(t *testing.T) {
	const refTF, confTF Timeframe = H4, M5
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fb := newFakeBroker()
	fb.candles[refTF] = []Candle{{Time: base, Open: 1.095, High: 1.10, Low: 1.09, Close: 1.095, Volume: 1000}}

	cfg := TrueBreakoutConfig{
		RangeID:             "4H_5M",
		ReferenceTF:         refTF,
		ConfirmationTF:      confTF,
		RetestTolerancePct:  0.002,
		VolumeLookback:      2,
		MinVolumeMultiplier: 1.5,
		RiskRewardRatio:     2.0,
		Volume:              0.1,
		Magic:               1,
	}
	s := NewTrueBreakoutStrategy("EURUSD", cfg, fb)
	ctx := context.Background()

	ok, err := s.Initialize(ctx)
	if err != nil || !ok {
		t.Fatalf("Initialize: ok=%v err=%v", ok, err)
	}

	candles := []Candle{
		{Time: base.Add(time.Minute), Open: 1.095, Close: 1.095, High: 1.096, Low: 1.094, Volume: 100},
		{Time: base.Add(2 * time.Minute), Open: 1.095, Close: 1.095, High: 1.096, Low: 1.094, Volume: 100},
		{Time: base.Add(3 * time.Minute), Open: 1.095, Close: 1.105, High: 1.106, Low: 1.103, Volume: 200}, // breakout
		{Time: base.Add(4 * time.Minute), Open: 1.103, Close: 1.099, High: 1.103, Low: 1.101, Volume: 100}, // retest
		{Time: base.Add(5 * time.Minute), Open: 1.100, Close: 1.106, High: 1.107, Low: 1.099, Volume: 150}, // continuation
	}

	var signal *TradeSignal
	for _, c := range candles {
		fb.candles[confTF] = append(fb.candles[confTF], c)
		sig, err := s.OnTick(ctx)
		if err != nil {
			t.Fatalf("OnTick: %v", err)
		}
		if sig != nil {
			signal = sig
		}
	}

	if signal == nil {
		t.Fatalf("expected a continuation signal, got none")
	}
	if signal.Side != Buy {
		t.Errorf("expected Buy signal, got %s", signal.Side)
	}
	if signal.StopLoss != 1.09 {
		t.Errorf("expected SL at range low 1.09, got %v", signal.StopLoss)
	}
	wantTP := 1.106 + (1.106-1.09)*2.0
	if diff := signal.TakeProfit - wantTP; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected TP %v, got %v", wantTP, signal.TakeProfit)
	}
	if signal.Comment != "TB|4H_5M|buy" {
		t.Errorf("expected comment 'TB|4H_5M|buy', got %q", signal.Comment)
	}
}

func TestTrueBreakoutStrategy_NoSignalWithoutRetest(t *testing.T) {
	const refTF, confTF Timeframe = H4, M5
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fb := newFakeBroker()
	fb.candles[refTF] = []Candle{{Time: base, High: 1.10, Low: 1.09}}

	cfg := TrueBreakoutConfig{
		RangeID: "4H_5M", ReferenceTF: refTF, ConfirmationTF: confTF,
		RetestTolerancePct: 0.002, VolumeLookback: 2, MinVolumeMultiplier: 1.5, RiskRewardRatio: 2,
	}
	s := NewTrueBreakoutStrategy("EURUSD", cfg, fb)
	ctx := context.Background()
	s.Initialize(ctx)

	candles := []Candle{
		{Time: base.Add(time.Minute), Open: 1.095, Close: 1.095, High: 1.096, Low: 1.094, Volume: 100},
		{Time: base.Add(2 * time.Minute), Open: 1.095, Close: 1.095, High: 1.096, Low: 1.094, Volume: 100},
		{Time: base.Add(3 * time.Minute), Open: 1.095, Close: 1.105, High: 1.110, Low: 1.104, Volume: 200}, // breakout, never retests
		{Time: base.Add(4 * time.Minute), Open: 1.105, Close: 1.108, High: 1.112, Low: 1.106, Volume: 150}, // stays well above the level
	}
	for _, c := range candles {
		fb.candles[confTF] = append(fb.candles[confTF], c)
		sig, err := s.OnTick(ctx)
		if err != nil {
			t.Fatalf("OnTick: %v", err)
		}
		if sig != nil {
			t.Fatalf("expected no signal without a retest, got %+v", sig)
		}
	}
}
