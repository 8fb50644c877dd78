package strategies

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeoutConfig configures a FakeoutStrategy instance.
type FakeoutConfig struct {
	RangeID             string
	ReferenceTF         Timeframe
	ConfirmationTF      Timeframe
	VolumeLookback      int
	MaxVolumeMultiplier float64 // breakout candle volume must stay BELOW avg * this (weak breakout)
	RiskRewardRatio     float64
	Volume              float64
	Magic               int64
}

// FakeoutStrategy trades the reversal that follows a weak (low-volume)
// breakout: price pokes outside the reference range without conviction
// and then reverses back inside, and the strategy enters in the reversal
// direction. Grounded on the failed-breakout reversal logic of the
// fakeout strategy this system was distilled from.
type FakeoutStrategy struct {
	symbol string
	cfg    FakeoutConfig
	broker BrokerHandle

	mu             sync.Mutex
	initialized    bool
	rangeHigh      float64
	rangeLow       float64
	aboveWeak      bool
	belowWeak      bool
	avgVolume      float64
	volumeSamples  int
	lastSignalTime time.Time
}

func NewFakeoutStrategy(symbol string, cfg FakeoutConfig, broker BrokerHandle) *FakeoutStrategy {
	return &FakeoutStrategy{symbol: symbol, cfg: cfg, broker: broker}
}

func (s *FakeoutStrategy) ID() string   { return fmt.Sprintf("FB|%s|%s", s.symbol, s.cfg.RangeID) }
func (s *FakeoutStrategy) Name() string { return "fakeout" }

func (s *FakeoutStrategy) Initialize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candles := s.broker.GetCandles(s.symbol, s.cfg.ReferenceTF, 1)
	if len(candles) == 0 {
		return false, nil
	}
	ref := candles[len(candles)-1]
	s.rangeHigh, s.rangeLow = ref.High, ref.Low
	s.initialized = true
	return true, nil
}

func (s *FakeoutStrategy) updateReferenceRange() {
	candles := s.broker.GetCandles(s.symbol, s.cfg.ReferenceTF, 1)
	if len(candles) == 0 {
		return
	}
	ref := candles[len(candles)-1]
	if ref.High == s.rangeHigh && ref.Low == s.rangeLow {
		return
	}
	s.rangeHigh, s.rangeLow = ref.High, ref.Low
	s.aboveWeak, s.belowWeak = false, false
	s.volumeSamples, s.avgVolume = 0, 0
}

func (s *FakeoutStrategy) OnTick(ctx context.Context) (*TradeSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, nil
	}
	s.updateReferenceRange()

	confirm := s.broker.GetCandles(s.symbol, s.cfg.ConfirmationTF, max(s.cfg.VolumeLookback, 1)+1)
	if len(confirm) < 2 {
		return nil, nil
	}
	last := confirm[len(confirm)-1]

	if s.volumeSamples < s.cfg.VolumeLookback {
		prior := confirm[:len(confirm)-1]
		var sum int64
		for _, c := range prior {
			sum += c.Volume
		}
		if len(prior) > 0 {
			s.avgVolume = float64(sum) / float64(len(prior))
			s.volumeSamples = len(prior)
		}
	}

	// Weak breakout detection: pokes outside the range on below-average volume.
	if !s.aboveWeak && last.High > s.rangeHigh && float64(last.Volume) < s.avgVolume*s.cfg.MaxVolumeMultiplier {
		s.aboveWeak = true
	}
	if !s.belowWeak && last.Low < s.rangeLow && float64(last.Volume) < s.avgVolume*s.cfg.MaxVolumeMultiplier {
		s.belowWeak = true
	}

	// Reversal confirmation: close back inside the range reverses the trade direction.
	if s.aboveWeak && last.Close < s.rangeHigh {
		sl := last.High
		risk := sl - last.Close
		tp := last.Close - risk*s.cfg.RiskRewardRatio
		s.aboveWeak = false
		s.lastSignalTime = last.Time
		return s.buildSignal(Sell, sl, tp), nil
	}
	if s.belowWeak && last.Close > s.rangeLow {
		sl := last.Low
		risk := last.Close - sl
		tp := last.Close + risk*s.cfg.RiskRewardRatio
		s.belowWeak = false
		s.lastSignalTime = last.Time
		return s.buildSignal(Buy, sl, tp), nil
	}

	return nil, nil
}

func (s *FakeoutStrategy) buildSignal(side Side, sl, tp float64) *TradeSignal {
	comment := BuildComment("FB", s.cfg.RangeID, side, "")
	return &TradeSignal{
		Symbol:     s.symbol,
		Side:       side,
		Volume:     s.cfg.Volume,
		StopLoss:   sl,
		TakeProfit: tp,
		Magic:      s.cfg.Magic,
		Comment:    comment,
	}
}

func (s *FakeoutStrategy) OnPositionClosed(ctx context.Context, symbol string, profit, volume float64, comment string) {
}

func (s *FakeoutStrategy) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Name:           s.Name(),
		Initialized:    s.initialized,
		Category:       s.cfg.RangeID,
		LastSignalTime: s.lastSignalTime,
		Extra: map[string]any{
			"range_high": s.rangeHigh,
			"range_low":  s.rangeLow,
		},
	}
}

func (s *FakeoutStrategy) Shutdown(ctx context.Context) {}
