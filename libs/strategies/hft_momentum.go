package strategies

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HFTMomentumConfig configures an HFTMomentumStrategy instance.
type HFTMomentumConfig struct {
	TickMomentumCount  int     // consecutive same-direction ticks required
	MinMomentumPoints  float64 // minimum net move over the window, in points (scaled by Point)
	SpreadLookback     int
	MaxSpreadMultiplier float64 // reject entries when current spread exceeds avg * this
	StopLossPoints     float64
	RiskRewardRatio    float64
	Point              float64
	Volume             float64
	Magic              int64
}

type tickSample struct {
	bid, ask float64
}

// HFTMomentumStrategy scalps short tick-momentum bursts: it watches a
// rolling window of bid/ask samples for a run of consecutive moves in one
// direction, validates the move's strength and the current spread, and
// enters in the momentum direction with a tight fixed stop. Grounded on
// the tick-buffer momentum detection and multi-layer validation (momentum,
// spread) of the HFT momentum strategy this system was distilled from.
type HFTMomentumStrategy struct {
	symbol string
	cfg    HFTMomentumConfig
	broker BrokerHandle

	mu             sync.Mutex
	initialized    bool
	buffer         []tickSample
	validator      *Validator
	lastSignalTime time.Time
	pendingSide    Side
}

func NewHFTMomentumStrategy(symbol string, cfg HFTMomentumConfig, broker BrokerHandle) *HFTMomentumStrategy {
	s := &HFTMomentumStrategy{symbol: symbol, cfg: cfg, broker: broker}
	s.validator = NewValidator(RequireAll)
	s.validator.Add("momentum", 'M', s.checkMomentum)
	s.validator.Add("spread", 'S', s.checkSpread)
	return s
}

func (s *HFTMomentumStrategy) ID() string   { return fmt.Sprintf("HFT|%s", s.symbol) }
func (s *HFTMomentumStrategy) Name() string { return "hft_momentum" }

func (s *HFTMomentumStrategy) Initialize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return true, nil
}

func (s *HFTMomentumStrategy) checkMomentum() ValidationResult {
	count := s.cfg.TickMomentumCount
	if len(s.buffer) < count {
		return ValidationResult{Passed: false, Name: "momentum", Reason: "insufficient tick history"}
	}
	window := s.buffer[len(s.buffer)-count:]
	rising, falling := true, true
	for i := 1; i < len(window); i++ {
		mid := (window[i].bid + window[i].ask) / 2
		prevMid := (window[i-1].bid + window[i-1].ask) / 2
		if mid <= prevMid {
			rising = false
		}
		if mid >= prevMid {
			falling = false
		}
	}
	first := (window[0].bid + window[0].ask) / 2
	last := (window[len(window)-1].bid + window[len(window)-1].ask) / 2
	move := last - first

	switch {
	case rising && move >= s.cfg.MinMomentumPoints*s.cfg.Point:
		s.pendingSide = Buy
		return ValidationResult{Passed: true, Name: "momentum"}
	case falling && -move >= s.cfg.MinMomentumPoints*s.cfg.Point:
		s.pendingSide = Sell
		return ValidationResult{Passed: true, Name: "momentum"}
	default:
		return ValidationResult{Passed: false, Name: "momentum", Reason: "no consistent directional run"}
	}
}

func (s *HFTMomentumStrategy) checkSpread() ValidationResult {
	lookback := s.cfg.SpreadLookback
	if len(s.buffer) < lookback || lookback == 0 {
		return ValidationResult{Passed: true, Name: "spread"}
	}
	window := s.buffer[len(s.buffer)-lookback:]
	var sum float64
	for _, t := range window {
		sum += t.ask - t.bid
	}
	avg := sum / float64(len(window))
	current := window[len(window)-1].ask - window[len(window)-1].bid
	if current > avg*s.cfg.MaxSpreadMultiplier {
		return ValidationResult{Passed: false, Name: "spread", Reason: "spread too wide"}
	}
	return ValidationResult{Passed: true, Name: "spread"}
}

func (s *HFTMomentumStrategy) OnTick(ctx context.Context) (*TradeSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return nil, nil
	}

	bid, ok := s.broker.GetCurrentPrice(s.symbol, Sell)
	if !ok {
		return nil, nil
	}
	ask, ok := s.broker.GetCurrentPrice(s.symbol, Buy)
	if !ok {
		return nil, nil
	}
	s.buffer = append(s.buffer, tickSample{bid: bid, ask: ask})
	maxBuffer := s.cfg.TickMomentumCount
	if s.cfg.SpreadLookback > maxBuffer {
		maxBuffer = s.cfg.SpreadLookback
	}
	if len(s.buffer) > maxBuffer {
		s.buffer = s.buffer[len(s.buffer)-maxBuffer:]
	}

	ok, _ = s.validator.Evaluate()
	if !ok {
		return nil, nil
	}

	side := s.pendingSide
	entry := ask
	sl := entry - s.cfg.StopLossPoints*s.cfg.Point
	if side == Sell {
		entry = bid
		sl = entry + s.cfg.StopLossPoints*s.cfg.Point
	}
	risk := s.cfg.StopLossPoints * s.cfg.Point
	tp := entry + risk*s.cfg.RiskRewardRatio
	if side == Sell {
		tp = entry - risk*s.cfg.RiskRewardRatio
	}

	s.lastSignalTime = s.broker.CurrentTime()
	comment := BuildComment("HFT", "", side, s.validator.Confirmations())
	return &TradeSignal{
		Symbol:     s.symbol,
		Side:       side,
		Volume:     s.cfg.Volume,
		StopLoss:   sl,
		TakeProfit: tp,
		Magic:      s.cfg.Magic,
		Comment:    comment,
	}, nil
}

func (s *HFTMomentumStrategy) OnPositionClosed(ctx context.Context, symbol string, profit, volume float64, comment string) {
}

func (s *HFTMomentumStrategy) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Name:           s.Name(),
		Initialized:    s.initialized,
		LastSignalTime: s.lastSignalTime,
		Extra: map[string]any{
			"buffer_len": len(s.buffer),
		},
	}
}

func (s *HFTMomentumStrategy) Shutdown(ctx context.Context) {}
