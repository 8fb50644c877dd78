package strategies

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TrueBreakoutConfig configures a TrueBreakoutStrategy instance. Each
// instance trades exactly one (symbol, range) pair — operating
// independently of any other range configured for the same symbol.
type TrueBreakoutConfig struct {
	RangeID        string    // e.g. "4H_5M", "15M_1M"
	ReferenceTF    Timeframe // timeframe the range high/low is measured on
	ConfirmationTF Timeframe // timeframe retest/continuation is measured on
	// RetestTolerancePct and RetestTolerancePoints both bound how close
	// price must return to the breakout level to count as a retest; the
	// effective tolerance is min(brokeAt*RetestTolerancePct,
	// RetestTolerancePoints*Point) so a high-priced instrument's percentage
	// tolerance can never blow out into an unreasonably wide retest zone.
	// When RetestTolerancePoints is zero, only the percentage band applies.
	RetestTolerancePct    float64
	RetestTolerancePoints float64
	Point                 float64 // price-per-point scale for RetestTolerancePoints; defaults to 1 when zero
	VolumeLookback        int
	MinVolumeMultiplier   float64 // breakout candle volume must exceed avg * this
	RiskRewardRatio       float64
	Volume                float64
	Magic                 int64
}

// retestTolerance returns the auto-mode retest distance for a breakout at
// brokeAt: the smaller of a percentage-of-price band and a fixed points
// band, grounded on the original strategy's intelligent tolerance selection
// for high-priced instruments.
func (s *TrueBreakoutStrategy) retestTolerance(brokeAt float64) float64 {
	pct := brokeAt * s.cfg.RetestTolerancePct
	if s.cfg.RetestTolerancePoints <= 0 {
		return pct
	}
	point := s.cfg.Point
	if point <= 0 {
		point = 1
	}
	points := s.cfg.RetestTolerancePoints * point
	if points < pct {
		return points
	}
	return pct
}

// breakoutState tracks range-relative breakout state independently above
// and below the reference range, since both can be live simultaneously.
type breakoutState struct {
	detected    bool
	brokeAt     float64
	detectedAt  time.Time
	retested    bool
}

// TrueBreakoutStrategy trades continuation after a breakout candle
// retests its breakout level and then resumes in the breakout direction
// on renewed volume. Grounded on the reference-candle / breakout / retest
// / continuation state machine of the true-breakout strategy this system
// was distilled from.
type TrueBreakoutStrategy struct {
	symbol string
	cfg    TrueBreakoutConfig
	broker BrokerHandle

	mu              sync.Mutex
	initialized     bool
	rangeHigh       float64
	rangeLow        float64
	above           breakoutState
	below           breakoutState
	avgVolume       float64
	volumeSamples   int
	lastSignalTime  time.Time
	activeCount     int
}

// NewTrueBreakoutStrategy constructs an instance for one symbol/range pair.
func NewTrueBreakoutStrategy(symbol string, cfg TrueBreakoutConfig, broker BrokerHandle) *TrueBreakoutStrategy {
	return &TrueBreakoutStrategy{symbol: symbol, cfg: cfg, broker: broker}
}

func (s *TrueBreakoutStrategy) ID() string   { return fmt.Sprintf("TB|%s|%s", s.symbol, s.cfg.RangeID) }
func (s *TrueBreakoutStrategy) Name() string { return "true_breakout" }

func (s *TrueBreakoutStrategy) Initialize(ctx context.Context) (bool, error) {
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

func (s *TrueBreakoutStrategy) updateReferenceRange() {
	candles := s.broker.GetCandles(s.symbol, s.cfg.ReferenceTF, 1)
	if len(candles) == 0 {
		return
	}
	ref := candles[len(candles)-1]
	if ref.High == s.rangeHigh && ref.Low == s.rangeLow {
		return
	}
	s.rangeHigh, s.rangeLow = ref.High, ref.Low
	s.above, s.below = breakoutState{}, breakoutState{}
	s.volumeSamples, s.avgVolume = 0, 0
}

func (s *TrueBreakoutStrategy) OnTick(ctx context.Context) (*TradeSignal, error) {
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

	// Stage 1: breakout detection — open inside range, close outside, high volume.
	if !s.above.detected && last.Open <= s.rangeHigh && last.Close > s.rangeHigh {
		if float64(last.Volume) >= s.avgVolume*s.cfg.MinVolumeMultiplier {
			s.above = breakoutState{detected: true, brokeAt: s.rangeHigh, detectedAt: last.Time}
		}
	}
	if !s.below.detected && last.Open >= s.rangeLow && last.Close < s.rangeLow {
		if float64(last.Volume) >= s.avgVolume*s.cfg.MinVolumeMultiplier {
			s.below = breakoutState{detected: true, brokeAt: s.rangeLow, detectedAt: last.Time}
		}
	}

	// Stage 2: retest — price returns within tolerance of the breakout level.
	if s.above.detected && !s.above.retested {
		tolerance := s.retestTolerance(s.above.brokeAt)
		if last.Low <= s.above.brokeAt+tolerance {
			s.above.retested = true
		}
	}
	if s.below.detected && !s.below.retested {
		tolerance := s.retestTolerance(s.below.brokeAt)
		if last.High >= s.below.brokeAt-tolerance {
			s.below.retested = true
		}
	}

	// Stage 3: continuation — close back beyond the level with volume confirmation.
	if s.above.retested && last.Close > s.above.brokeAt && float64(last.Volume) >= s.avgVolume {
		sl := s.rangeLow
		risk := last.Close - sl
		tp := last.Close + risk*s.cfg.RiskRewardRatio
		s.above = breakoutState{}
		s.lastSignalTime = last.Time
		return s.buildSignal(Buy, sl, tp), nil
	}
	if s.below.retested && last.Close < s.below.brokeAt && float64(last.Volume) >= s.avgVolume {
		sl := s.rangeHigh
		risk := sl - last.Close
		tp := last.Close - risk*s.cfg.RiskRewardRatio
		s.below = breakoutState{}
		s.lastSignalTime = last.Time
		return s.buildSignal(Sell, sl, tp), nil
	}

	return nil, nil
}

func (s *TrueBreakoutStrategy) buildSignal(side Side, sl, tp float64) *TradeSignal {
	comment := BuildComment("TB", s.cfg.RangeID, side, "")
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

func (s *TrueBreakoutStrategy) OnPositionClosed(ctx context.Context, symbol string, profit, volume float64, comment string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if profit >= 0 {
		s.activeCount++
	}
}

func (s *TrueBreakoutStrategy) GetStatus() Status {
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

func (s *TrueBreakoutStrategy) Shutdown(ctx context.Context) {}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
