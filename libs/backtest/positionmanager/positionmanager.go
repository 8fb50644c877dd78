// Package positionmanager implements the position manager (C7 of the
// backtesting core): a breakeven-shift and trailing-stop pass run by the
// trading controller's position-monitor participant on every barrier
// cycle.
package positionmanager

import (
	"context"
	"sync"

	"jax-backtest/libs/backtest/broker"
	"jax-backtest/libs/backtest/candle"
)

// TrailMode selects the trailing-stop distance calculation.
type TrailMode string

const (
	// TrailFixed trails a constant points distance behind price.
	TrailFixed TrailMode = "fixed"
	// TrailATR trails a multiple of the Average True Range behind price.
	TrailATR TrailMode = "atr"
)

// Policy configures the two stop-adjustment passes, applied in order:
// breakeven shift, then trailing stop.
type Policy struct {
	BreakevenEnabled   bool
	BreakevenTriggerRR float64 // unrealized favorable move, in multiples of initial risk distance
	BreakevenBuffer    float64 // extra favorable-side offset, in price units

	TrailingEnabled   bool
	TrailMode         TrailMode
	TrailingTriggerRR float64
	TrailingDistance  float64 // points, TrailFixed mode
	ATRPeriod         int
	ATRTimeframe      candle.Timeframe
	ATRMultiplier     float64
}

// Broker is the narrow broker surface the position manager needs: reading
// open positions and candles, and modifying stops. Satisfied by
// *broker.Broker.
type Broker interface {
	GetPositions(symbol string, magic int64) []broker.Position
	GetCandles(symbol string, tf candle.Timeframe, count int) []candle.Candle
	ModifyPosition(ticket int64, sl, tp *float64) error
	GetSymbolInfo(symbol string) (broker.SymbolInfo, bool)
}

// Manager runs Policy's two passes across every open position.
type Manager struct {
	broker Broker
	policy Policy

	mu          sync.Mutex
	initialRisk map[int64]float64 // ticket -> |open_price - sl| observed at entry
}

// New constructs a Manager bound to broker and policy.
func New(b Broker, policy Policy) *Manager {
	return &Manager{broker: b, policy: policy, initialRisk: make(map[int64]float64)}
}

// ManagePositions runs the breakeven and trailing passes over every open
// position. A no-op when there are no open positions.
func (m *Manager) ManagePositions(ctx context.Context) error {
	positions := m.broker.GetPositions("", 0)

	live := make(map[int64]struct{}, len(positions))
	for _, p := range positions {
		live[p.Ticket] = struct{}{}

		risk := m.riskDistance(p)
		if risk <= 0 {
			continue
		}
		if m.policy.BreakevenEnabled {
			m.applyBreakeven(p, risk)
		}
		if m.policy.TrailingEnabled {
			m.applyTrailing(p, risk)
		}
	}
	m.forgetClosed(live)
	return nil
}

// riskDistance returns the position's initial entry-to-stop distance,
// captured the first time the position is observed (before any breakeven
// or trailing shift has moved the stop). Positions opened without a stop
// loss have no well-defined risk distance and are skipped by both passes.
func (m *Manager) riskDistance(p broker.Position) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.initialRisk[p.Ticket]; ok {
		return d
	}
	if p.SL <= 0 {
		return 0
	}
	d := absFloat(p.OpenPrice - p.SL)
	m.initialRisk[p.Ticket] = d
	return d
}

func (m *Manager) forgetClosed(live map[int64]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ticket := range m.initialRisk {
		if _, ok := live[ticket]; !ok {
			delete(m.initialRisk, ticket)
		}
	}
}

// favorableMove returns the position's price movement in its favorable
// direction, in price units: positive for a BUY whose current price rose
// above its open price, positive for a SELL whose current price fell
// below its open price.
func favorableMove(p broker.Position) float64 {
	if p.Side == broker.Sell {
		return p.OpenPrice - p.CurrentPrice
	}
	return p.CurrentPrice - p.OpenPrice
}

// applyBreakeven moves a position's stop to its open price (plus a small
// favorable-side buffer) once unrealized profit reaches
// BreakevenTriggerRR times the initial risk distance. Idempotent: once
// the stop already sits at or beyond breakeven, a repeat call is a no-op
// because the proposed SL would not be strictly more favorable.
func (m *Manager) applyBreakeven(p broker.Position, risk float64) {
	// The small tolerance keeps a move of exactly the trigger distance from
	// missing it through float64 rounding of the two price differences.
	if favorableMove(p) < m.policy.BreakevenTriggerRR*risk-1e-9 {
		return
	}
	target := p.OpenPrice
	if p.Side == broker.Buy {
		target += m.policy.BreakevenBuffer
		if p.SL >= target {
			return
		}
	} else {
		target -= m.policy.BreakevenBuffer
		if p.SL > 0 && p.SL <= target {
			return
		}
	}
	sl := target
	_ = m.broker.ModifyPosition(p.Ticket, &sl, nil)
}

// applyTrailing trails a position's stop behind its current price once it
// is in profit by TrailingTriggerRR times the initial risk distance.
// Moves are monotonically favorable only: a candidate stop that would be
// less favorable than the position's current SL is never applied.
func (m *Manager) applyTrailing(p broker.Position, risk float64) {
	if favorableMove(p) < m.policy.TrailingTriggerRR*risk {
		return
	}

	distance, ok := m.trailDistance(p)
	if !ok {
		return
	}

	var candidate float64
	if p.Side == broker.Buy {
		candidate = p.CurrentPrice - distance
		if p.SL > 0 && candidate <= p.SL {
			return
		}
	} else {
		candidate = p.CurrentPrice + distance
		if p.SL > 0 && candidate >= p.SL {
			return
		}
	}
	sl := candidate
	_ = m.broker.ModifyPosition(p.Ticket, &sl, nil)
}

func (m *Manager) trailDistance(p broker.Position) (float64, bool) {
	switch m.policy.TrailMode {
	case TrailATR:
		atr, ok := m.averageTrueRange(p.Symbol)
		if !ok {
			return 0, false
		}
		return atr * m.policy.ATRMultiplier, true
	default:
		info, ok := m.broker.GetSymbolInfo(p.Symbol)
		if !ok {
			return 0, false
		}
		return m.policy.TrailingDistance * info.Point, true
	}
}

// averageTrueRange computes a simple-mean ATR over the last ATRPeriod
// closed candles on ATRTimeframe, using the prior candle's close for the
// true-range gap terms. Returns false when there is not yet enough
// history.
func (m *Manager) averageTrueRange(symbol string) (float64, bool) {
	n := m.policy.ATRPeriod
	if n <= 0 {
		return 0, false
	}
	bars := m.broker.GetCandles(symbol, m.policy.ATRTimeframe, n+1)
	if len(bars) < 2 {
		return 0, false
	}
	sum := 0.0
	count := 0
	for i := 1; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		tr := maxFloat3(
			bars[i].High-bars[i].Low,
			absFloat(bars[i].High-prevClose),
			absFloat(bars[i].Low-prevClose),
		)
		sum += tr
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxFloat3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
