// Package sizing implements the risk engine (C8 of the backtesting core):
// position lot sizing from a fixed risk percentage, subject to instrument
// constraints, margin headroom, and a minimum-lot risk filter.
package sizing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"jax-backtest/libs/backtest/broker"
)

// DefaultMaxRiskMultiplier is the ceiling, expressed as a multiple of the
// configured risk percent, that the minimum lot size is allowed to exceed
// before the instrument is filtered out entirely.
const DefaultMaxRiskMultiplier = 3.0

// MaxMarginUtilization caps the fraction of free margin a single order may
// consume before the lot size is reduced proportionally.
const MaxMarginUtilization = 0.8

var (
	// ErrInvalidBalance is returned when balance is non-positive.
	ErrInvalidBalance = errors.New("sizing: invalid account balance")
	// ErrInvalidStopDistance is returned when entry and stop loss coincide,
	// or sit on the wrong side of entry for the given side.
	ErrInvalidStopDistance = errors.New("sizing: invalid stop loss distance")
)

// Request is the input to Calculate.
type Request struct {
	Side        broker.Side
	Balance     float64
	RiskPercent float64
	Entry       float64
	StopLoss    float64
	FreeMargin  float64
	Info        broker.SymbolInfo

	// CrossRate converts one point of profit-currency movement into
	// account currency; callers supply it from the same current-price
	// state trading quotes are drawn from (broker.CrossRate), never a
	// rate computed independently, so sizing cannot look ahead.
	CrossRate float64

	// UserMinLot/UserMaxLot are user-configured overrides; zero or
	// negative means "use the symbol's own min/max".
	UserMinLot float64
	UserMaxLot float64

	// MaxRiskMultiplier overrides DefaultMaxRiskMultiplier when > 0.
	MaxRiskMultiplier float64
}

// Result is the outcome of a sizing calculation.
type Result struct {
	Lots             float64
	Filtered         bool   // true when the instrument was filtered out (Lots == 0)
	FilterReason     string
	MarginReduced    bool // true when the margin cap forced a reduction
	ActualRiskPercent float64
}

// Calculate sizes a position per spec §4.8: risk_amount from balance and
// risk_percent, stop distance converted to account currency via the
// symbol's point value and the supplied cross-rate, rounded to the lot
// step with banker's rounding, clamped to symbol and user lot bounds,
// reduced if margin would exceed MaxMarginUtilization of free margin, and
// filtered to zero if the resulting lot is below the symbol minimum and
// using the minimum would exceed MaxRiskMultiplier times the configured
// risk.
func Calculate(req Request) (Result, error) {
	if req.Balance <= 0 {
		return Result{}, ErrInvalidBalance
	}
	if err := ValidateStop(req.Side, req.Entry, req.StopLoss); err != nil {
		return Result{}, err
	}

	info := req.Info
	if info.Point <= 0 {
		return Result{}, fmt.Errorf("sizing: symbol point must be positive")
	}

	riskAmount := req.Balance * req.RiskPercent / 100.0
	slDistance := absFloat(req.Entry - req.StopLoss)
	slDistancePoints := slDistance / info.Point

	crossRate := req.CrossRate
	if crossRate <= 0 {
		crossRate = 1
	}
	pointValueAccountCcy := info.TickValue * crossRate

	rawLots := riskAmount / (slDistancePoints * pointValueAccountCcy)

	lots := roundToStep(rawLots, info.LotStep)

	maxRiskMultiplier := req.MaxRiskMultiplier
	if maxRiskMultiplier <= 0 {
		maxRiskMultiplier = DefaultMaxRiskMultiplier
	}

	if rawLots < info.MinLot {
		actualRisk := (slDistancePoints * pointValueAccountCcy * info.MinLot / req.Balance) * 100.0
		if actualRisk > req.RiskPercent*maxRiskMultiplier {
			return Result{Filtered: true, FilterReason: "min_lot_exceeds_max_risk_multiplier", ActualRiskPercent: actualRisk}, nil
		}
		lots = info.MinLot
	}

	lots = clamp(lots, info.MinLot, info.MaxLot)

	userMin := info.MinLot
	if req.UserMinLot > 0 {
		userMin = req.UserMinLot
	}
	userMax := info.MaxLot
	if req.UserMaxLot > 0 {
		userMax = req.UserMaxLot
	}
	lots = clamp(lots, userMin, userMax)

	marginReduced := false
	if info.Leverage > 0 && req.FreeMargin > 0 {
		marginPerLot := info.ContractSize * req.Entry / info.Leverage
		required := lots * marginPerLot
		maxSafe := req.FreeMargin * MaxMarginUtilization
		if required > maxSafe && required > 0 {
			ratio := maxSafe / required
			lots = roundToStep(lots*ratio, info.LotStep)
			marginReduced = true
		}
	}

	if lots <= 0 {
		return Result{Filtered: true, FilterReason: "zero_lot_after_clamp"}, nil
	}

	actualRisk := (slDistancePoints * pointValueAccountCcy * lots / req.Balance) * 100.0
	return Result{Lots: lots, MarginReduced: marginReduced, ActualRiskPercent: actualRisk}, nil
}

// ValidateStop rejects a stop loss that is zero, negative, or on the wrong
// side of entry for the given side.
func ValidateStop(side broker.Side, entry, sl float64) error {
	if sl <= 0 {
		return fmt.Errorf("%w: stop loss must be positive", ErrInvalidStopDistance)
	}
	switch side {
	case broker.Buy:
		if sl >= entry {
			return fmt.Errorf("%w: BUY stop loss must be below entry", ErrInvalidStopDistance)
		}
	case broker.Sell:
		if sl <= entry {
			return fmt.Errorf("%w: SELL stop loss must be above entry", ErrInvalidStopDistance)
		}
	}
	return nil
}

// roundToStep rounds raw to the nearest multiple of step using banker's
// rounding (round-half-to-even) at the step boundary, matching spec §4.8
// step 5's explicit rounding mode.
func roundToStep(raw, step float64) float64 {
	if step <= 0 {
		return raw
	}
	rawD := decimal.NewFromFloat(raw)
	stepD := decimal.NewFromFloat(step)
	steps := rawD.Div(stepD).RoundBank(0)
	f, _ := steps.Mul(stepD).Float64()
	return f
}

func clamp(v, lo, hi float64) float64 {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
