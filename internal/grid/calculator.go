// Package grid computes the list of DCA legs for a pyramid from a signal's
// entry price and a user's DCAGridConfig (spec §4, component C). It has no
// side effects and makes no exchange or repository calls: precision rules
// are passed in by the caller.
package grid

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dcaengine/internal/core"
	"dcaengine/pkg/tradingutils"
)

const defaultTickSize = "0.00000001"

// Calculate computes the legs of one pyramid wave. pyramidIndex selects an
// override from cfg.PyramidSpecificLevels when present, falling back to
// cfg.DCALevels otherwise. Legs whose rounded notional falls below the
// symbol's min_notional are dropped, not zeroed (spec §8 boundary behaviors).
func Calculate(entryPrice decimal.Decimal, cfg core.DCAGridConfig, pyramidIndex int, precision core.PrecisionRules) ([]core.Leg, error) {
	if entryPrice.IsZero() || entryPrice.IsNegative() {
		return nil, fmt.Errorf("grid: entry price must be positive, got %s", entryPrice)
	}

	levels, ok := cfg.PyramidSpecificLevels[pyramidIndex]
	if !ok || len(levels) == 0 {
		levels = cfg.DCALevels
	}
	if len(levels) == 0 {
		return nil, fmt.Errorf("grid: no dca levels configured")
	}

	tickSize := precision.TickSize
	if tickSize.IsZero() {
		tickSize = decimal.RequireFromString(defaultTickSize)
	}
	stepSize := precision.StepSize
	if stepSize.IsZero() {
		stepSize = decimal.RequireFromString(defaultTickSize)
	}

	legs := make([]core.Leg, 0, len(levels))
	for _, lvl := range levels {
		price := entryPrice.Mul(decimal.NewFromInt(1).Add(lvl.GapPercent.Div(decimal.NewFromInt(100))))
		price = roundDownToStep(price, tickSize)

		allocatedUSD := cfg.TotalCapitalUSD.Mul(lvl.WeightPercent.Div(decimal.NewFromInt(100)))
		quantity := allocatedUSD.Div(price)
		quantity = roundDownToStep(quantity, stepSize)

		notional := quantity.Mul(price)
		if !precision.MinNotional.IsZero() && notional.LessThan(precision.MinNotional) {
			continue
		}

		tpPercent := lvl.TPPercent
		if pct, ok := cfg.PyramidTPPercents[pyramidIndex]; ok && !pct.IsZero() {
			tpPercent = pct
		}
		tpPrice := price.Mul(decimal.NewFromInt(1).Add(tpPercent.Div(decimal.NewFromInt(100))))
		tpPrice = roundDownToStep(tpPrice, tickSize)

		orderType := cfg.EntryOrderType
		if len(legs) > 0 {
			orderType = core.OrderTypeLimit
		}

		legs = append(legs, core.Leg{
			Price:    price,
			Weight:   lvl.WeightPercent,
			Quantity: quantity,
			TPPrice:  tpPrice,
			Side:     core.OrderSideBuy,
			Type:     orderType,
		})
	}

	return legs, nil
}

// roundDownToStep truncates value to the nearest multiple of step at or
// below value, matching exchange lot-size/tick-size semantics (spec §8).
func roundDownToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	divided := value.Div(step)
	floored := divided.Floor()
	return tradingutils.RoundPrice(floored.Mul(step), decimalsForStep(step))
}

// decimalsForStep derives how many fractional digits to keep after
// multiplying by step, so results don't carry spurious decimal.Div noise.
func decimalsForStep(step decimal.Decimal) int {
	exp := step.Exponent()
	if exp >= 0 {
		return 0
	}
	return int(-exp)
}
