// Package coverage evaluates whether a position's configured take-profit and
// stop-loss targets are covered by surviving protective orders at the broker.
// Evaluation is pure: no stores, no gateway, no side effects.
package coverage

import (
	"math"

	"bracketd/internal/domain"
)

// Coverage is the result of evaluating one position against its orders.
type Coverage struct {
	TPMissing bool
	SLMissing bool
}

// Covered reports whether no configured target is missing an order.
func (c Coverage) Covered() bool {
	return !c.TPMissing && !c.SLMissing
}

// Evaluator compares protective orders against position targets. Prices on
// both sides are rounded to Decimals places before comparison because
// broker-reported prices can carry floating noise relative to the stored
// target. The tolerance is policy, kept configurable rather than baked in.
type Evaluator struct {
	Decimals int
}

// NewEvaluator returns an Evaluator rounding to the given number of decimal
// places. Negative values are treated as zero.
func NewEvaluator(decimals int) Evaluator {
	if decimals < 0 {
		decimals = 0
	}
	return Evaluator{Decimals: decimals}
}

// Evaluate classifies the surviving orders of a position and reports which of
// its configured targets lack coverage. Entry orders and orders in terminal
// failure states are ignored. An OCO order (or a legacy stop-limit bracket)
// matching both rounded targets covers TP and SL at once; a limit-type order
// matching the TP covers TP alone; a stop-type order matching the SL covers
// SL alone.
func (e Evaluator) Evaluate(pos domain.Position, orders []domain.Order) Coverage {
	var cov Coverage
	if pos.TakeProfit == nil && pos.StopLoss == nil {
		return cov
	}

	tpCovered := false
	slCovered := false

	for _, o := range orders {
		if o.IsEntry() || o.Status.IsTerminalFailure() {
			continue
		}

		if o.Type == domain.OrderTypeOCO || o.Type == domain.OrderTypeStopLimit {
			// Bracket: must match both targets to count for either.
			if pos.TakeProfit != nil && pos.StopLoss != nil &&
				e.priceEq(o.LimitPrice, *pos.TakeProfit) &&
				e.priceEq(o.StopPrice, *pos.StopLoss) {
				tpCovered = true
				slCovered = true
			}
			continue
		}

		if o.Type.HasLimitLeg() && !o.Type.HasStopLeg() {
			if pos.TakeProfit != nil && e.priceEq(o.LimitPrice, *pos.TakeProfit) {
				tpCovered = true
			}
			continue
		}

		if o.Type.HasStopLeg() && !o.Type.HasLimitLeg() {
			if pos.StopLoss != nil && e.priceEq(o.StopPrice, *pos.StopLoss) {
				slCovered = true
			}
		}
	}

	cov.TPMissing = pos.TakeProfit != nil && !tpCovered
	cov.SLMissing = pos.StopLoss != nil && !slCovered
	return cov
}

// priceEq compares an optional order price to a target after rounding both.
func (e Evaluator) priceEq(price *float64, target float64) bool {
	if price == nil {
		return false
	}
	return e.Round(*price) == e.Round(target)
}

// Round applies the evaluator's comparison rounding to a price. Callers that
// need to decide whether an existing order already encodes a target (for
// example the adjuster) use this so both sides share one tolerance.
func (e Evaluator) Round(v float64) float64 {
	scale := math.Pow10(e.Decimals)
	return math.Round(v*scale) / scale
}
