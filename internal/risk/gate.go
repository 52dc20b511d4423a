// Package risk implements the pre-trade risk gate. Evaluation is pure: the
// same intent, ledger view and limits always produce the same decision.
package risk

import (
	"math"

	"github.com/alanyoungcy/tradebot/internal/domain"
	"github.com/alanyoungcy/tradebot/internal/ledger"
)

// Input is everything the gate reads besides the limits.
type Input struct {
	Intent domain.OrderIntent
	View   ledger.View
	// WorkingBuy and WorkingSell are the unfilled quantities of submitted
	// orders on each side of the same instrument. Either side may fill
	// alone, so they are never netted against each other.
	WorkingBuy  float64
	WorkingSell float64
	// Price overrides the reference price for market orders. Zero means
	// use the position's last mark.
	Price float64
}

// Evaluate applies the rules in order:
//  1. paper mode never bypasses a rule;
//  2. reject when the projected position notional exceeds the cap;
//  3. shrink the exposure-increasing quantity so its worst-case loss fits
//     within RiskPerTrade x current capital, rejecting when nothing fits.
func Evaluate(in Input, limits domain.RiskLimits) domain.RiskDecision {
	intent := in.Intent
	if intent.Instrument == "" || !intent.Side.Valid() || !(intent.Quantity > 0) ||
		math.IsInf(intent.Quantity, 0) {
		return reject(domain.ReasonInvalidIntent)
	}
	if intent.Type == domain.OrderTypeLimit && !(intent.LimitPrice > 0) {
		return reject(domain.ReasonInvalidIntent)
	}

	price := referencePrice(in)
	if !(price > 0) {
		return reject(domain.ReasonNoPrice)
	}

	// Opposite-side working orders may be cancelled, so only same-side ones
	// count toward the position the intent is measured against. That is
	// the extreme of every fill outcome on the intent's side.
	pos := in.View.Position(intent.Instrument)
	current := pos.Quantity + in.WorkingBuy
	if intent.Side == domain.OrderSideSell {
		current = pos.Quantity - in.WorkingSell
	}

	// Rule 2: hard cap on the resulting position notional. An intent that
	// moves the extreme toward flat is allowed even above the cap.
	projected := current + intent.SignedQty()
	if limits.MaxPositionNotional > 0 && math.Abs(projected)*price > limits.MaxPositionNotional+epsilon &&
		math.Abs(projected) > math.Abs(current) {
		return reject(domain.ReasonMaxPosition)
	}

	// Rule 3: size the part of the intent that adds exposure.
	closing, opening := split(current, intent.SignedQty())
	if opening == 0 || limits.RiskPerTrade <= 0 {
		return approve(intent.Quantity)
	}

	perUnit := perUnitLoss(intent, price, limits)
	capital := math.Max(in.View.Equity(), 0)
	budget := limits.RiskPerTrade * capital
	maxOpening := math.Floor(budget/perUnit + epsilon)

	if maxOpening >= opening {
		return approve(intent.Quantity)
	}
	qty := closing + math.Max(maxOpening, 0)
	if qty <= 0 {
		return reject(domain.ReasonRiskExhausted)
	}
	return domain.RiskDecision{Action: domain.RiskReduce, Quantity: qty, Reason: domain.ReasonRiskCapped}
}

// epsilon absorbs float noise in notional comparisons.
const epsilon = 1e-9

func referencePrice(in Input) float64 {
	if in.Intent.Type == domain.OrderTypeLimit {
		return in.Intent.LimitPrice
	}
	if in.Price > 0 {
		return in.Price
	}
	return in.View.Position(in.Intent.Instrument).LastMark
}

// split divides an order of signedQty against a current position into the
// quantity that reduces exposure and the quantity that adds to it.
func split(current, signedQty float64) (closing, opening float64) {
	qty := math.Abs(signedQty)
	if current == 0 || (current > 0) == (signedQty > 0) {
		return 0, qty
	}
	closing = math.Min(math.Abs(current), qty)
	return closing, qty - closing
}

// perUnitLoss estimates the worst-case loss per unit: the distance to an
// explicit stop, else a configured adverse move, else RiskPerTrade of the
// price so that budget/perUnit bounds the order notional by capital.
func perUnitLoss(intent domain.OrderIntent, price float64, limits domain.RiskLimits) float64 {
	if intent.StopPrice > 0 {
		if d := math.Abs(price - intent.StopPrice); d > 0 {
			return d
		}
	}
	if limits.DefaultStopFraction > 0 {
		return price * limits.DefaultStopFraction
	}
	return price * limits.RiskPerTrade
}

func approve(qty float64) domain.RiskDecision {
	return domain.RiskDecision{Action: domain.RiskApprove, Quantity: qty}
}

func reject(reason domain.RiskReason) domain.RiskDecision {
	return domain.RiskDecision{Action: domain.RiskReject, Reason: reason}
}
