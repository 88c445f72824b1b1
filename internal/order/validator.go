package order

import (
	"fmt"

	"github.com/shopspring/decimal"

	"grid-core/pkg/exchanges/common"
)

// Validate makes a proposed order compliant with spec or rejects it.
//
// The price is rounded half-up to the tick size. The quantity is aligned down
// to the step size, then raised to the smallest step multiple that meets the
// minimum notional and LOT_SIZE minimum. The result is rejected if the
// notional is still unreachable or the price strays from marketPrice by more
// than spec.MaxPriceDeviation.
//
// Validate is pure: the same inputs always return the same result, and
// feeding an AdjustedOrder back in returns it unchanged.
func Validate(rawPrice, rawQty float64, spec common.FilterSpec, marketPrice float64) (AdjustedOrder, error) {
	tick := decimal.NewFromFloat(spec.TickSize)
	if !tick.IsPositive() {
		return AdjustedOrder{}, reject(TickSizeViolation, rawPrice, rawQty, fmt.Sprintf("tick size %v is not positive", spec.TickSize))
	}
	price := roundToTick(decimal.NewFromFloat(rawPrice), tick)
	if !price.IsPositive() {
		return AdjustedOrder{}, reject(TickSizeViolation, rawPrice, rawQty, "price rounds to zero")
	}

	qty, err := adjustQuantity(price, decimal.NewFromFloat(rawQty), spec)
	if err != nil {
		return AdjustedOrder{}, reject(MinNotionalUnreachable, price.InexactFloat64(), rawQty, err.Error())
	}

	if spec.MaxPriceDeviation > 0 {
		market := decimal.NewFromFloat(marketPrice)
		if !market.IsPositive() {
			return AdjustedOrder{}, reject(PriceDeviationExceeded, price.InexactFloat64(), qty.InexactFloat64(), "no market price")
		}
		dev := price.Sub(market).Abs().Div(market)
		if dev.GreaterThan(decimal.NewFromFloat(spec.MaxPriceDeviation)) {
			return AdjustedOrder{}, reject(PriceDeviationExceeded, price.InexactFloat64(), qty.InexactFloat64(),
				fmt.Sprintf("deviation %s exceeds %v", dev.StringFixed(6), spec.MaxPriceDeviation))
		}
	}

	return AdjustedOrder{
		Price:    price.InexactFloat64(),
		Quantity: qty.InexactFloat64(),
		Notional: price.Mul(qty).InexactFloat64(),
	}, nil
}

// RoundToTick rounds price half-up to a multiple of tick. A non-positive tick
// returns price unchanged.
func RoundToTick(price, tick float64) float64 {
	t := decimal.NewFromFloat(tick)
	if !t.IsPositive() {
		return price
	}
	return roundToTick(decimal.NewFromFloat(price), t).InexactFloat64()
}

func roundToTick(price, tick decimal.Decimal) decimal.Decimal {
	// Round(0) is half away from zero, i.e. half-up for positive prices.
	return price.Div(tick).Round(0).Mul(tick)
}

func adjustQuantity(price, qty decimal.Decimal, spec common.FilterSpec) (decimal.Decimal, error) {
	step := decimal.NewFromFloat(spec.StepSize)
	minNotional := decimal.NewFromFloat(spec.MinNotional)
	minQty := decimal.NewFromFloat(spec.MinQty)
	maxQty := decimal.NewFromFloat(spec.MaxQty)
	stepped := step.IsPositive()

	if qty.IsNegative() {
		qty = decimal.Zero
	}
	if stepped {
		qty = floorToStep(qty, step)
	}

	if qty.LessThan(minQty) {
		if !stepped {
			qty = minQty
		} else {
			qty = ceilToStep(minQty, step)
		}
	}

	if price.Mul(qty).LessThan(minNotional) {
		if !stepped {
			return decimal.Zero, fmt.Errorf("notional %s below %s and no step size to scale by", price.Mul(qty), minNotional)
		}
		qty = ceilToStep(minNotional.Div(price), step)
		// Div truncates non-terminating quotients; one step covers the remainder.
		if price.Mul(qty).LessThan(minNotional) {
			qty = qty.Add(step)
		}
	}

	if maxQty.IsPositive() && qty.GreaterThan(maxQty) {
		if stepped {
			qty = floorToStep(maxQty, step)
		} else {
			qty = maxQty
		}
		if price.Mul(qty).LessThan(minNotional) {
			return decimal.Zero, fmt.Errorf("min notional %s needs more than max qty %s", minNotional, maxQty)
		}
	}

	if !qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("quantity rounds to zero")
	}
	return qty, nil
}

func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	return v.Div(step).Floor().Mul(step)
}

func ceilToStep(v, step decimal.Decimal) decimal.Decimal {
	return v.Div(step).Ceil().Mul(step)
}

func reject(reason Reason, price, qty float64, detail string) *ValidationError {
	return &ValidationError{Reason: reason, Price: price, Qty: qty, Detail: detail}
}
