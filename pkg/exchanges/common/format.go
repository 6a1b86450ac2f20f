package common

import "github.com/shopspring/decimal"

// TruncateToStep rounds value down to a multiple of step. A non-positive step
// leaves value untouched.
func TruncateToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// RoundUpToStep rounds value up to a multiple of step.
func RoundUpToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

// FormatQuantity truncates qty to the instrument step. When the truncated
// value falls below the minimum it is raised to the minimum and adjusted is
// true. Non-positive input yields zero. The result is a fixed point:
// FormatQuantity(FormatQuantity(q)) == FormatQuantity(q).
func FormatQuantity(qty decimal.Decimal, inst Instrument) (out decimal.Decimal, adjusted bool) {
	if qty.Sign() <= 0 {
		return decimal.Zero, false
	}
	out = TruncateToStep(qty, inst.StepSize)
	if inst.MaxQty.IsPositive() && out.GreaterThan(inst.MaxQty) {
		out = TruncateToStep(inst.MaxQty, inst.StepSize)
	}
	minQty := inst.MinQty
	if !minQty.IsPositive() {
		minQty = inst.StepSize
	}
	if minQty.IsPositive() && out.LessThan(minQty) {
		return minQty, true
	}
	return out, false
}

// FormatPrice truncates price to the instrument tick size.
func FormatPrice(price decimal.Decimal, inst Instrument) decimal.Decimal {
	if price.Sign() <= 0 {
		return decimal.Zero
	}
	return TruncateToStep(price, inst.TickSize)
}

// MeetsMinNotional reports whether qty*price reaches the instrument minimum
// notional inflated by buffer (0.05 = 5%).
func MeetsMinNotional(qty, price decimal.Decimal, inst Instrument, buffer decimal.Decimal) bool {
	if !inst.MinNotional.IsPositive() {
		return true
	}
	need := inst.MinNotional.Mul(decimal.NewFromInt(1).Add(buffer))
	return qty.Mul(price).GreaterThanOrEqual(need)
}
