package protection

import (
	"github.com/shopspring/decimal"

	"execution-core/pkg/config"
	"execution-core/pkg/exchanges/common"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)

	// Activation is "past entry" once price moved 0.1% in favour.
	activationThreshold = decimal.RequireFromString("0.001")
	// Distance beyond mark when activating immediately.
	markNudge = decimal.RequireFromString("0.0001")
	// Retry buffer after a price-validity rejection.
	retryBuffer = decimal.RequireFromString("0.005")

	minCallbackRate = decimal.RequireFromString("0.1")
	maxCallbackRate = decimal.NewFromInt(5)
)

func pct(p float64) decimal.Decimal {
	return decimal.NewFromFloat(p).Div(hundred)
}

// roundToTick rounds to the nearest tick.
func roundToTick(v, tick decimal.Decimal) decimal.Decimal {
	if tick.Sign() <= 0 {
		return v
	}
	return v.Div(tick).Round(0).Mul(tick)
}

// StopLossPrice returns entry*(1-sl%) for longs and entry*(1+sl%) for
// shorts, rounded to tick.
func StopLossPrice(side common.PositionSide, entry decimal.Decimal, slPercent float64, inst common.Instrument) decimal.Decimal {
	f := pct(slPercent)
	if side == common.PositionShort {
		return roundToTick(entry.Mul(one.Add(f)), inst.TickSize)
	}
	return roundToTick(entry.Mul(one.Sub(f)), inst.TickSize)
}

// TakeProfitPrice returns entry*(1+tp%) for longs and entry*(1-tp%) for
// shorts, rounded to tick.
func TakeProfitPrice(side common.PositionSide, entry decimal.Decimal, tpPercent float64, inst common.Instrument) decimal.Decimal {
	f := pct(tpPercent)
	if side == common.PositionShort {
		return roundToTick(entry.Mul(one.Sub(f)), inst.TickSize)
	}
	return roundToTick(entry.Mul(one.Add(f)), inst.TickSize)
}

// TrailingDistance is the absolute trail, entry*rate%, rounded to tick and
// never below one tick.
func TrailingDistance(entry decimal.Decimal, ratePercent float64, inst common.Instrument) decimal.Decimal {
	d := roundToTick(entry.Mul(pct(ratePercent)), inst.TickSize)
	if inst.TickSize.IsPositive() && d.LessThan(inst.TickSize) {
		d = inst.TickSize
	}
	return d
}

// CallbackRate clamps a trailing percentage to what exchanges accept.
func CallbackRate(ratePercent float64) decimal.Decimal {
	r := decimal.NewFromFloat(ratePercent)
	if r.LessThan(minCallbackRate) {
		return minCallbackRate
	}
	if r.GreaterThan(maxCallbackRate) {
		return maxCallbackRate
	}
	return r
}

// ActivationPrice picks the trailing-stop activation price.
//
// With a known mark already 0.1% past entry in the profitable direction the
// stop activates just beyond mark (mark*1.0001, at least one tick away);
// otherwise it activates at breakeven plus 0.1%. Without a mark price the
// configured activation percentage from entry is used.
func ActivationPrice(side common.PositionSide, entry, mark decimal.Decimal, activationPercent float64, inst common.Instrument) decimal.Decimal {
	tick := inst.TickSize
	if !mark.IsPositive() {
		f := pct(activationPercent)
		if side == common.PositionShort {
			return roundToTick(entry.Mul(one.Sub(f)), tick)
		}
		return roundToTick(entry.Mul(one.Add(f)), tick)
	}

	if side == common.PositionShort {
		threshold := entry.Mul(one.Sub(activationThreshold))
		if mark.LessThan(threshold) {
			return decimal.Min(roundToTick(mark.Mul(one.Sub(markNudge)), tick), mark.Sub(tick))
		}
		return roundToTick(threshold, tick)
	}

	threshold := entry.Mul(one.Add(activationThreshold))
	if mark.GreaterThan(threshold) {
		return decimal.Max(roundToTick(mark.Mul(one.Add(markNudge)), tick), mark.Add(tick))
	}
	return roundToTick(threshold, tick)
}

// RetryActivationPrice is the second attempt after the exchange rejected the
// first activation price: 0.5% beyond the further of mark and entry.
func RetryActivationPrice(side common.PositionSide, entry, mark decimal.Decimal, inst common.Instrument) decimal.Decimal {
	if !mark.IsPositive() {
		mark = entry
	}
	if side == common.PositionShort {
		f := one.Sub(retryBuffer)
		return roundToTick(decimal.Min(mark.Mul(f), entry.Mul(f)), inst.TickSize)
	}
	f := one.Add(retryBuffer)
	return roundToTick(decimal.Max(mark.Mul(f), entry.Mul(f)), inst.TickSize)
}

// RetryStopLossPrice moves a rejected stop 0.5% beyond mark on the losing
// side when mark already crossed the original stop.
func RetryStopLossPrice(side common.PositionSide, stop, mark decimal.Decimal, inst common.Instrument) decimal.Decimal {
	if !mark.IsPositive() {
		return stop
	}
	if side == common.PositionShort {
		return roundToTick(decimal.Max(stop, mark.Mul(one.Add(retryBuffer))), inst.TickSize)
	}
	return roundToTick(decimal.Min(stop, mark.Mul(one.Sub(retryBuffer))), inst.TickSize)
}

// BreakevenPrice is the exit price that covers taker fees on both legs:
// entry*(1+fee)/(1-fee) for longs, entry*(1-fee)/(1+fee) for shorts,
// truncated to tick.
func BreakevenPrice(side common.PositionSide, entry decimal.Decimal, feeRate float64, inst common.Instrument) decimal.Decimal {
	fee := decimal.NewFromFloat(feeRate)
	var p decimal.Decimal
	if side == common.PositionShort {
		p = entry.Mul(one.Sub(fee)).DivRound(one.Add(fee), 16)
	} else {
		p = entry.Mul(one.Add(fee)).DivRound(one.Sub(fee), 16)
	}
	return common.FormatPrice(p, inst)
}

// Ladder splits qty across the partial take-profit levels. Every slice is
// formatted to the instrument step and the last level takes the remainder.
// Slices below the minimum quantity are dropped.
func Ladder(side common.PositionSide, entry, qty decimal.Decimal, levels []config.TPLevel, inst common.Instrument) []Rung {
	var (
		out  []Rung
		used decimal.Decimal
	)
	for i, lv := range levels {
		var q decimal.Decimal
		if i == len(levels)-1 {
			q = common.TruncateToStep(qty.Sub(used), inst.StepSize)
		} else {
			q = common.TruncateToStep(qty.Mul(pct(lv.SizePercent)), inst.StepSize)
		}
		if !q.IsPositive() || (inst.MinQty.IsPositive() && q.LessThan(inst.MinQty)) {
			continue
		}
		used = used.Add(q)
		out = append(out, Rung{
			Price:       TakeProfitPrice(side, entry, lv.Percent, inst),
			Qty:         q,
			SizePercent: lv.SizePercent,
		})
	}
	return out
}

// Rung is a priced and sized ladder step.
type Rung struct {
	Price       decimal.Decimal
	Qty         decimal.Decimal
	SizePercent float64
}
