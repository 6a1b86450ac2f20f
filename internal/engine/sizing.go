package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

var (
	// ErrNotTradeable marks a symbol that fails the tradeability check.
	ErrNotTradeable = errors.New("not tradeable")
	// ErrBelowMinNotional means no quantity within the instrument filters
	// reaches the minimum order value.
	ErrBelowMinNotional = errors.New("cannot meet minimum order value")
)

// minNotionalBuffer is added on top of the instrument minimum when the sized
// quantity has to be raised.
var minNotionalBuffer = decimal.RequireFromString("0.05")

// market is the snapshot an entry is sized from.
type market struct {
	inst   common.Instrument
	ticker common.Ticker
}

// checkTradeable loads instrument and ticker for symbol and rejects it when it
// is not trading, the spread is too wide or the 24h quote volume too thin.
// Rejections wrap ErrNotTradeable; transport failures are returned as is.
func (p *Processor) checkTradeable(ctx context.Context, client common.ExchangeClient, symbol string) (market, error) {
	inst, err := client.GetInstrument(ctx, symbol)
	if errors.Is(err, common.ErrSymbolNotFound) {
		return market{}, fmt.Errorf("%w: symbol not found", ErrNotTradeable)
	}
	if err != nil {
		return market{}, fmt.Errorf("instrument %s: %w", symbol, err)
	}
	if !inst.Trading {
		return market{}, fmt.Errorf("%w: symbol not trading", ErrNotTradeable)
	}
	t, err := client.GetTicker(ctx, symbol)
	if err != nil {
		return market{}, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	if limit := p.cfg.Filter.MaxSpreadPercent; limit > 0 {
		if spread := t.SpreadPercent(); spread.GreaterThan(decimal.NewFromFloat(limit)) {
			return market{}, fmt.Errorf("%w: spread too high: %s%%", ErrNotTradeable, spread.StringFixed(2))
		}
	}
	if floor := p.cfg.Filter.MinQuoteVolume; floor > 0 && t.QuoteVolume.LessThan(decimal.NewFromFloat(floor)) {
		return market{}, fmt.Errorf("%w: low volume: $%s", ErrNotTradeable, t.QuoteVolume.StringFixed(0))
	}
	return market{inst: inst, ticker: t}, nil
}

// entryPrice is the price a market entry is expected to pay: the ask for a
// long, the bid for a short, falling back to mark and last price.
func entryPrice(side common.PositionSide, t common.Ticker) decimal.Decimal {
	price := t.AskPrice
	if side == common.PositionShort {
		price = t.BidPrice
	}
	if !price.IsPositive() {
		price = t.MarkPrice
	}
	if !price.IsPositive() {
		price = t.LastPrice
	}
	return price
}

// SizePosition returns the order quantity for sizeUSD of margin at leverage:
// size*leverage/price formatted to the step and raised to the minimum. When
// the notional misses the instrument minimum the quantity is raised to the
// minimum plus a 5% buffer.
func SizePosition(sizeUSD float64, leverage int, price decimal.Decimal, inst common.Instrument) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("no price for %s", inst.Symbol)
	}
	if leverage < 1 {
		leverage = 1
	}
	notional := decimal.NewFromFloat(sizeUSD).Mul(decimal.NewFromInt(int64(leverage)))
	qty, _ := common.FormatQuantity(notional.Div(price), inst)
	if common.MeetsMinNotional(qty, price, inst, decimal.Zero) {
		return qty, nil
	}

	need := inst.MinNotional.Mul(decimal.NewFromInt(1).Add(minNotionalBuffer)).Div(price)
	qty, _ = common.FormatQuantity(common.RoundUpToStep(need, inst.StepSize), inst)
	if !common.MeetsMinNotional(qty, price, inst, decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%w $%s for %s", ErrBelowMinNotional, inst.MinNotional, inst.Symbol)
	}
	return qty, nil
}
