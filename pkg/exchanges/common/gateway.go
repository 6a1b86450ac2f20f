package common

import "context"

// Exchange identifiers used in configuration and persisted rows.
const (
	ExchangeBinance = "binance"
	ExchangeBybit   = "bybit"
)

// ExchangeClient abstracts a futures venue. Each provider implements it and is
// selected once at construction time.
type ExchangeClient interface {
	Name() string

	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	QueryOrder(ctx context.Context, symbol, orderID string) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	GetTrades(ctx context.Context, symbol, orderID string) ([]Trade, error)

	GetPositions(ctx context.Context) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	GetInstrument(ctx context.Context, symbol string) (Instrument, error)
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetBalance(ctx context.Context, asset string) (Balance, error)
}

// FindPosition returns the live position for symbol, if any.
func FindPosition(ctx context.Context, c ExchangeClient, symbol string) (Position, bool, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return Position{}, false, err
	}
	for _, p := range positions {
		if p.Symbol == symbol && p.Qty.IsPositive() {
			return p, true, nil
		}
	}
	return Position{}, false, nil
}
