package common

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// EntrySide returns the order side that opens a position in this direction.
func (p PositionSide) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// CloseSide returns the order side that reduces a position in this direction.
func (p PositionSide) CloseSide() Side {
	return p.EntrySide().Opposite()
}

// OrderType covers the futures order types the core places.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStop     OrderType = "TRAILING_STOP_MARKET"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFGTX TimeInForce = "GTX" // Post Only
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether the exchange will not change the order further.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest captures an order intent to be sent to an exchange.
// Quantities and prices must already be formatted to the instrument filters.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         decimal.Decimal
	Price       decimal.Decimal // LIMIT
	StopPrice   decimal.Decimal // STOP_MARKET / TAKE_PROFIT_MARKET trigger
	TimeInForce TimeInForce
	ClientID    string
	ReduceOnly  bool
	// ClosePosition makes a stop close whatever size is open when triggered.
	ClosePosition bool

	// Trailing stop. Binance takes a callback percentage, Bybit an absolute
	// price distance; callers fill both.
	ActivationPrice  decimal.Decimal
	CallbackRate     decimal.Decimal
	TrailingDistance decimal.Decimal
}

// OrderResult is the synchronous acknowledgement of a submission. ExecutedQty
// and AvgPrice are advisory; market fills are confirmed separately.
type OrderResult struct {
	OrderID     string
	ClientID    string
	Status      OrderStatus
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
}

// Order is an order as reported by an order query or the open-orders list.
type Order struct {
	OrderID       string
	ClientID      string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Qty           decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	ClosePosition bool
	UpdatedAt     time.Time
}

// Trade is one execution belonging to an order.
type Trade struct {
	TradeID  string
	OrderID  string
	Symbol   string
	Side     Side
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	FilledAt time.Time
}

// Position is a live exchange position. Qty is always positive; Side carries
// the direction.
type Position struct {
	Symbol        string
	Side          PositionSide
	Qty           decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
	// TrailingStop is the trailing distance attached to the position
	// itself (Bybit trading-stop). Zero when none is set.
	TrailingStop decimal.Decimal
}

// Instrument holds the trading filters for a symbol.
type Instrument struct {
	Symbol      string
	Trading     bool
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinNotional decimal.Decimal
	MinLeverage int
	MaxLeverage int
}

// Ticker is a 24h market snapshot.
type Ticker struct {
	Symbol      string
	LastPrice   decimal.Decimal
	MarkPrice   decimal.Decimal
	BidPrice    decimal.Decimal
	AskPrice    decimal.Decimal
	QuoteVolume decimal.Decimal
}

// SpreadPercent returns (ask-bid)/bid*100, or zero when the book is empty.
func (t Ticker) SpreadPercent() decimal.Decimal {
	if t.BidPrice.IsZero() || t.AskPrice.IsZero() {
		return decimal.Zero
	}
	return t.AskPrice.Sub(t.BidPrice).Div(t.BidPrice).Mul(decimal.NewFromInt(100))
}

// Balance is the margin balance of one asset.
type Balance struct {
	Asset     string
	Total     decimal.Decimal
	Available decimal.Decimal
}
