package futures_usdt

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

type orderResp struct {
	Symbol        string          `json:"symbol"`
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Status        string          `json:"status"`
	Type          string          `json:"type"`
	OrigType      string          `json:"origType"`
	Side          string          `json:"side"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
	ReduceOnly    bool            `json:"reduceOnly"`
	ClosePosition bool            `json:"closePosition"`
	UpdateTime    int64           `json:"updateTime"`
}

func (o orderResp) toOrder() common.Order {
	typ := o.Type
	if o.OrigType != "" {
		typ = o.OrigType
	}
	return common.Order{
		OrderID:       formatID(o.OrderID),
		ClientID:      o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          common.Side(o.Side),
		Type:          common.OrderType(typ),
		Status:        mapStatus(o.Status),
		Qty:           o.OrigQty,
		ExecutedQty:   o.ExecutedQty,
		AvgPrice:      o.AvgPrice,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.ClosePosition,
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}
}

type userTrade struct {
	ID         int64           `json:"id"`
	OrderID    int64           `json:"orderId"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	Commission decimal.Decimal `json:"commission"`
	Time       int64           `json:"time"`
}

type positionRisk struct {
	Symbol           string          `json:"symbol"`
	PositionSide     string          `json:"positionSide"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	MarkPrice        decimal.Decimal `json:"markPrice"`
	UnRealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	Leverage         string          `json:"leverage"`
}

type futuresBalance struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

type exchangeInfo struct {
	Symbols []symbolInfo `json:"symbols"`
}

type symbolInfo struct {
	Symbol  string         `json:"symbol"`
	Status  string         `json:"status"`
	Filters []symbolFilter `json:"filters"`
}

type symbolFilter struct {
	FilterType string          `json:"filterType"`
	StepSize   decimal.Decimal `json:"stepSize"`
	TickSize   decimal.Decimal `json:"tickSize"`
	MinQty     decimal.Decimal `json:"minQty"`
	MaxQty     decimal.Decimal `json:"maxQty"`
	Notional   decimal.Decimal `json:"notional"`
}

func (s symbolInfo) toInstrument() common.Instrument {
	inst := common.Instrument{
		Symbol:      s.Symbol,
		Trading:     s.Status == "TRADING",
		MinLeverage: 1,
		MaxLeverage: 125,
	}
	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			inst.StepSize = f.StepSize
			inst.MinQty = f.MinQty
			inst.MaxQty = f.MaxQty
		case "PRICE_FILTER":
			inst.TickSize = f.TickSize
		case "MIN_NOTIONAL":
			inst.MinNotional = f.Notional
		}
	}
	return inst
}

type ticker24h struct {
	Symbol      string          `json:"symbol"`
	LastPrice   decimal.Decimal `json:"lastPrice"`
	QuoteVolume decimal.Decimal `json:"quoteVolume"`
}

type bookTicker struct {
	BidPrice decimal.Decimal `json:"bidPrice"`
	AskPrice decimal.Decimal `json:"askPrice"`
}

type premiumIndex struct {
	MarkPrice decimal.Decimal `json:"markPrice"`
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return decimal.NewFromInt(id).String()
}
