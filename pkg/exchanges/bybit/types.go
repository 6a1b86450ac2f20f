package bybit

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// num decodes Bybit numeric strings, which are "" when a field is unset.
type num struct{ decimal.Decimal }

func (n *num) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		n.Decimal = decimal.Zero
		return nil
	}
	d, err := decimal.NewFromString(string(b))
	if err != nil {
		return err
	}
	n.Decimal = d
	return nil
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type listResult[T any] struct {
	List           []T    `json:"list"`
	NextPageCursor string `json:"nextPageCursor"`
}

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type orderInfo struct {
	OrderID       string `json:"orderId"`
	OrderLinkID   string `json:"orderLinkId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	OrderType     string `json:"orderType"`
	StopOrderType string `json:"stopOrderType"`
	OrderStatus   string `json:"orderStatus"`
	Qty           num    `json:"qty"`
	CumExecQty    num    `json:"cumExecQty"`
	AvgPrice      num    `json:"avgPrice"`
	Price         num    `json:"price"`
	TriggerPrice  num    `json:"triggerPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	CloseOnTrig   bool   `json:"closeOnTrigger"`
	UpdatedTime   string `json:"updatedTime"`
}

func (o orderInfo) toOrder() common.Order {
	return common.Order{
		OrderID:       o.OrderID,
		ClientID:      o.OrderLinkID,
		Symbol:        o.Symbol,
		Side:          toSide(o.Side),
		Type:          toOrderType(o.OrderType, o.StopOrderType),
		Status:        mapStatus(o.OrderStatus),
		Qty:           o.Qty.Decimal,
		ExecutedQty:   o.CumExecQty.Decimal,
		AvgPrice:      o.AvgPrice.Decimal,
		Price:         o.Price.Decimal,
		StopPrice:     o.TriggerPrice.Decimal,
		ReduceOnly:    o.ReduceOnly,
		ClosePosition: o.CloseOnTrig,
		UpdatedAt:     parseMillis(o.UpdatedTime),
	}
}

type execution struct {
	ExecID    string `json:"execId"`
	OrderID   string `json:"orderId"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	ExecQty   num    `json:"execQty"`
	ExecPrice num    `json:"execPrice"`
	ExecFee   num    `json:"execFee"`
	ExecTime  string `json:"execTime"`
}

type positionInfo struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          num    `json:"size"`
	AvgPrice      num    `json:"avgPrice"`
	MarkPrice     num    `json:"markPrice"`
	UnrealisedPnl num    `json:"unrealisedPnl"`
	Leverage      num    `json:"leverage"`
	TrailingStop  num    `json:"trailingStop"`
	StopLoss      num    `json:"stopLoss"`
	TakeProfit    num    `json:"takeProfit"`
}

type instrumentInfo struct {
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	LotSizeFilter struct {
		QtyStep          num `json:"qtyStep"`
		MinOrderQty      num `json:"minOrderQty"`
		MaxOrderQty      num `json:"maxOrderQty"`
		MinNotionalValue num `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize num `json:"tickSize"`
	} `json:"priceFilter"`
	LeverageFilter struct {
		MinLeverage num `json:"minLeverage"`
		MaxLeverage num `json:"maxLeverage"`
	} `json:"leverageFilter"`
}

func (i instrumentInfo) toInstrument() common.Instrument {
	return common.Instrument{
		Symbol:      i.Symbol,
		Trading:     i.Status == "Trading",
		StepSize:    i.LotSizeFilter.QtyStep.Decimal,
		TickSize:    i.PriceFilter.TickSize.Decimal,
		MinQty:      i.LotSizeFilter.MinOrderQty.Decimal,
		MaxQty:      i.LotSizeFilter.MaxOrderQty.Decimal,
		MinNotional: i.LotSizeFilter.MinNotionalValue.Decimal,
		MinLeverage: int(i.LeverageFilter.MinLeverage.IntPart()),
		MaxLeverage: int(i.LeverageFilter.MaxLeverage.IntPart()),
	}
}

type tickerInfo struct {
	Symbol      string `json:"symbol"`
	LastPrice   num    `json:"lastPrice"`
	MarkPrice   num    `json:"markPrice"`
	Bid1Price   num    `json:"bid1Price"`
	Ask1Price   num    `json:"ask1Price"`
	Turnover24h num    `json:"turnover24h"`
}

type walletAccount struct {
	Coin []struct {
		Coin                string `json:"coin"`
		WalletBalance       num    `json:"walletBalance"`
		AvailableToWithdraw num    `json:"availableToWithdraw"`
	} `json:"coin"`
}

func toSide(s string) common.Side {
	if strings.EqualFold(s, "Sell") {
		return common.SideSell
	}
	return common.SideBuy
}

func fromSide(s common.Side) string {
	if s == common.SideSell {
		return "Sell"
	}
	return "Buy"
}

func toOrderType(orderType, stopOrderType string) common.OrderType {
	switch stopOrderType {
	case "StopLoss", "Stop":
		return common.OrderTypeStopMarket
	case "TakeProfit", "PartialTakeProfit":
		return common.OrderTypeTakeProfitMarket
	case "TrailingStop":
		return common.OrderTypeTrailingStop
	}
	if orderType == "Limit" {
		return common.OrderTypeLimit
	}
	return common.OrderTypeMarket
}

func mapStatus(s string) common.OrderStatus {
	switch s {
	case "New", "Untriggered", "Triggered", "Created":
		return common.StatusNew
	case "PartiallyFilled":
		return common.StatusPartial
	case "Filled":
		return common.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return common.StatusCanceled
	case "Rejected":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}

func parseMillis(s string) time.Time {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(d.IntPart())
}
