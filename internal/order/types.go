package order

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// Outcome is the terminal state of the confirmation machine.
type Outcome string

const (
	OutcomeFilled          Outcome = "FILLED"
	OutcomePartiallyFilled Outcome = "PARTIALLY_FILLED"
	OutcomeCancelled       Outcome = "CANCELLED"
	OutcomeRejected        Outcome = "REJECTED"
	OutcomeUnknown         Outcome = "UNKNOWN"
)

// Verification methods, in stage order.
const (
	MethodSubmitResponse = "submit_response"
	MethodOrderQuery     = "order_query"
	MethodTradeList      = "trade_list"
	MethodPosition       = "position"
	MethodFinalQuery     = "final_query"
	MethodMarketPrice    = "market_price"
)

// Request is a market order intent.
type Request struct {
	Symbol     string
	Side       common.Side
	Qty        decimal.Decimal
	ReduceOnly bool
}

// Execution describes what a market order produced.
type Execution struct {
	OrderID     string          `json:"order_id"`
	ClientID    string          `json:"client_id"`
	Symbol      string          `json:"symbol"`
	Side        common.Side     `json:"side"`
	Requested   decimal.Decimal `json:"requested_qty"`
	ExecutedQty decimal.Decimal `json:"executed_qty"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
	Outcome     Outcome         `json:"outcome"`
	Stage       int             `json:"stage"`
	Method      string          `json:"verification_method"`
	Elapsed     time.Duration   `json:"elapsed"`
}

// Confirmed reports whether quantity and price are both known.
func (e Execution) Confirmed() bool {
	return (e.Outcome == OutcomeFilled || e.Outcome == OutcomePartiallyFilled) &&
		e.ExecutedQty.IsPositive() && e.AvgPrice.IsPositive()
}

func fillOutcome(requested, executed decimal.Decimal) Outcome {
	if requested.IsPositive() && executed.LessThan(requested) {
		return OutcomePartiallyFilled
	}
	return OutcomeFilled
}
