package db

import (
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// PositionStatus is the lifecycle state of a stored position.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
	PositionError   PositionStatus = "ERROR"
)

// Close reasons.
const (
	ReasonStopLoss     = "STOP_LOSS"
	ReasonTrailingStop = "TRAILING_STOP"
	ReasonTakeProfit   = "TAKE_PROFIT"
	ReasonManual       = "MANUAL"
	ReasonTimeout      = "TIMEOUT"
	ReasonBreakeven    = "BREAKEVEN"
)

// Position is one entry into a symbol on one exchange.
type Position struct {
	ID              string              `json:"id"`
	Exchange        string              `json:"exchange"`
	Symbol          string              `json:"symbol"`
	Side            common.PositionSide `json:"side"`
	EntryPrice      decimal.Decimal     `json:"entry_price"`
	Quantity        decimal.Decimal     `json:"quantity"`
	Leverage        int                 `json:"leverage"`
	Status          PositionStatus      `json:"status"`
	CurrentPrice    decimal.Decimal     `json:"current_price"`
	MaxPrice        decimal.Decimal     `json:"max_price"`
	MinPrice        decimal.Decimal     `json:"min_price"`
	StopLossRef     string              `json:"stop_loss_ref,omitempty"`
	TrailingStopRef string              `json:"trailing_stop_ref,omitempty"`
	TakeProfitRef   string              `json:"take_profit_ref,omitempty"`
	Protected       bool                `json:"protected"`
	ExitPrice       decimal.Decimal     `json:"exit_price"`
	RealizedPnL     decimal.Decimal     `json:"realized_pnl"`
	PnLApproximate  bool                `json:"pnl_approximate"`
	CloseReason     string              `json:"close_reason,omitempty"`
	SourceID        string              `json:"source_id,omitempty"`
	OpenedAt        time.Time           `json:"opened_at"`
	ClosedAt        *time.Time          `json:"closed_at,omitempty"`
}

// Age returns how long the position has been open at now.
func (p Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// UnrealizedPnL at price for the stored quantity.
func (p Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == common.PositionShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// Close carries the outcome written when a position is closed.
type Close struct {
	ExitPrice   decimal.Decimal
	PnL         decimal.Decimal
	Reason      string
	Approximate bool
}

// ProtectionKind names a protective order type.
type ProtectionKind string

const (
	ProtectionStopLoss     ProtectionKind = "STOP_LOSS"
	ProtectionTrailingStop ProtectionKind = "TRAILING_STOP"
	ProtectionTakeProfit   ProtectionKind = "TAKE_PROFIT"
	// Reduce-only limit resting at the fee-adjusted breakeven after a timeout.
	ProtectionBreakeven ProtectionKind = "BREAKEVEN"
)

// Protection order statuses.
const (
	ProtectionActive    = "ACTIVE"
	ProtectionFailed    = "FAILED"
	ProtectionCancelled = "CANCELLED"
	ProtectionStale     = "STALE"
)

// ProtectionOrder is a protective order placed for a position.
type ProtectionOrder struct {
	ID              int64           `json:"id"`
	PositionID      string          `json:"position_id"`
	Kind            ProtectionKind  `json:"kind"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	TriggerPrice    decimal.Decimal `json:"trigger_price"`
	DistanceOrRate  decimal.Decimal `json:"distance_or_rate"`
	SizePercent     float64         `json:"size_percent"`
	Status          string          `json:"status"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// SignalRecord is the persisted outcome of one upstream signal.
type SignalRecord struct {
	SourceID    string     `json:"source_id"`
	Exchange    string     `json:"exchange"`
	Symbol      string     `json:"symbol"`
	Direction   string     `json:"direction"`
	Confidence  string     `json:"confidence"`
	Outcome     string     `json:"outcome"`
	Reason      string     `json:"reason,omitempty"`
	PositionID  string     `json:"position_id,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// AuditEvent is one row of the audit trail.
type AuditEvent struct {
	ID        string    `json:"id"`
	Node      string    `json:"node"`
	Type      string    `json:"type"`
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskMetrics are the per-UTC-day counters.
type RiskMetrics struct {
	Date        string  `json:"date"`
	DailyPnL    float64 `json:"daily_pnl"`
	DailyTrades int     `json:"daily_trades"`
	DailyWins   int     `json:"daily_wins"`
	DailyLosses float64 `json:"daily_losses"`
}
