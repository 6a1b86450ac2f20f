package risk

import (
	"errors"
	"time"
)

// Rejection reasons returned by Guard.CanProcess.
var (
	ErrSignalInFlight   = errors.New("signal already being processed")
	ErrSymbolInFlight   = errors.New("symbol already being processed")
	ErrCooldown         = errors.New("cooldown active")
	ErrPositionOpen     = errors.New("position already open")
	ErrMaxOpenPositions = errors.New("max open positions reached")
	ErrDailyTrades      = errors.New("daily trade limit reached")
	ErrDailyLoss        = errors.New("daily loss limit reached")
)

// Config holds the guard limits.
type Config struct {
	Cooldown         time.Duration
	MaxDailyTrades   int
	MaxDailyLossUSD  float64
	MaxOpenPositions int
}

// Ticket identifies one signal asking for entry.
type Ticket struct {
	SourceID string
	Exchange string
	Symbol   string
}

// TradeResult is a realized outcome fed back into the daily counters.
type TradeResult struct {
	Exchange string
	Symbol   string
	PnL      float64 // net of fees
}

// Metrics tracks the current UTC day and guard counters.
type Metrics struct {
	Day         string  `json:"day"`
	DailyPnL    float64 `json:"daily_pnl"`
	DailyTrades int     `json:"daily_trades"`
	DailyWins   int     `json:"daily_wins"`
	DailyLosses float64 `json:"daily_losses"`

	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
}

// Status is a point-in-time view of the guard for operators.
type Status struct {
	Metrics         Metrics            `json:"metrics"`
	InFlightSymbols []string           `json:"in_flight_symbols"`
	InFlightSignals int                `json:"in_flight_signals"`
	Cooldowns       map[string]float64 `json:"cooldowns_remaining_seconds"`
}
