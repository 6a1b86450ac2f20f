package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/order"
	"execution-core/internal/protection"
	"execution-core/internal/risk"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/resilience"
)

// Signal is one upstream trading decision. It is immutable once received and
// consumed at most once per SourceID.
type Signal struct {
	SourceID              string              `json:"source_id"`
	Exchange              string              `json:"exchange"`
	Symbol                string              `json:"symbol"`
	Direction             common.PositionSide `json:"direction"`
	Confidence            string              `json:"confidence"`
	PredictionProbability float64             `json:"prediction_probability"`
	EntryPriceHint        decimal.Decimal     `json:"entry_price_hint"`
	CreatedAt             time.Time           `json:"created_at"`
}

// Validate checks the fields every signal must carry.
func (s Signal) Validate() error {
	var errs []error
	if strings.TrimSpace(s.SourceID) == "" {
		errs = append(errs, errors.New("source_id is required"))
	}
	if strings.TrimSpace(s.Symbol) == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if s.Direction != common.PositionLong && s.Direction != common.PositionShort {
		errs = append(errs, fmt.Errorf("direction %q must be LONG or SHORT", s.Direction))
	}
	return errors.Join(errs...)
}

// Outcome is the terminal state of a signal.
type Outcome string

const (
	OutcomeExecuted Outcome = "EXECUTED"
	OutcomeSkipped  Outcome = "SKIPPED"
	OutcomeError    Outcome = "ERROR"
)

// Result is what processing one signal produced. Every signal ends in exactly
// one outcome.
type Result struct {
	SourceID   string             `json:"source_id"`
	Exchange   string             `json:"exchange"`
	Symbol     string             `json:"symbol"`
	Outcome    Outcome            `json:"outcome"`
	Reason     string             `json:"reason,omitempty"`
	PositionID string             `json:"position_id,omitempty"`
	Execution  *order.Execution   `json:"execution,omitempty"`
	Protection *protection.Report `json:"protection,omitempty"`
	Latency    time.Duration      `json:"-"`
}

// MarshalJSON reports Latency in whole milliseconds.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		LatencyMS int64 `json:"latency_ms"`
	}{plain(r), r.Latency.Milliseconds()})
}

// BatchStats counts the outcomes of one batch.
type BatchStats struct {
	Total    int `json:"total"`
	Executed int `json:"executed"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

func (b *BatchStats) add(r Result) {
	switch r.Outcome {
	case OutcomeExecuted:
		b.Executed++
	case OutcomeSkipped:
		b.Skipped++
	default:
		b.Errors++
	}
}

// CloseResult is returned by a manual close.
type CloseResult struct {
	PositionID string          `json:"position_id"`
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	Execution  order.Execution `json:"execution"`
}

// BreakerStatus groups the circuits of one exchange client.
type BreakerStatus struct {
	Exchange   string                    `json:"exchange"`
	Circuits   []resilience.CircuitState `json:"circuits"`
	RateTokens float64                   `json:"rate_tokens"`
}

// GuardStatus is the operator view of the duplicate/risk guard.
type GuardStatus = risk.Status

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode       string    `json:"mode"`
	Instance   string    `json:"instance"`
	Exchanges  []string  `json:"exchanges"`
	Unhealthy  []string  `json:"unhealthy_exchanges,omitempty"`
	Version    string    `json:"version"`
	ServerTime time.Time `json:"server_time"`
	StartedAt  time.Time `json:"started_at"`
}
