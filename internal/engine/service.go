package engine

import (
	"context"

	"execution-core/internal/balance"
	"execution-core/internal/reconciliation"
	"execution-core/pkg/db"
)

// Service is what the operator API may do with the core. The API layer
// only talks to the engine through this interface.
type Service interface {
	// Signals
	SubmitSignal(ctx context.Context, sig Signal) Result

	// Positions
	ListPositions(ctx context.Context, status db.PositionStatus, limit int) ([]db.Position, error)
	ClosePosition(ctx context.Context, exchange, symbol string) (CloseResult, error)

	// Guard & resilience
	GuardStatus() GuardStatus
	Breakers() []BreakerStatus
	Balances() []balance.Balance

	// Reconciliation; execute=false is a dry run.
	Reconcile(ctx context.Context, execute bool) ([]reconciliation.Report, error)

	// System
	GetSystemStatus(ctx context.Context) SystemStatus
}

// PositionLister is the read-only history query the API needs.
type PositionLister interface {
	ListPositions(ctx context.Context, status db.PositionStatus, limit int) ([]db.Position, error)
}
