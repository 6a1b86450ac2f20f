package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"execution-core/internal/balance"
	"execution-core/internal/protection"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/db"
	"execution-core/pkg/resilience"
)

var (
	// ErrPositionNotFound is returned when no OPEN position matches a close.
	ErrPositionNotFound = errors.New("no open position")
	// ErrAmbiguousPosition is returned when a symbol is open on several
	// exchanges and the caller did not name one.
	ErrAmbiguousPosition = errors.New("symbol open on several exchanges")
)

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	processor  *Processor
	guard      *risk.Guard
	store      state.Repository
	positions  PositionLister
	protection *protection.Engine
	reconciler *reconciliation.Service
	breakers   map[string]*resilience.Breaker
	limiters   map[string]*resilience.Limiter
	balances   *balance.Manager
	health     func() []string

	// System metadata
	meta SystemStatus
}

// ServiceConfig holds the modules an Impl is built from.
type ServiceConfig struct {
	Processor      *Processor
	Guard          *risk.Guard
	Store          state.Repository
	Positions      PositionLister
	Protection     *protection.Engine
	Reconciliation *reconciliation.Service
	Breakers       map[string]*resilience.Breaker
	Limiters       map[string]*resilience.Limiter // optional
	Balances       *balance.Manager               // optional
	Health         func() []string                // exchanges failing health checks
	Meta           SystemStatus
}

var _ Service = (*Impl)(nil)

// NewImpl creates a new engine implementation.
func NewImpl(cfg ServiceConfig) *Impl {
	return &Impl{
		processor:  cfg.Processor,
		guard:      cfg.Guard,
		store:      cfg.Store,
		positions:  cfg.Positions,
		protection: cfg.Protection,
		reconciler: cfg.Reconciliation,
		breakers:   cfg.Breakers,
		limiters:   cfg.Limiters,
		balances:   cfg.Balances,
		health:     cfg.Health,
		meta:       cfg.Meta,
	}
}

// --- Signals ---

func (e *Impl) SubmitSignal(ctx context.Context, sig Signal) Result {
	return e.processor.Process(ctx, sig)
}

// --- Positions ---

func (e *Impl) ListPositions(ctx context.Context, status db.PositionStatus, limit int) ([]db.Position, error) {
	if e.positions == nil {
		return nil, fmt.Errorf("position history not available")
	}
	return e.positions.ListPositions(ctx, status, limit)
}

// ClosePosition closes the OPEN position for symbol at market with reason
// MANUAL. An empty exchange searches every configured exchange.
func (e *Impl) ClosePosition(ctx context.Context, exchange, symbol string) (CloseResult, error) {
	exchanges := []string{exchange}
	if exchange == "" {
		exchanges = e.processor.Exchanges()
	}
	var matches []db.Position
	for _, ex := range exchanges {
		pos, err := e.store.GetPositionBySymbol(ctx, ex, symbol)
		if state.IsNotFound(err) {
			continue
		}
		if err != nil {
			return CloseResult{}, err
		}
		matches = append(matches, pos)
	}
	switch len(matches) {
	case 0:
		return CloseResult{}, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	case 1:
	default:
		return CloseResult{}, fmt.Errorf("%w: %s", ErrAmbiguousPosition, symbol)
	}

	pos := matches[0]
	exec, err := e.protection.ClosePosition(ctx, pos, db.ReasonManual)
	res := CloseResult{PositionID: pos.ID, Exchange: pos.Exchange, Symbol: pos.Symbol, Execution: exec}
	return res, err
}

// --- Guard & resilience ---

func (e *Impl) GuardStatus() GuardStatus {
	return e.guard.Status()
}

func (e *Impl) Breakers() []BreakerStatus {
	names := make([]string, 0, len(e.breakers))
	for name := range e.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]BreakerStatus, 0, len(names))
	for _, name := range names {
		out = append(out, BreakerStatus{
			Exchange:   name,
			Circuits:   e.breakers[name].Snapshot(),
			RateTokens: e.limiters[name].Tokens(),
		})
	}
	return out
}

// Balances returns the cached margin balances.
func (e *Impl) Balances() []balance.Balance {
	if e.balances == nil {
		return []balance.Balance{}
	}
	return e.balances.Snapshot()
}

// --- Reconciliation ---

func (e *Impl) Reconcile(ctx context.Context, execute bool) ([]reconciliation.Report, error) {
	return e.reconciler.Reconcile(ctx, execute)
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) SystemStatus {
	st := e.meta
	st.Exchanges = e.processor.Exchanges()
	st.ServerTime = time.Now().UTC()
	if e.health != nil {
		st.Unhealthy = e.health()
	}
	return st
}
