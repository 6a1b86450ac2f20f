package state

import (
	"context"
	"errors"
	"sync"

	"execution-core/internal/events"
	"execution-core/pkg/db"
)

// Repository is the persistence boundary of the core. pkg/db implements it.
type Repository interface {
	GetOpenPositions(ctx context.Context, exchange string) ([]db.Position, error)
	GetPositionBySymbol(ctx context.Context, exchange, symbol string) (db.Position, error)
	GetPosition(ctx context.Context, id string) (db.Position, error)
	CreatePosition(ctx context.Context, p *db.Position) error
	UpdatePosition(ctx context.Context, p db.Position) error
	ClosePosition(ctx context.Context, id string, c db.Close) error
	CheckPositionExists(ctx context.Context, exchange, symbol string) (bool, error)
	CountOpenPositions(ctx context.Context, exchange string) (int, error)
}

// ProtectionStore records protective orders.
type ProtectionStore interface {
	InsertProtectionOrder(ctx context.Context, o *db.ProtectionOrder) error
	SetProtectionStatus(ctx context.Context, positionID, exchangeOrderID, status string) error
	GetProtectionOrders(ctx context.Context, positionID string) ([]db.ProtectionOrder, error)
}

// Store is everything the core needs from persistence.
type Store interface {
	Repository
	ProtectionStore
}

var _ Store = (*db.Database)(nil)

// Manager keeps an in-memory view of OPEN positions while persisting every
// change through the repository. It implements Store.
type Manager struct {
	ProtectionStore

	mu        sync.RWMutex
	positions map[string]db.Position
	repo      Repository
	bus       *events.Bus
}

func NewManager(store Store, bus *events.Bus) *Manager {
	return &Manager{
		ProtectionStore: store,
		repo:            store,
		bus:             bus,
		positions:       make(map[string]db.Position),
	}
}

func key(exchange, symbol string) string { return exchange + "|" + symbol }

// Load seeds in-memory state from the repository on startup.
func (m *Manager) Load(ctx context.Context) error {
	pos, err := m.repo.GetOpenPositions(ctx, "")
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]db.Position, len(pos))
	for _, p := range pos {
		m.positions[key(p.Exchange, p.Symbol)] = p
	}
	return nil
}

// Snapshot returns the cached OPEN positions.
func (m *Manager) Snapshot() []db.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]db.Position, 0, len(m.positions))
	for _, p := range m.positions {
		res = append(res, p)
	}
	return res
}

func (m *Manager) GetOpenPositions(ctx context.Context, exchange string) ([]db.Position, error) {
	return m.repo.GetOpenPositions(ctx, exchange)
}

func (m *Manager) GetPositionBySymbol(ctx context.Context, exchange, symbol string) (db.Position, error) {
	return m.repo.GetPositionBySymbol(ctx, exchange, symbol)
}

func (m *Manager) GetPosition(ctx context.Context, id string) (db.Position, error) {
	return m.repo.GetPosition(ctx, id)
}

func (m *Manager) CheckPositionExists(ctx context.Context, exchange, symbol string) (bool, error) {
	return m.repo.CheckPositionExists(ctx, exchange, symbol)
}

func (m *Manager) CountOpenPositions(ctx context.Context, exchange string) (int, error) {
	return m.repo.CountOpenPositions(ctx, exchange)
}

// CreatePosition persists p and caches it.
func (m *Manager) CreatePosition(ctx context.Context, p *db.Position) error {
	if err := m.repo.CreatePosition(ctx, p); err != nil {
		return err
	}
	m.mu.Lock()
	m.positions[key(p.Exchange, p.Symbol)] = *p
	m.mu.Unlock()
	m.bus.Publish(events.EventPositionOpened, events.Audit{
		Exchange: p.Exchange,
		Symbol:   p.Symbol,
		Fields: map[string]any{
			"position_id": p.ID, "side": p.Side, "qty": p.Quantity.String(),
			"entry": p.EntryPrice.String(), "source_id": p.SourceID,
		},
	})
	return nil
}

// UpdatePosition persists p and refreshes the cache.
func (m *Manager) UpdatePosition(ctx context.Context, p db.Position) error {
	if err := m.repo.UpdatePosition(ctx, p); err != nil {
		return err
	}
	m.mu.Lock()
	if p.Status == db.PositionOpen {
		m.positions[key(p.Exchange, p.Symbol)] = p
	}
	m.mu.Unlock()
	return nil
}

// ClosePosition persists the close and evicts the position from the cache.
func (m *Manager) ClosePosition(ctx context.Context, id string, c db.Close) error {
	p, err := m.repo.GetPosition(ctx, id)
	if err != nil {
		return err
	}
	if err := m.repo.ClosePosition(ctx, id, c); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.positions, key(p.Exchange, p.Symbol))
	m.mu.Unlock()
	m.bus.Publish(events.EventPositionClosed, events.Audit{
		Exchange: p.Exchange,
		Symbol:   p.Symbol,
		Detail:   c.Reason,
		Fields: map[string]any{
			"position_id": id, "exit": c.ExitPrice.String(), "pnl": c.PnL.String(),
			"pnl_approximate": c.Approximate,
		},
	})
	return nil
}

// IsNotFound reports whether err is the repository's not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
