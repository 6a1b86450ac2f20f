package risk

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"execution-core/pkg/db"
)

// PositionChecker answers whether entry is still possible.
type PositionChecker interface {
	CheckPositionExists(ctx context.Context, exchange, symbol string) (bool, error)
	CountOpenPositions(ctx context.Context, exchange string) (int, error)
}

// MetricsStore persists the daily counters across restarts.
type MetricsStore interface {
	GetRiskMetrics(ctx context.Context, date string) (db.RiskMetrics, error)
	UpsertRiskMetrics(ctx context.Context, m db.RiskMetrics) error
}

// Guard serializes entry per symbol. A symbol is IDLE, PROCESSING while a
// release func is outstanding, then in COOLDOWN until the cooldown elapses.
// Daily counters roll over lazily at the first call after UTC midnight.
type Guard struct {
	cfg       Config
	positions PositionChecker
	store     MetricsStore

	mu              sync.Mutex
	inFlightSignals map[string]struct{}
	inFlightSymbols map[string]struct{}
	lastAccepted    map[string]time.Time
	metrics         Metrics
	now             func() time.Time
}

// NewGuard builds a guard. positions and store may be nil.
func NewGuard(cfg Config, positions PositionChecker, store MetricsStore) *Guard {
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	g := &Guard{
		cfg:             cfg,
		positions:       positions,
		store:           store,
		inFlightSignals: make(map[string]struct{}),
		inFlightSymbols: make(map[string]struct{}),
		lastAccepted:    make(map[string]time.Time),
		now:             time.Now,
	}
	g.metrics.Day = dayOf(g.now())
	return g
}

// SetClock replaces the time source.
func (g *Guard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
	g.metrics.Day = dayOf(now())
}

func dayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Load seeds today's counters from the store.
func (g *Guard) Load(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	g.mu.Lock()
	day := dayOf(g.now())
	g.mu.Unlock()

	m, err := g.store.GetRiskMetrics(ctx, day)
	if err != nil {
		return fmt.Errorf("load risk metrics: %w", err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics.Day = day
	g.metrics.DailyPnL = m.DailyPnL
	g.metrics.DailyTrades = m.DailyTrades
	g.metrics.DailyWins = m.DailyWins
	g.metrics.DailyLosses = m.DailyLosses
	return nil
}

// rolloverLocked resets the daily counters when the UTC date changed.
func (g *Guard) rolloverLocked(now time.Time) {
	day := dayOf(now)
	if day == g.metrics.Day {
		return
	}
	log.Printf("risk guard: day rollover %s -> %s (trades=%d losses=%.2f)", g.metrics.Day, day, g.metrics.DailyTrades, g.metrics.DailyLosses)
	g.metrics.Day = day
	g.metrics.DailyPnL = 0
	g.metrics.DailyTrades = 0
	g.metrics.DailyWins = 0
	g.metrics.DailyLosses = 0
}

// CanProcess admits t or explains why not. On success the symbol and source
// id are marked in flight and the cooldown starts; the caller must call
// release exactly once (extra calls are no-ops). Two callers can never both
// be admitted for the same symbol while the first has not released.
func (g *Guard) CanProcess(ctx context.Context, t Ticket) (release func(), err error) {
	g.mu.Lock()
	now := g.now()
	g.rolloverLocked(now)
	g.metrics.ChecksTotal++

	reject := func(e error) (func(), error) {
		g.metrics.RejectionsTotal++
		g.mu.Unlock()
		return nil, e
	}

	if _, busy := g.inFlightSignals[t.SourceID]; busy && t.SourceID != "" {
		return reject(ErrSignalInFlight)
	}
	if _, busy := g.inFlightSymbols[t.Symbol]; busy {
		return reject(fmt.Errorf("%w: %s", ErrSymbolInFlight, t.Symbol))
	}
	if last, ok := g.lastAccepted[t.Symbol]; ok && g.cfg.Cooldown > 0 {
		if elapsed := now.Sub(last); elapsed < g.cfg.Cooldown {
			return reject(fmt.Errorf("%w: %s %.0fs remaining", ErrCooldown, t.Symbol, (g.cfg.Cooldown - elapsed).Seconds()))
		}
	}
	if g.cfg.MaxDailyTrades > 0 && g.metrics.DailyTrades >= g.cfg.MaxDailyTrades {
		return reject(fmt.Errorf("%w: %d", ErrDailyTrades, g.metrics.DailyTrades))
	}
	if g.cfg.MaxDailyLossUSD > 0 && g.metrics.DailyLosses >= g.cfg.MaxDailyLossUSD {
		return reject(fmt.Errorf("%w: $%.2f", ErrDailyLoss, g.metrics.DailyLosses))
	}

	// Mark before the repository lookups so the decision is atomic.
	prev, hadPrev := g.lastAccepted[t.Symbol]
	if t.SourceID != "" {
		g.inFlightSignals[t.SourceID] = struct{}{}
	}
	g.inFlightSymbols[t.Symbol] = struct{}{}
	g.lastAccepted[t.Symbol] = now
	g.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlightSignals, t.SourceID)
			delete(g.inFlightSymbols, t.Symbol)
			g.mu.Unlock()
		})
	}

	if perr := g.checkPositions(ctx, t); perr != nil {
		// Undo the mark: a refused ticket does not start a cooldown.
		g.mu.Lock()
		if hadPrev {
			g.lastAccepted[t.Symbol] = prev
		} else {
			delete(g.lastAccepted, t.Symbol)
		}
		g.metrics.RejectionsTotal++
		g.mu.Unlock()
		release()
		return nil, perr
	}
	return release, nil
}

func (g *Guard) checkPositions(ctx context.Context, t Ticket) error {
	if g.positions == nil {
		return nil
	}
	exists, err := g.positions.CheckPositionExists(ctx, t.Exchange, t.Symbol)
	if err != nil {
		return fmt.Errorf("check position: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s %s", ErrPositionOpen, t.Exchange, t.Symbol)
	}
	if g.cfg.MaxOpenPositions > 0 {
		n, err := g.positions.CountOpenPositions(ctx, "")
		if err != nil {
			return fmt.Errorf("count positions: %w", err)
		}
		if n >= g.cfg.MaxOpenPositions {
			return fmt.Errorf("%w: %d", ErrMaxOpenPositions, n)
		}
	}
	return nil
}

// RecordTrade counts one executed entry.
func (g *Guard) RecordTrade(ctx context.Context) {
	g.mu.Lock()
	g.rolloverLocked(g.now())
	g.metrics.DailyTrades++
	snap := g.metrics
	g.mu.Unlock()
	g.persist(ctx, snap)
}

// RecordResult feeds a realized PnL into the daily loss accounting.
func (g *Guard) RecordResult(ctx context.Context, r TradeResult) {
	g.mu.Lock()
	g.rolloverLocked(g.now())
	g.metrics.DailyPnL += r.PnL
	if r.PnL < 0 {
		g.metrics.DailyLosses += -r.PnL
	} else if r.PnL > 0 {
		g.metrics.DailyWins++
	}
	snap := g.metrics
	g.mu.Unlock()
	g.persist(ctx, snap)
}

func (g *Guard) persist(ctx context.Context, m Metrics) {
	if g.store == nil {
		return
	}
	err := g.store.UpsertRiskMetrics(ctx, db.RiskMetrics{
		Date:        m.Day,
		DailyPnL:    m.DailyPnL,
		DailyTrades: m.DailyTrades,
		DailyWins:   m.DailyWins,
		DailyLosses: m.DailyLosses,
	})
	if err != nil {
		log.Printf("⚠️ risk guard: persist metrics failed: %v", err)
	}
}

// ClearOldEntries drops cooldown entries older than twice the cooldown and
// returns how many were removed.
func (g *Guard) ClearOldEntries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.rolloverLocked(now)
	removed := 0
	for sym, last := range g.lastAccepted {
		if now.Sub(last) > 2*g.cfg.Cooldown {
			delete(g.lastAccepted, sym)
			removed++
		}
	}
	return removed
}

// GetMetrics returns a copy of the counters.
func (g *Guard) GetMetrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked(g.now())
	return g.metrics
}

// Status returns in-flight and cooldown state.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.rolloverLocked(now)

	st := Status{
		Metrics:         g.metrics,
		InFlightSignals: len(g.inFlightSignals),
		InFlightSymbols: make([]string, 0, len(g.inFlightSymbols)),
		Cooldowns:       make(map[string]float64),
	}
	for sym := range g.inFlightSymbols {
		st.InFlightSymbols = append(st.InFlightSymbols, sym)
	}
	sort.Strings(st.InFlightSymbols)
	for sym, last := range g.lastAccepted {
		if rem := g.cfg.Cooldown - now.Sub(last); rem > 0 {
			st.Cooldowns[sym] = rem.Seconds()
		}
	}
	return st
}
