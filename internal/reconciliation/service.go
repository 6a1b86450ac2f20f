package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/internal/protection"
	"execution-core/internal/state"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// DiscrepancyType classifies drift between local state and the exchange.
type DiscrepancyType string

const (
	OrphanLocal     DiscrepancyType = "ORPHAN_LOCAL"  // OPEN locally, flat on the exchange
	OrphanRemote    DiscrepancyType = "ORPHAN_REMOTE" // live on the exchange, unknown locally
	QtyMismatch     DiscrepancyType = "QTY_MISMATCH"
	StaleProtection DiscrepancyType = "STALE_PROTECTION"
)

// Epsilon is the quantity difference below which positions match.
var Epsilon = decimal.RequireFromString("0.0001")

// SourceID marks positions adopted from the exchange.
const SourceID = "reconcile"

// Discrepancy is one detected difference.
type Discrepancy struct {
	Type        DiscrepancyType `json:"type"`
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	LocalQty    decimal.Decimal `json:"local_qty"`
	ExchangeQty decimal.Decimal `json:"exchange_qty"`
	Details     string          `json:"details,omitempty"`
	Synced      bool            `json:"synced"`
}

// Report contains the result of one pass over one exchange.
type Report struct {
	Exchange      string        `json:"exchange"`
	Timestamp     time.Time     `json:"timestamp"`
	DryRun        bool          `json:"dry_run"`
	ToAdd         []string      `json:"to_add"`
	ToRemove      []string      `json:"to_remove"`
	ToUpdate      []string      `json:"to_update"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Skipped       []string      `json:"skipped,omitempty"` // symbols with an entry in flight
	HasDiffs      bool          `json:"has_diffs"`
	SyncedCount   int           `json:"synced_count"`
}

// Settler closes a position whose live counterpart is gone from the
// protective order that filled, reporting false when none did.
type Settler interface {
	SettleVanished(ctx context.Context, pos db.Position) (bool, error)
}

// Service diffs persisted positions against exchange truth and, when
// executing, repairs the local side. It never sends orders other than
// cancelling protection of positions that no longer exist.
type Service struct {
	clients  map[string]common.ExchangeClient
	store    state.Store
	bus      *events.Bus
	settler  Settler
	inFlight func() []string
	execute  bool
	mu       sync.Mutex
}

func NewService(clients map[string]common.ExchangeClient, store state.Store, bus *events.Bus) *Service {
	return &Service{clients: clients, store: store, bus: bus}
}

// SetSettler lets vanished positions close with the reason and price of
// their filled protection instead of an approximate MANUAL close.
func (s *Service) SetSettler(st Settler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settler = st
}

// SetInFlight installs the source of symbols whose entry is still being
// executed. Passes leave those symbols alone.
func (s *Service) SetInFlight(fn func() []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = fn
}

// SetExecute enables writes for scheduled and event-triggered passes.
// Passes are dry-run by default.
func (s *Service) SetExecute(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execute = enabled
	log.Printf("reconciliation: execute=%v", enabled)
}

// Execute reports whether scheduled passes write.
func (s *Service) Execute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execute
}

// Diff compares local OPEN positions with live exchange positions by symbol.
// The returned symbol lists are sorted.
func Diff(local []db.Position, remote []common.Position) (toAdd, toRemove, toUpdate []string) {
	loc := make(map[string]db.Position, len(local))
	for _, p := range local {
		loc[p.Symbol] = p
	}
	rem := make(map[string]common.Position, len(remote))
	for _, p := range remote {
		if p.Qty.IsPositive() {
			rem[p.Symbol] = p
		}
	}

	for sym, r := range rem {
		l, ok := loc[sym]
		switch {
		case !ok:
			toAdd = append(toAdd, sym)
		case l.Side != r.Side:
			toRemove = append(toRemove, sym)
			toAdd = append(toAdd, sym)
		case l.Quantity.Sub(r.Qty).Abs().GreaterThan(Epsilon):
			toUpdate = append(toUpdate, sym)
		}
	}
	for sym := range loc {
		if _, ok := rem[sym]; !ok {
			toRemove = append(toRemove, sym)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)
	sort.Strings(toUpdate)
	return toAdd, toRemove, toUpdate
}

// Reconcile runs one pass over every exchange. execute=false only reports.
func (s *Service) Reconcile(ctx context.Context, execute bool) ([]Report, error) {
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		reports []Report
		errs    []error
	)
	for _, name := range names {
		rep, err := s.ReconcileExchange(ctx, name, execute)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

// ReconcileExchange runs one pass over a single exchange.
func (s *Service) ReconcileExchange(ctx context.Context, exchange string, execute bool) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := Report{Exchange: exchange, Timestamp: time.Now(), DryRun: !execute}
	client, ok := s.clients[exchange]
	if !ok {
		return rep, fmt.Errorf("reconciliation: unknown exchange %q", exchange)
	}

	remote, err := client.GetPositions(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconciliation %s: positions: %w", exchange, err)
	}
	local, err := s.store.GetOpenPositions(ctx, exchange)
	if err != nil {
		return rep, fmt.Errorf("reconciliation %s: local positions: %w", exchange, err)
	}

	rep.ToAdd, rep.ToRemove, rep.ToUpdate = Diff(local, remote)
	if s.inFlight != nil {
		busy := make(map[string]bool)
		for _, sym := range s.inFlight() {
			busy[sym] = true
		}
		keep := func(syms []string) []string {
			out := syms[:0]
			for _, sym := range syms {
				if busy[sym] {
					if !slices.Contains(rep.Skipped, sym) {
						rep.Skipped = append(rep.Skipped, sym)
					}
					continue
				}
				out = append(out, sym)
			}
			return out
		}
		rep.ToRemove, rep.ToAdd, rep.ToUpdate = keep(rep.ToRemove), keep(rep.ToAdd), keep(rep.ToUpdate)
		sort.Strings(rep.Skipped)
	}
	loc := make(map[string]db.Position, len(local))
	for _, p := range local {
		loc[p.Symbol] = p
	}
	rem := make(map[string]common.Position, len(remote))
	for _, p := range remote {
		rem[p.Symbol] = p
	}

	// Removals first so a side flip can re-add the symbol.
	for _, sym := range rep.ToRemove {
		l := loc[sym]
		d := Discrepancy{Type: OrphanLocal, Exchange: exchange, Symbol: sym, LocalQty: l.Quantity}
		if r, ok := rem[sym]; ok {
			d.ExchangeQty = r.Qty
			d.Details = fmt.Sprintf("side %s locally, %s on exchange", l.Side, r.Side)
		}
		if execute {
			_, live := rem[sym]
			d.Synced = s.closeOrphan(ctx, client, l, !live)
		}
		rep.add(d)
		delete(loc, sym)
	}
	for _, sym := range rep.ToAdd {
		r := rem[sym]
		d := Discrepancy{Type: OrphanRemote, Exchange: exchange, Symbol: sym, ExchangeQty: r.Qty}
		if execute {
			d.Synced = s.adopt(ctx, exchange, r)
		}
		rep.add(d)
	}
	for _, sym := range rep.ToUpdate {
		l, r := loc[sym], rem[sym]
		d := Discrepancy{Type: QtyMismatch, Exchange: exchange, Symbol: sym, LocalQty: l.Quantity, ExchangeQty: r.Qty}
		if execute {
			l.Quantity = r.Qty
			if r.MarkPrice.IsPositive() {
				l.CurrentPrice = r.MarkPrice
			}
			d.Synced = s.update(ctx, l)
			loc[sym] = l
		}
		rep.add(d)
	}

	for _, sym := range rep.Skipped {
		delete(loc, sym)
	}

	// Protection refs of the positions that survived.
	if len(loc) > 0 {
		open, err := client.GetOpenOrders(ctx, "")
		if err != nil {
			log.Printf("⚠️ reconciliation %s: open orders: %v", exchange, err)
		} else {
			s.checkProtection(ctx, loc, open, execute, &rep)
		}
	}

	s.log(rep)
	s.bus.Publish(events.EventReconciled, events.Audit{
		Exchange: exchange,
		Fields: map[string]any{
			"dry_run": rep.DryRun, "to_add": rep.ToAdd, "to_remove": rep.ToRemove, "to_update": rep.ToUpdate,
			"discrepancies": len(rep.Discrepancies), "synced": rep.SyncedCount, "skipped": rep.Skipped,
		},
	})
	return rep, nil
}

func (r *Report) add(d Discrepancy) {
	r.Discrepancies = append(r.Discrepancies, d)
	r.HasDiffs = true
	if d.Synced {
		r.SyncedCount++
	}
}

// closeOrphan closes a local position the exchange no longer holds. A filled
// protective order settles it with its real reason and price through the
// settler. Otherwise it closes MANUAL at the last known price; that PnL is
// approximate and is not fed into the daily loss accounting. flat means the
// exchange holds nothing on the symbol, so every order left there is stale.
func (s *Service) closeOrphan(ctx context.Context, client common.ExchangeClient, p db.Position, flat bool) bool {
	if s.settler != nil {
		settled, err := s.settler.SettleVanished(ctx, p)
		if err != nil {
			log.Printf("⚠️ reconciliation: settle %s %s from protection: %v", p.Exchange, p.Symbol, err)
		}
		if settled {
			log.Printf("reconciliation: %s %s settled from filled protection", p.Exchange, p.Symbol)
			return true
		}
	}

	exit := p.CurrentPrice
	if !exit.IsPositive() {
		exit = p.EntryPrice
	}
	err := s.store.ClosePosition(ctx, p.ID, db.Close{
		ExitPrice:   exit,
		PnL:         p.UnrealizedPnL(exit),
		Reason:      db.ReasonManual,
		Approximate: true,
	})
	if err != nil {
		log.Printf("❌ reconciliation: close %s %s: %v", p.Exchange, p.Symbol, err)
		return false
	}

	// Leftover protection would otherwise act on a future position.
	cancelled := false
	if flat {
		if err := client.CancelAllOpenOrders(ctx, p.Symbol); err != nil {
			log.Printf("⚠️ reconciliation: cancel open orders of %s: %v", p.Symbol, err)
		} else {
			cancelled = true
		}
	}
	records, err := s.store.GetProtectionOrders(ctx, p.ID)
	if err != nil {
		return true
	}
	for _, r := range records {
		if r.Status != db.ProtectionActive || r.ExchangeOrderID == "" {
			continue
		}
		if !cancelled && r.ExchangeOrderID != protection.PositionRef {
			if err := client.CancelOrder(ctx, p.Symbol, r.ExchangeOrderID); err != nil && !errors.Is(err, common.ErrOrderNotFound) {
				log.Printf("⚠️ reconciliation: cancel %s %s: %v", p.Symbol, r.ExchangeOrderID, err)
			}
		}
		_ = s.store.SetProtectionStatus(ctx, p.ID, r.ExchangeOrderID, db.ProtectionStale)
	}
	return true
}

// adopt records a live exchange position locally. It starts unprotected so
// the protection monitor attaches orders on its next pass.
func (s *Service) adopt(ctx context.Context, exchange string, r common.Position) bool {
	p := db.Position{
		Exchange:     exchange,
		Symbol:       r.Symbol,
		Side:         r.Side,
		EntryPrice:   r.EntryPrice,
		Quantity:     r.Qty,
		Leverage:     r.Leverage,
		CurrentPrice: r.MarkPrice,
		SourceID:     SourceID,
	}
	if err := s.store.CreatePosition(ctx, &p); err != nil {
		log.Printf("❌ reconciliation: adopt %s %s: %v", exchange, r.Symbol, err)
		return false
	}
	return true
}

func (s *Service) update(ctx context.Context, p db.Position) bool {
	if err := s.store.UpdatePosition(ctx, p); err != nil {
		log.Printf("❌ reconciliation: update %s %s: %v", p.Exchange, p.Symbol, err)
		return false
	}
	return true
}

// checkProtection flags protection refs whose order is no longer resting
// and, when executing, clears them so the position gets re-protected.
func (s *Service) checkProtection(ctx context.Context, loc map[string]db.Position, open []common.Order, execute bool, rep *Report) {
	resting := make(map[string]bool, len(open))
	for _, o := range open {
		resting[o.OrderID] = true
	}
	isStale := func(ref string) bool {
		return ref != "" && ref != protection.PositionRef && !resting[ref]
	}

	syms := make([]string, 0, len(loc))
	for sym := range loc {
		syms = append(syms, sym)
	}
	sort.Strings(syms)

	for _, sym := range syms {
		p := loc[sym]
		if p.ID == "" {
			continue
		}
		var stale []string
		for _, ref := range []*string{&p.StopLossRef, &p.TrailingStopRef, &p.TakeProfitRef} {
			if isStale(*ref) {
				stale = append(stale, *ref)
				if execute {
					_ = s.store.SetProtectionStatus(ctx, p.ID, *ref, db.ProtectionStale)
					*ref = ""
				}
			}
		}
		if len(stale) == 0 {
			continue
		}
		d := Discrepancy{Type: StaleProtection, Exchange: p.Exchange, Symbol: sym, LocalQty: p.Quantity,
			ExchangeQty: p.Quantity, Details: fmt.Sprintf("orders %v not resting", stale)}
		if execute {
			p.Protected = p.StopLossRef != "" || p.TrailingStopRef != ""
			d.Synced = s.update(ctx, p)
		}
		rep.add(d)
	}
}

func (s *Service) log(rep Report) {
	if !rep.HasDiffs {
		log.Printf("✓ reconciliation %s: all positions match", rep.Exchange)
		return
	}
	mode := "dry-run"
	if !rep.DryRun {
		mode = "execute"
	}
	log.Printf("⚠️ reconciliation %s (%s): add=%v remove=%v update=%v", rep.Exchange, mode, rep.ToAdd, rep.ToRemove, rep.ToUpdate)
	for _, d := range rep.Discrepancies {
		status := "not synced"
		if d.Synced {
			status = "synced"
		}
		log.Printf("  %s %s: local=%s exchange=%s %s [%s]", d.Type, d.Symbol, d.LocalQty, d.ExchangeQty, d.Details, status)
	}
}

// Listen runs a pass for an exchange whenever a reconciliation is
// requested, coalescing bursts within debounce.
func (s *Service) Listen(ctx context.Context, debounce time.Duration) {
	ch, unsub := s.bus.Subscribe(64, events.EventReconcileRequested)
	defer unsub()

	pending := map[string]bool{}
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			a, _ := msg.Payload.(events.Audit)
			if _, known := s.clients[a.Exchange]; !known {
				continue
			}
			if len(pending) == 0 {
				timer.Reset(debounce)
			}
			pending[a.Exchange] = true
		case <-timer.C:
			execute := s.Execute()
			for exchange := range pending {
				if _, err := s.ReconcileExchange(ctx, exchange, execute); err != nil {
					log.Printf("❌ reconciliation: %v", err)
				}
			}
			pending = map[string]bool{}
		}
	}
}
