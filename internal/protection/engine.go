// Package protection attaches stop-loss, trailing-stop and take-profit orders
// to positions and keeps them attached for the life of the position.
package protection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/resilience"
)

// ErrUnprotected is returned when a required protection could not be placed.
// The position stays OPEN with protected=false.
var ErrUnprotected = errors.New("position unprotected")

// PositionRef marks a protection that lives on the position itself and has
// no order id (Bybit trading-stop).
const PositionRef = "position"

// ResultRecorder receives realized results of positions closed here.
type ResultRecorder interface {
	RecordResult(ctx context.Context, r risk.TradeResult)
}

// Report summarizes one protection pass.
type Report struct {
	PositionID   string   `json:"position_id"`
	StopLoss     string   `json:"stop_loss,omitempty"`
	TrailingStop string   `json:"trailing_stop,omitempty"`
	TakeProfits  []string `json:"take_profits,omitempty"`
	Placed       int      `json:"placed"`
	Errors       []string `json:"errors,omitempty"`
	Protected    bool     `json:"protected"`
}

// Engine places and maintains protective orders.
type Engine struct {
	cfg       config.ProtectionConfig
	executors map[string]*order.Executor
	store     state.Store
	bus       *events.Bus
	recorder  ResultRecorder

	// Sleep waits between submissions; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	locks sync.Map // exchange|symbol -> *sync.Mutex
}

func NewEngine(cfg config.ProtectionConfig, executors map[string]*order.Executor, store state.Store, bus *events.Bus) *Engine {
	return &Engine{
		cfg:       cfg,
		executors: executors,
		store:     store,
		bus:       bus,
		Sleep:     resilience.Sleep,
		now:       time.Now,
	}
}

// SetRecorder wires realized results into the risk guard.
func (e *Engine) SetRecorder(r ResultRecorder) { e.recorder = r }

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// lock serializes every protection action for one symbol on one exchange.
func (e *Engine) lock(exchange, symbol string) func() {
	v, _ := e.locks.LoadOrStore(exchange+"|"+symbol, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) executor(exchange string) (*order.Executor, error) {
	ex, ok := e.executors[exchange]
	if !ok {
		return nil, fmt.Errorf("protection: no executor for exchange %q", exchange)
	}
	return ex, nil
}

// Protect places whatever protection pos is missing, in the order
// SL -> TS -> TP with PlacementDelay between submissions, and persists the
// outcome on the position. Orders already resting are left alone.
func (e *Engine) Protect(ctx context.Context, pos *db.Position) (Report, error) {
	unlock := e.lock(pos.Exchange, pos.Symbol)
	defer unlock()
	return e.protectLocked(ctx, pos)
}

func (e *Engine) protectLocked(ctx context.Context, pos *db.Position) (Report, error) {
	rep := Report{PositionID: pos.ID}
	ex, err := e.executor(pos.Exchange)
	if err != nil {
		return rep, err
	}
	client := ex.Client()

	inst, err := client.GetInstrument(ctx, pos.Symbol)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		e.finish(ctx, pos, &rep)
		return rep, fmt.Errorf("%w: instrument %s: %v", ErrUnprotected, pos.Symbol, err)
	}
	var mark decimal.Decimal
	if t, err := client.GetTicker(ctx, pos.Symbol); err == nil {
		mark = t.MarkPrice
		if !mark.IsPositive() {
			mark = t.LastPrice
		}
	} else {
		log.Printf("⚠️ protection: %s %s mark price unavailable: %v", pos.Exchange, pos.Symbol, err)
	}

	resting, err := e.resting(ctx, client, pos)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		e.finish(ctx, pos, &rep)
		return rep, fmt.Errorf("%w: open orders %s: %v", ErrUnprotected, pos.Symbol, err)
	}

	p := placer{e: e, ex: ex, pos: pos, inst: inst, mark: mark, rep: &rep}

	if e.cfg.StopLossPercent > 0 {
		if resting[pos.StopLossRef] {
			rep.StopLoss = pos.StopLossRef
		} else {
			pos.StopLossRef = p.stopLoss(ctx)
			rep.StopLoss = pos.StopLossRef
		}
	}
	if e.cfg.TrailingCallbackRate > 0 {
		if resting[pos.TrailingStopRef] {
			rep.TrailingStop = pos.TrailingStopRef
		} else {
			pos.TrailingStopRef = p.trailingStop(ctx)
			rep.TrailingStop = pos.TrailingStopRef
		}
	}
	if e.cfg.PartialTPEnabled || e.cfg.TakeProfitPercent > 0 {
		if resting[pos.TakeProfitRef] {
			rep.TakeProfits = []string{pos.TakeProfitRef}
		} else {
			rep.TakeProfits = p.takeProfits(ctx)
			pos.TakeProfitRef = ""
			if len(rep.TakeProfits) > 0 {
				pos.TakeProfitRef = rep.TakeProfits[0]
			}
		}
	}

	e.finish(ctx, pos, &rep)
	if !rep.Protected {
		return rep, fmt.Errorf("%w: %s %s %v", ErrUnprotected, pos.Exchange, pos.Symbol, rep.Errors)
	}
	return rep, nil
}

// resting returns the ids of pos's protective orders still live on the
// exchange.
func (e *Engine) resting(ctx context.Context, client common.ExchangeClient, pos *db.Position) (map[string]bool, error) {
	out := map[string]bool{}
	if pos.StopLossRef == "" && pos.TrailingStopRef == "" && pos.TakeProfitRef == "" {
		return out, nil
	}
	orders, err := client.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		out[o.OrderID] = true
	}
	if pos.TrailingStopRef == PositionRef {
		live, found, err := common.FindPosition(ctx, client, pos.Symbol)
		if err != nil {
			return nil, err
		}
		out[PositionRef] = found && live.TrailingStop.IsPositive()
	}
	for _, ref := range []string{pos.StopLossRef, pos.TrailingStopRef, pos.TakeProfitRef} {
		if ref != "" && !out[ref] {
			log.Printf("protection: %s %s order %s no longer resting", pos.Exchange, pos.Symbol, ref)
			if err := e.store.SetProtectionStatus(ctx, pos.ID, ref, db.ProtectionStale); err != nil {
				log.Printf("⚠️ protection: mark %s stale: %v", ref, err)
			}
		}
	}
	delete(out, "")
	return out, nil
}

// finish decides protected, persists the position and publishes the outcome.
func (e *Engine) finish(ctx context.Context, pos *db.Position, rep *Report) {
	slOK, tsOK := pos.StopLossRef != "", pos.TrailingStopRef != ""
	rep.Protected = (slOK || tsOK) &&
		(!e.cfg.RequireStopLoss || slOK || e.cfg.StopLossPercent <= 0) &&
		(!e.cfg.RequireTrailing || tsOK || e.cfg.TrailingCallbackRate <= 0)
	pos.Protected = rep.Protected

	if err := e.store.UpdatePosition(ctx, *pos); err != nil {
		log.Printf("❌ protection: persist %s %s: %v", pos.Exchange, pos.Symbol, err)
		rep.Errors = append(rep.Errors, err.Error())
	}

	audit := events.Audit{
		Exchange: pos.Exchange,
		Symbol:   pos.Symbol,
		Fields: map[string]any{
			"position_id": pos.ID, "stop_loss": rep.StopLoss, "trailing_stop": rep.TrailingStop,
			"take_profits": rep.TakeProfits, "placed": rep.Placed,
		},
	}
	if rep.Protected {
		if rep.Placed > 0 {
			log.Printf("✓ protection: %s %s protected (sl=%s ts=%s tp=%v)", pos.Exchange, pos.Symbol, rep.StopLoss, rep.TrailingStop, rep.TakeProfits)
			e.bus.Publish(events.EventPositionProtected, audit)
		}
		return
	}
	audit.Detail = fmt.Sprint(rep.Errors)
	log.Printf("❌ protection: %s %s UNPROTECTED: %v", pos.Exchange, pos.Symbol, rep.Errors)
	e.bus.Publish(events.EventProtectionFailed, audit)
}

// placer submits the individual protective orders of one pass.
type placer struct {
	e    *Engine
	ex   *order.Executor
	pos  *db.Position
	inst common.Instrument
	mark decimal.Decimal
	rep  *Report
}

// pace sleeps between submissions so orders land in sequence.
func (p *placer) pace(ctx context.Context) {
	if p.rep.Placed == 0 && len(p.rep.Errors) == 0 {
		return
	}
	_ = p.e.Sleep(ctx, p.e.cfg.PlacementDelay)
}

func (p *placer) stopLoss(ctx context.Context) string {
	p.pace(ctx)
	stop := StopLossPrice(p.pos.Side, p.pos.EntryPrice, p.e.cfg.StopLossPercent, p.inst)
	req := common.OrderRequest{
		Symbol:        p.pos.Symbol,
		Side:          p.pos.Side.CloseSide(),
		Type:          common.OrderTypeStopMarket,
		Qty:           p.pos.Quantity,
		StopPrice:     stop,
		ClosePosition: true,
		ReduceOnly:    true,
	}
	retry := func(r common.OrderRequest) (common.OrderRequest, bool) {
		adj := RetryStopLossPrice(p.pos.Side, r.StopPrice, p.mark, p.inst)
		if adj.Equal(r.StopPrice) {
			return r, false
		}
		r.StopPrice = adj
		return r, true
	}
	return p.submit(ctx, db.ProtectionStopLoss, req, retry)
}

func (p *placer) trailingStop(ctx context.Context) string {
	p.pace(ctx)
	cfg := p.e.cfg
	req := common.OrderRequest{
		Symbol:           p.pos.Symbol,
		Side:             p.pos.Side.CloseSide(),
		Type:             common.OrderTypeTrailingStop,
		Qty:              p.pos.Quantity,
		ReduceOnly:       true,
		ActivationPrice:  ActivationPrice(p.pos.Side, p.pos.EntryPrice, p.mark, cfg.TrailingActivationPercent, p.inst),
		CallbackRate:     CallbackRate(cfg.TrailingCallbackRate),
		TrailingDistance: TrailingDistance(p.pos.EntryPrice, cfg.TrailingCallbackRate, p.inst),
	}
	retry := func(r common.OrderRequest) (common.OrderRequest, bool) {
		r.ActivationPrice = RetryActivationPrice(p.pos.Side, p.pos.EntryPrice, p.mark, p.inst)
		return r, true
	}
	return p.submit(ctx, db.ProtectionTrailingStop, req, retry)
}

func (p *placer) takeProfits(ctx context.Context) []string {
	cfg := p.e.cfg
	var rungs []Rung
	if cfg.PartialTPEnabled {
		rungs = Ladder(p.pos.Side, p.pos.EntryPrice, p.pos.Quantity, cfg.PartialTPLevels, p.inst)
	} else {
		rungs = []Rung{{Price: TakeProfitPrice(p.pos.Side, p.pos.EntryPrice, cfg.TakeProfitPercent, p.inst), Qty: p.pos.Quantity, SizePercent: 100}}
	}

	var ids []string
	for _, r := range rungs {
		p.pace(ctx)
		req := common.OrderRequest{
			Symbol:     p.pos.Symbol,
			Side:       p.pos.Side.CloseSide(),
			Type:       common.OrderTypeTakeProfitMarket,
			Qty:        r.Qty,
			StopPrice:  r.Price,
			ReduceOnly: true,
		}
		if r.SizePercent >= 100 {
			req.ClosePosition = true
		}
		if id := p.submitSized(ctx, db.ProtectionTakeProfit, req, nil, r.SizePercent); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *placer) submit(ctx context.Context, kind db.ProtectionKind, req common.OrderRequest,
	retry func(common.OrderRequest) (common.OrderRequest, bool)) string {
	return p.submitSized(ctx, kind, req, retry, 100)
}

// submitSized sends req, retrying once with adjusted prices when the
// exchange rejected a price, and records the protection order.
func (p *placer) submitSized(ctx context.Context, kind db.ProtectionKind, req common.OrderRequest,
	retry func(common.OrderRequest) (common.OrderRequest, bool), sizePercent float64) string {
	client := p.ex.Client()
	req.ClientID = p.ex.NewClientID()

	res, err := client.SubmitOrder(ctx, req)
	if err != nil && errors.Is(err, common.ErrPriceInvalid) && retry != nil {
		if adj, ok := retry(req); ok {
			log.Printf("⚠️ protection: %s %s %s price rejected (%v), retrying with stop=%s activation=%s",
				p.pos.Exchange, p.pos.Symbol, kind, err, adj.StopPrice, adj.ActivationPrice)
			adj.ClientID = p.ex.NewClientID()
			req = adj
			res, err = client.SubmitOrder(ctx, req)
		}
	}

	rec := db.ProtectionOrder{
		PositionID:  p.pos.ID,
		Kind:        kind,
		SizePercent: sizePercent,
		Status:      db.ProtectionActive,
	}
	switch kind {
	case db.ProtectionTrailingStop:
		rec.TriggerPrice = req.ActivationPrice
		rec.DistanceOrRate = req.CallbackRate
		if p.pos.Exchange == common.ExchangeBybit {
			rec.DistanceOrRate = req.TrailingDistance
		}
	default:
		rec.TriggerPrice = req.StopPrice
	}

	ref := ""
	if err != nil {
		rec.Status = db.ProtectionFailed
		rec.Error = err.Error()
		p.rep.Errors = append(p.rep.Errors, fmt.Sprintf("%s: %v", kind, err))
		log.Printf("❌ protection: %s %s %s failed: %v", p.pos.Exchange, p.pos.Symbol, kind, err)
	} else {
		ref = res.OrderID
		if ref == "" {
			ref = PositionRef
		}
		rec.ExchangeOrderID = ref
		p.rep.Placed++
		log.Printf("protection: %s %s %s placed id=%s trigger=%s", p.pos.Exchange, p.pos.Symbol, kind, ref, rec.TriggerPrice)
	}
	if err := p.e.store.InsertProtectionOrder(ctx, &rec); err != nil {
		log.Printf("⚠️ protection: record %s: %v", kind, err)
	}
	return ref
}

// CancelProtection cancels every protective order of pos still resting and
// marks its records cancelled.
func (e *Engine) CancelProtection(ctx context.Context, pos db.Position) {
	ex, err := e.executor(pos.Exchange)
	if err != nil {
		return
	}
	records, err := e.store.GetProtectionOrders(ctx, pos.ID)
	if err != nil {
		log.Printf("⚠️ protection: list orders of %s: %v", pos.ID, err)
		return
	}
	for _, r := range records {
		if r.Status != db.ProtectionActive || r.ExchangeOrderID == "" {
			continue
		}
		if r.ExchangeOrderID != PositionRef {
			err := ex.Client().CancelOrder(ctx, pos.Symbol, r.ExchangeOrderID)
			if err != nil && !errors.Is(err, common.ErrOrderNotFound) {
				log.Printf("⚠️ protection: cancel %s %s: %v", pos.Symbol, r.ExchangeOrderID, err)
				continue
			}
		}
		if err := e.store.SetProtectionStatus(ctx, pos.ID, r.ExchangeOrderID, db.ProtectionCancelled); err != nil {
			log.Printf("⚠️ protection: mark %s cancelled: %v", r.ExchangeOrderID, err)
		}
	}
}
