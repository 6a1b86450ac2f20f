package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/resilience"
)

// ErrNotFilled is returned when the exchange reports the order ended without
// any fill and no position appeared.
var ErrNotFilled = errors.New("order not filled")

// Config tunes the confirmation machine.
type Config struct {
	ConfirmTimeout time.Duration // total wall-clock budget for stages 1-4
	StageDelay     time.Duration // pause before each of stages 1-3
	FinalDelay     time.Duration // extra pause before stage 4
	ClientIDPrefix string
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout: 8 * time.Second,
		StageDelay:     300 * time.Millisecond,
		FinalDelay:     2 * time.Second,
		ClientIDPrefix: "ec",
	}
}

// Executor sends market orders to one exchange and establishes what they
// produced, even when responses are lost or incomplete.
type Executor struct {
	client common.ExchangeClient
	cfg    Config
	bus    *events.Bus

	// Sleep waits between stages; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

func NewExecutor(client common.ExchangeClient, cfg Config, bus *events.Bus) *Executor {
	def := DefaultConfig()
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if cfg.StageDelay < 0 {
		cfg.StageDelay = 0
	}
	if cfg.FinalDelay < 0 {
		cfg.FinalDelay = 0
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = def.ClientIDPrefix
	}
	return &Executor{
		client: client,
		cfg:    cfg,
		bus:    bus,
		Sleep:  resilience.Sleep,
		now:    time.Now,
	}
}

// Client returns the exchange the executor trades on.
func (e *Executor) Client() common.ExchangeClient { return e.client }

// NewClientID returns a fresh client order id carrying the instance prefix.
func (e *Executor) NewClientID() string {
	id := e.cfg.ClientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > 32 {
		id = id[:32]
	}
	return id
}

// MarketOrder submits req and runs the confirmation machine:
// SUBMITTED -> AWAIT_CONFIRM -> {FILLED, PARTIALLY_FILLED, CANCELLED, REJECTED, UNKNOWN}.
// Confirmation runs on a context detached from ctx's cancellation so an
// in-flight order is always resolved, bounded by ConfirmTimeout.
func (e *Executor) MarketOrder(ctx context.Context, req Request) (Execution, error) {
	return e.marketOrder(ctx, req, decimal.Zero)
}

func (e *Executor) marketOrder(ctx context.Context, req Request, baseline decimal.Decimal) (Execution, error) {
	start := e.now()
	exec := Execution{
		ClientID:  e.NewClientID(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Requested: req.Qty,
	}

	res, err := e.client.SubmitOrder(ctx, common.OrderRequest{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       common.OrderTypeMarket,
		Qty:        req.Qty,
		ReduceOnly: req.ReduceOnly,
		ClientID:   exec.ClientID,
	})
	if err != nil {
		switch common.KindOf(err) {
		case common.KindNetwork, common.KindUnknown:
			// The request may have reached the exchange.
			log.Printf("⚠️ executor: %s submit %s %s outcome ambiguous: %v", e.client.Name(), req.Symbol, req.Side, err)
		default:
			exec.Outcome = OutcomeRejected
			exec.Elapsed = e.now().Sub(start)
			return exec, fmt.Errorf("submit %s %s %s: %w", req.Symbol, req.Side, req.Qty, err)
		}
	} else {
		exec.OrderID = res.OrderID
		if (res.Status == common.StatusFilled || res.Status == common.StatusPartial) &&
			res.ExecutedQty.IsPositive() && res.AvgPrice.IsPositive() {
			exec.ExecutedQty = res.ExecutedQty
			exec.AvgPrice = res.AvgPrice
			exec.Outcome = fillOutcome(req.Qty, res.ExecutedQty)
			exec.Method = MethodSubmitResponse
			exec.Elapsed = e.now().Sub(start)
			return exec, nil
		}
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ConfirmTimeout)
	defer cancel()
	err = e.confirm(cctx, req, baseline, &exec)
	exec.Elapsed = e.now().Sub(start)
	if err == nil {
		log.Printf("executor: %s %s %s confirmed qty=%s avg=%s via %s (stage %d, %s)",
			e.client.Name(), req.Symbol, req.Side, exec.ExecutedQty, exec.AvgPrice, exec.Method, exec.Stage, exec.Elapsed)
		return exec, nil
	}
	if errors.Is(err, ErrNotFilled) {
		return exec, err
	}

	e.fallback(ctx, &exec)
	return exec, fmt.Errorf("%s %s order %s: %w", e.client.Name(), req.Symbol, exec.OrderID, common.ErrUnconfirmed)
}

// confirm walks stages 1-4. It returns nil once a stage proves a fill,
// ErrNotFilled when the exchange proves there is none, and another error when
// the stages were exhausted.
func (e *Executor) confirm(ctx context.Context, req Request, baseline decimal.Decimal, exec *Execution) error {
	stages := []struct {
		method string
		delay  time.Duration
		run    func(ctx context.Context) (bool, error)
	}{
		{MethodOrderQuery, e.cfg.StageDelay, func(ctx context.Context) (bool, error) { return e.byOrderQuery(ctx, req, baseline, exec) }},
		{MethodTradeList, e.cfg.StageDelay, func(ctx context.Context) (bool, error) { return e.byTrades(ctx, req, exec) }},
		{MethodPosition, e.cfg.StageDelay, func(ctx context.Context) (bool, error) { return e.byPosition(ctx, req, baseline, exec) }},
		{MethodFinalQuery, e.cfg.FinalDelay, func(ctx context.Context) (bool, error) {
			ok, err := e.byOrderQuery(ctx, req, baseline, exec)
			if ok || errors.Is(err, ErrNotFilled) {
				return ok, err
			}
			if err != nil {
				log.Printf("executor: %s %s final order query failed, checking position: %v", e.client.Name(), req.Symbol, err)
			}
			return e.byPosition(ctx, req, baseline, exec)
		}},
	}

	for i, st := range stages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.Sleep(ctx, st.delay); err != nil {
			return err
		}
		ok, err := st.run(ctx)
		if errors.Is(err, ErrNotFilled) {
			exec.Stage = i + 1
			return err
		}
		if err != nil {
			log.Printf("executor: %s %s stage %d (%s) failed: %v", e.client.Name(), req.Symbol, i+1, st.method, err)
			continue
		}
		if ok {
			exec.Stage = i + 1
			exec.Method = st.method
			return nil
		}
	}
	return errors.New("confirmation stages exhausted")
}

func (e *Executor) byOrderQuery(ctx context.Context, req Request, baseline decimal.Decimal, exec *Execution) (bool, error) {
	if exec.OrderID == "" {
		return false, nil
	}
	o, err := e.client.QueryOrder(ctx, req.Symbol, exec.OrderID)
	if err != nil {
		return false, err
	}
	if o.ExecutedQty.IsPositive() && o.AvgPrice.IsPositive() {
		exec.ExecutedQty = o.ExecutedQty
		exec.AvgPrice = o.AvgPrice
		exec.Outcome = fillOutcome(req.Qty, o.ExecutedQty)
		return true, nil
	}
	switch o.Status {
	case common.StatusCanceled, common.StatusExpired, common.StatusRejected:
		// A cancelled market order may still have moved the position.
		ok, perr := e.byPosition(ctx, req, baseline, exec)
		if perr == nil && ok {
			return true, nil
		}
		exec.Outcome = OutcomeCancelled
		if o.Status == common.StatusRejected {
			exec.Outcome = OutcomeRejected
		}
		if perr != nil {
			return false, perr
		}
		return false, fmt.Errorf("%w: %s order %s %s", ErrNotFilled, e.client.Name(), exec.OrderID, o.Status)
	}
	return false, nil
}

func (e *Executor) byTrades(ctx context.Context, req Request, exec *Execution) (bool, error) {
	if exec.OrderID == "" {
		return false, nil
	}
	trades, err := e.client.GetTrades(ctx, req.Symbol, exec.OrderID)
	if err != nil {
		return false, err
	}
	qty, notional := decimal.Zero, decimal.Zero
	for _, t := range trades {
		if t.OrderID != "" && t.OrderID != exec.OrderID {
			continue
		}
		qty = qty.Add(t.Qty)
		notional = notional.Add(t.Qty.Mul(t.Price))
	}
	if !qty.IsPositive() || !notional.IsPositive() {
		return false, nil
	}
	exec.ExecutedQty = qty
	exec.AvgPrice = notional.DivRound(qty, 12)
	exec.Outcome = fillOutcome(req.Qty, qty)
	return true, nil
}

// byPosition infers the fill from the live position. For entries the
// position itself is the fill; for reduce-only orders the fill is proven by
// the position shrinking below baseline.
func (e *Executor) byPosition(ctx context.Context, req Request, baseline decimal.Decimal, exec *Execution) (bool, error) {
	pos, found, err := common.FindPosition(ctx, e.client, req.Symbol)
	if err != nil {
		return false, err
	}

	if !req.ReduceOnly {
		if !found || pos.Side.EntrySide() != req.Side || !pos.Qty.IsPositive() || !pos.EntryPrice.IsPositive() {
			return false, nil
		}
		exec.ExecutedQty = pos.Qty
		exec.AvgPrice = pos.EntryPrice
		exec.Outcome = fillOutcome(req.Qty, pos.Qty)
		return true, nil
	}

	remaining := decimal.Zero
	if found {
		remaining = pos.Qty
	}
	filled := baseline.Sub(remaining)
	if !filled.IsPositive() {
		return false, nil
	}
	price := pos.MarkPrice
	if !price.IsPositive() {
		t, err := e.client.GetTicker(ctx, req.Symbol)
		if err != nil {
			return false, err
		}
		price = markOrLast(t)
	}
	if !price.IsPositive() {
		return false, nil
	}
	if filled.GreaterThan(req.Qty) {
		filled = req.Qty
	}
	exec.ExecutedQty = filled
	exec.AvgPrice = price
	exec.Outcome = fillOutcome(req.Qty, filled)
	return true, nil
}

// fallback marks exec UNKNOWN at the current market price.
func (e *Executor) fallback(ctx context.Context, exec *Execution) {
	exec.Outcome = OutcomeUnknown
	exec.Method = MethodMarketPrice
	exec.Stage = 5
	exec.ExecutedQty = exec.Requested

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if t, err := e.client.GetTicker(tctx, exec.Symbol); err == nil {
		exec.AvgPrice = markOrLast(t)
	}
	log.Printf("⚠️ executor: %s %s %s order=%s UNCONFIRMED, assuming qty=%s at market %s; left for reconciliation",
		e.client.Name(), exec.Symbol, exec.Side, exec.OrderID, exec.Requested, exec.AvgPrice)
	e.bus.Publish(events.EventOrderUnconfirmed, events.Audit{
		Exchange: e.client.Name(),
		Symbol:   exec.Symbol,
		Fields: map[string]any{
			"order_id": exec.OrderID, "client_id": exec.ClientID, "side": exec.Side,
			"qty": exec.Requested.String(), "market_price": exec.AvgPrice.String(),
		},
	})
}

// ClosePosition flattens the live position for symbol with a reduce-only
// market order on the opposite side. It returns the position as it was
// before the close.
func (e *Executor) ClosePosition(ctx context.Context, symbol string) (Execution, common.Position, error) {
	pos, found, err := common.FindPosition(ctx, e.client, symbol)
	if err != nil {
		return Execution{}, common.Position{}, fmt.Errorf("close %s: %w", symbol, err)
	}
	if !found {
		return Execution{}, common.Position{}, fmt.Errorf("close %s on %s: %w", symbol, e.client.Name(), common.ErrNoPosition)
	}
	exec, err := e.marketOrder(ctx, Request{
		Symbol:     symbol,
		Side:       pos.Side.CloseSide(),
		Qty:        pos.Qty,
		ReduceOnly: true,
	}, pos.Qty)
	return exec, pos, err
}

func markOrLast(t common.Ticker) decimal.Decimal {
	if t.MarkPrice.IsPositive() {
		return t.MarkPrice
	}
	return t.LastPrice
}
