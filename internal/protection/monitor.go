package protection

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// TimeoutAction is what TimeoutClose did.
type TimeoutAction string

const (
	ActionClosed           TimeoutAction = "CLOSED"
	ActionBreakevenPlaced  TimeoutAction = "BREAKEVEN_PLACED"
	ActionBreakevenResting TimeoutAction = "BREAKEVEN_RESTING"
	ActionNone             TimeoutAction = "NONE"
)

// MonitorStats summarizes one monitor pass.
type MonitorStats struct {
	Checked     int `json:"checked"`
	Updated     int `json:"updated"`
	Reprotected int `json:"reprotected"`
	Closed      int `json:"closed"`
	TimedOut    int `json:"timed_out"`
	Errors      int `json:"errors"`
}

var closeReasons = map[db.ProtectionKind]string{
	db.ProtectionStopLoss:     db.ReasonStopLoss,
	db.ProtectionTrailingStop: db.ReasonTrailingStop,
	db.ProtectionTakeProfit:   db.ReasonTakeProfit,
	db.ProtectionBreakeven:    db.ReasonBreakeven,
}

// Monitor walks every OPEN position: it refreshes current/max/min price,
// closes positions whose protective order filled, applies the age timeout and
// re-protects anything left unprotected.
func (e *Engine) Monitor(ctx context.Context) (MonitorStats, error) {
	var st MonitorStats
	positions, err := e.store.GetOpenPositions(ctx, "")
	if err != nil {
		return st, fmt.Errorf("protection monitor: %w", err)
	}
	for _, pos := range positions {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		st.Checked++
		if err := e.check(ctx, pos, &st); err != nil {
			st.Errors++
			log.Printf("⚠️ protection monitor: %s %s: %v", pos.Exchange, pos.Symbol, err)
		}
	}
	if st.Reprotected > 0 || st.Closed > 0 || st.TimedOut > 0 || st.Errors > 0 {
		log.Printf("protection monitor: checked=%d updated=%d reprotected=%d closed=%d timed_out=%d errors=%d",
			st.Checked, st.Updated, st.Reprotected, st.Closed, st.TimedOut, st.Errors)
	}
	return st, nil
}

func (e *Engine) check(ctx context.Context, pos db.Position, st *MonitorStats) error {
	unlock := e.lock(pos.Exchange, pos.Symbol)
	defer unlock()

	ex, err := e.executor(pos.Exchange)
	if err != nil {
		return err
	}
	live, found, err := common.FindPosition(ctx, ex.Client(), pos.Symbol)
	if err != nil {
		return err
	}
	if !found || live.Side != pos.Side {
		closed, err := e.resolveClosed(ctx, pos)
		if closed {
			st.Closed++
		}
		return err
	}

	mark := live.MarkPrice
	if !mark.IsPositive() {
		if t, err := ex.Client().GetTicker(ctx, pos.Symbol); err == nil {
			mark = t.MarkPrice
		}
	}
	if mark.IsPositive() {
		pos.CurrentPrice = mark
		if mark.GreaterThan(pos.MaxPrice) {
			pos.MaxPrice = mark
		}
		if pos.MinPrice.IsZero() || mark.LessThan(pos.MinPrice) {
			pos.MinPrice = mark
		}
		if err := e.store.UpdatePosition(ctx, pos); err != nil {
			return err
		}
		st.Updated++
	}

	if e.cfg.MaxPositionAge > 0 && pos.Age(e.now()) >= e.cfg.MaxPositionAge {
		action, err := e.timeoutLocked(ctx, pos)
		if action != ActionNone {
			st.TimedOut++
		}
		if action == ActionClosed {
			st.Closed++
			return err
		}
		if err != nil {
			return err
		}
	}

	rep, err := e.protectLocked(ctx, &pos)
	if rep.Placed > 0 {
		st.Reprotected++
	}
	return err
}

// resolveClosed handles an OPEN row whose live position is gone. When one of
// its protective orders filled the row is closed with that reason and the
// exact exit price; anything else is left to reconciliation.
func (e *Engine) resolveClosed(ctx context.Context, pos db.Position) (bool, error) {
	closed, err := e.closeByProtection(ctx, pos)
	if closed || err != nil {
		return closed, err
	}

	log.Printf("⚠️ protection monitor: %s %s has no live position and no filled protection; requesting reconciliation",
		pos.Exchange, pos.Symbol)
	e.bus.Publish(events.EventReconcileRequested, events.Audit{
		Exchange: pos.Exchange, Symbol: pos.Symbol, Detail: "live position missing",
		Fields: map[string]any{"position_id": pos.ID},
	})
	return false, nil
}

// SettleVanished closes pos, whose live position is gone, from the
// protective order that filled. It reports false when none did and leaves
// the row to the caller. A row already closed counts as settled.
func (e *Engine) SettleVanished(ctx context.Context, pos db.Position) (bool, error) {
	unlock := e.lock(pos.Exchange, pos.Symbol)
	defer unlock()

	cur, err := e.store.GetPosition(ctx, pos.ID)
	if err != nil {
		return false, err
	}
	if cur.Status == db.PositionClosed {
		return true, nil
	}
	return e.closeByProtection(ctx, cur)
}

func (e *Engine) closeByProtection(ctx context.Context, pos db.Position) (bool, error) {
	ex, err := e.executor(pos.Exchange)
	if err != nil {
		return false, err
	}
	records, err := e.store.GetProtectionOrders(ctx, pos.ID)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Status != db.ProtectionActive || r.ExchangeOrderID == "" || r.ExchangeOrderID == PositionRef {
			continue
		}
		o, err := ex.Client().QueryOrder(ctx, pos.Symbol, r.ExchangeOrderID)
		if err != nil {
			continue
		}
		if o.Status != common.StatusFilled || !o.AvgPrice.IsPositive() {
			continue
		}
		if err := e.finalize(ctx, pos, o.AvgPrice, closeReasons[r.Kind]); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// finalize cancels leftover protection, closes the row and reports the
// realized result.
func (e *Engine) finalize(ctx context.Context, pos db.Position, exit decimal.Decimal, reason string) error {
	e.CancelProtection(ctx, pos)
	pnl := RealizedPnL(pos, exit, e.cfg.TakerFeeRate)
	if err := e.store.ClosePosition(ctx, pos.ID, db.Close{ExitPrice: exit, PnL: pnl, Reason: reason}); err != nil {
		return fmt.Errorf("close %s: %w", pos.ID, err)
	}
	log.Printf("✓ protection: %s %s closed (%s) exit=%s pnl=%s", pos.Exchange, pos.Symbol, reason, exit, pnl.StringFixed(4))
	if e.recorder != nil {
		f, _ := pnl.Float64()
		e.recorder.RecordResult(ctx, risk.TradeResult{Exchange: pos.Exchange, Symbol: pos.Symbol, PnL: f})
	}
	return nil
}

// TimeoutClose exits a position that outlived MaxPositionAge. In profit or
// flat it is closed at market; at a loss a reduce-only limit is rested at the
// fee-adjusted breakeven unless an equivalent order already rests.
func (e *Engine) TimeoutClose(ctx context.Context, pos db.Position) (TimeoutAction, error) {
	unlock := e.lock(pos.Exchange, pos.Symbol)
	defer unlock()
	return e.timeoutLocked(ctx, pos)
}

func (e *Engine) timeoutLocked(ctx context.Context, pos db.Position) (TimeoutAction, error) {
	ex, err := e.executor(pos.Exchange)
	if err != nil {
		return ActionNone, err
	}
	client := ex.Client()
	t, err := client.GetTicker(ctx, pos.Symbol)
	if err != nil {
		return ActionNone, err
	}
	mark := t.MarkPrice
	if !mark.IsPositive() {
		mark = t.LastPrice
	}

	if pos.UnrealizedPnL(mark).Sign() >= 0 {
		exec, _, err := ex.ClosePosition(ctx, pos.Symbol)
		if errors.Is(err, common.ErrNoPosition) {
			_, rerr := e.resolveClosed(ctx, pos)
			return ActionNone, rerr
		}
		if !exec.Confirmed() {
			if err == nil {
				err = fmt.Errorf("close %s not confirmed", pos.Symbol)
			}
			e.bus.Publish(events.EventReconcileRequested, events.Audit{
				Exchange: pos.Exchange, Symbol: pos.Symbol, Detail: "timeout close unconfirmed",
			})
			return ActionNone, err
		}
		log.Printf("protection: %s %s exceeded max age %s, closed at market", pos.Exchange, pos.Symbol, e.cfg.MaxPositionAge)
		return ActionClosed, e.finalize(ctx, pos, exec.AvgPrice, db.ReasonTimeout)
	}

	inst, err := client.GetInstrument(ctx, pos.Symbol)
	if err != nil {
		return ActionNone, err
	}
	price := BreakevenPrice(pos.Side, pos.EntryPrice, e.cfg.TakerFeeRate, inst)
	closeSide := pos.Side.CloseSide()

	open, err := client.GetOpenOrders(ctx, pos.Symbol)
	if err != nil {
		return ActionNone, err
	}
	for _, o := range open {
		if o.Type == common.OrderTypeLimit && o.ReduceOnly && o.Side == closeSide && o.Price.Equal(price) {
			return ActionBreakevenResting, nil
		}
	}

	res, err := client.SubmitOrder(ctx, common.OrderRequest{
		Symbol:      pos.Symbol,
		Side:        closeSide,
		Type:        common.OrderTypeLimit,
		Qty:         pos.Quantity,
		Price:       price,
		TimeInForce: common.TIFGTC,
		ReduceOnly:  true,
		ClientID:    ex.NewClientID(),
	})
	if err != nil {
		return ActionNone, fmt.Errorf("breakeven limit %s: %w", pos.Symbol, err)
	}
	rec := db.ProtectionOrder{
		PositionID: pos.ID, Kind: db.ProtectionBreakeven, ExchangeOrderID: res.OrderID,
		TriggerPrice: price, Status: db.ProtectionActive,
	}
	if err := e.store.InsertProtectionOrder(ctx, &rec); err != nil {
		log.Printf("⚠️ protection: record breakeven order: %v", err)
	}
	log.Printf("protection: %s %s exceeded max age %s at a loss, breakeven limit %s @ %s", pos.Exchange, pos.Symbol,
		e.cfg.MaxPositionAge, closeSide, price)
	return ActionBreakevenPlaced, nil
}

// ClosePosition closes pos at market under the symbol lock, cancels its
// protection and records reason. When the exchange is already flat the row is
// resolved the way the monitor does it.
func (e *Engine) ClosePosition(ctx context.Context, pos db.Position, reason string) (order.Execution, error) {
	unlock := e.lock(pos.Exchange, pos.Symbol)
	defer unlock()

	ex, err := e.executor(pos.Exchange)
	if err != nil {
		return order.Execution{}, err
	}
	exec, _, err := ex.ClosePosition(ctx, pos.Symbol)
	if errors.Is(err, common.ErrNoPosition) {
		if _, rerr := e.resolveClosed(ctx, pos); rerr != nil {
			return exec, rerr
		}
		return exec, err
	}
	if !exec.Confirmed() {
		if err == nil {
			err = fmt.Errorf("close %s not confirmed", pos.Symbol)
		}
		e.bus.Publish(events.EventReconcileRequested, events.Audit{
			Exchange: pos.Exchange, Symbol: pos.Symbol, Detail: "close unconfirmed",
		})
		return exec, err
	}
	return exec, e.finalize(ctx, pos, exec.AvgPrice, reason)
}

// RealizedPnL is the result of closing pos at exit, net of taker fees on
// both legs.
func RealizedPnL(pos db.Position, exit decimal.Decimal, feeRate float64) decimal.Decimal {
	gross := pos.UnrealizedPnL(exit)
	fees := pos.EntryPrice.Add(exit).Mul(pos.Quantity).Mul(decimal.NewFromFloat(feeRate))
	return gross.Sub(fees)
}
