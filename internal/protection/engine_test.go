package protection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/exchangetest"
)

type recorder struct {
	mu      sync.Mutex
	results []risk.TradeResult
}

func (r *recorder) RecordResult(_ context.Context, res risk.TradeResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func testConfig() config.ProtectionConfig {
	return config.ProtectionConfig{
		StopLossPercent:           2,
		TrailingCallbackRate:      1.5,
		TrailingActivationPercent: 3.5,
		TakeProfitPercent:         4,
		RequireStopLoss:           true,
		TakerFeeRate:              0.0006,
	}
}

func testPosition(side common.PositionSide, entry, qty string) db.Position {
	return db.Position{
		Exchange:   common.ExchangeBinance,
		Symbol:     "BTCUSDT",
		Side:       side,
		EntryPrice: d(entry),
		Quantity:   d(qty),
		Leverage:   10,
	}
}

type harness struct {
	fake   *exchangetest.Fake
	db     *db.Database
	engine *Engine
	rec    *recorder
}

func newHarness(t *testing.T, cfg config.ProtectionConfig) *harness {
	t.Helper()
	return newExchangeHarness(t, cfg, common.ExchangeBinance)
}

func newExchangeHarness(t *testing.T, cfg config.ProtectionConfig, exchange string) *harness {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	f := exchangetest.New(exchange)
	ex := order.NewExecutor(f, order.Config{}, nil)
	ex.Sleep = func(context.Context, time.Duration) error { return nil }

	e := NewEngine(cfg, map[string]*order.Executor{exchange: ex}, database, nil)
	e.Sleep = func(context.Context, time.Duration) error { return nil }
	rec := &recorder{}
	e.SetRecorder(rec)
	return &harness{fake: f, db: database, engine: e, rec: rec}
}

// open installs a live position on the fake and the matching OPEN row.
func (h *harness) open(t *testing.T, side common.PositionSide, entry, qty string) db.Position {
	t.Helper()
	h.fake.SetPosition("BTCUSDT", side, qty, entry)
	pos := testPosition(side, entry, qty)
	pos.Exchange = h.fake.Name()
	if err := h.db.CreatePosition(context.Background(), &pos); err != nil {
		t.Fatalf("create position: %v", err)
	}
	return pos
}

func TestProtectPlacesInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	h.fake.SetPrice("BTCUSDT", "103")
	pos := h.open(t, common.PositionLong, "100", "0.5")

	rep, err := h.engine.Protect(ctx, &pos)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if !rep.Protected || rep.Placed != 3 {
		t.Fatalf("report=%+v, expected 3 placed and protected", rep)
	}

	reqs := h.fake.SubmittedRequests()
	wantTypes := []common.OrderType{common.OrderTypeStopMarket, common.OrderTypeTrailingStop, common.OrderTypeTakeProfitMarket}
	if len(reqs) != len(wantTypes) {
		t.Fatalf("submitted=%d, expected %d", len(reqs), len(wantTypes))
	}
	for i, w := range wantTypes {
		if reqs[i].Type != w || reqs[i].Side != common.SideSell {
			t.Fatalf("request %d = %s %s, expected SELL %s", i, reqs[i].Side, reqs[i].Type, w)
		}
	}
	if !reqs[0].StopPrice.Equal(d("98")) {
		t.Fatalf("stop=%s, expected 98", reqs[0].StopPrice)
	}
	if !reqs[1].ActivationPrice.Equal(d("103.01")) || !reqs[1].CallbackRate.Equal(d("1.5")) || !reqs[1].TrailingDistance.Equal(d("1.5")) {
		t.Fatalf("trailing=%+v", reqs[1])
	}
	if !reqs[2].StopPrice.Equal(d("104")) {
		t.Fatalf("take profit=%s, expected 104", reqs[2].StopPrice)
	}

	stored, err := h.db.GetPosition(ctx, pos.ID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !stored.Protected || stored.StopLossRef == "" || stored.TrailingStopRef == "" || stored.TakeProfitRef == "" {
		t.Fatalf("stored=%+v", stored)
	}
	recs, _ := h.db.GetProtectionOrders(ctx, pos.ID)
	if len(recs) != 3 {
		t.Fatalf("protection records=%d, expected 3", len(recs))
	}
}

func TestProtectReplacesClearedPositionTrailingStop(t *testing.T) {
	ctx := context.Background()
	h := newExchangeHarness(t, testConfig(), common.ExchangeBybit)
	h.fake.PositionTrailing = true
	h.fake.SetPrice("BTCUSDT", "103")
	pos := h.open(t, common.PositionLong, "100", "0.5")

	countTrailing := func() int {
		n := 0
		for _, r := range h.fake.SubmittedRequests() {
			if r.Type == common.OrderTypeTrailingStop {
				n++
			}
		}
		return n
	}

	if _, err := h.engine.Protect(ctx, &pos); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if pos.TrailingStopRef != PositionRef {
		t.Fatalf("trailing ref=%q, expected %q", pos.TrailingStopRef, PositionRef)
	}

	tests := []struct {
		name      string
		clear     bool
		wantTotal int
	}{
		{"still attached", false, 1},
		{"cleared on venue", true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.clear {
				// rebuilding the position drops the attached distance
				h.fake.SetPosition("BTCUSDT", common.PositionLong, "0.5", "100")
			}
			rep, err := h.engine.Protect(ctx, &pos)
			if err != nil {
				t.Fatalf("Protect: %v", err)
			}
			if got := countTrailing(); got != tt.wantTotal {
				t.Fatalf("trailing submissions=%d, expected %d", got, tt.wantTotal)
			}
			if rep.TrailingStop != PositionRef || !rep.Protected {
				t.Fatalf("report=%+v, expected protected with trailing %q", rep, PositionRef)
			}
		})
	}

	recs, _ := h.db.GetProtectionOrders(ctx, pos.ID)
	stale := 0
	for _, r := range recs {
		if r.Kind == db.ProtectionTrailingStop && r.Status == db.ProtectionStale {
			stale++
		}
	}
	if stale == 0 {
		t.Fatalf("records=%+v, expected the cleared trailing stop marked STALE", recs)
	}
}

func TestProtectPartialLadder(t *testing.T) {
	cfg := testConfig()
	cfg.PartialTPEnabled = true
	cfg.PartialTPLevels = config.DefaultTPLevels()
	h := newHarness(t, cfg)
	pos := h.open(t, common.PositionShort, "100", "1")

	rep, err := h.engine.Protect(context.Background(), &pos)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if len(rep.TakeProfits) != 3 {
		t.Fatalf("take profits=%v, expected 3 rungs", rep.TakeProfits)
	}
	reqs := h.fake.SubmittedRequests()
	last := reqs[len(reqs)-1]
	if last.Type != common.OrderTypeTakeProfitMarket || !last.StopPrice.Equal(d("95")) || !last.Qty.Equal(d("0.34")) || last.Side != common.SideBuy {
		t.Fatalf("last rung=%+v", last)
	}
}

func TestProtectRetriesRejectedActivation(t *testing.T) {
	h := newHarness(t, testConfig())
	h.fake.SetPrice("BTCUSDT", "104")
	pos := h.open(t, common.PositionLong, "100", "0.5")

	var trailing []common.OrderRequest
	h.fake.SubmitHook = func(req common.OrderRequest) (common.OrderResult, bool, error) {
		if req.Type != common.OrderTypeTrailingStop {
			return common.OrderResult{}, false, nil
		}
		trailing = append(trailing, req)
		if len(trailing) == 1 {
			return common.OrderResult{}, false, common.Classify(common.APIError{Exchange: "binance", Code: -2021},
				common.ErrValidation, common.ErrPriceInvalid)
		}
		return common.OrderResult{}, false, nil
	}

	rep, err := h.engine.Protect(context.Background(), &pos)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if len(trailing) != 2 {
		t.Fatalf("trailing attempts=%d, expected 2", len(trailing))
	}
	if !trailing[0].ActivationPrice.Equal(d("104.01")) || !trailing[1].ActivationPrice.Equal(d("104.52")) {
		t.Fatalf("activations=%s,%s, expected 104.01 then 104.52", trailing[0].ActivationPrice, trailing[1].ActivationPrice)
	}
	if rep.TrailingStop == "" {
		t.Fatalf("trailing stop not recorded after retry")
	}
}

func TestProtectFailureLeavesPositionOpenUnprotected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	pos := h.open(t, common.PositionLong, "100", "0.5")

	h.fake.SubmitHook = func(req common.OrderRequest) (common.OrderResult, bool, error) {
		if req.Type == common.OrderTypeStopMarket {
			return common.OrderResult{}, false, common.Classify(common.APIError{Exchange: "binance", Code: -1111},
				common.ErrValidation)
		}
		return common.OrderResult{}, false, nil
	}

	rep, err := h.engine.Protect(ctx, &pos)
	if !errors.Is(err, ErrUnprotected) {
		t.Fatalf("err=%v, expected ErrUnprotected", err)
	}
	if rep.Protected || len(rep.Errors) != 1 {
		t.Fatalf("report=%+v", rep)
	}
	stored, _ := h.db.GetPosition(ctx, pos.ID)
	if stored.Status != db.PositionOpen || stored.Protected {
		t.Fatalf("stored status=%s protected=%v, expected OPEN unprotected", stored.Status, stored.Protected)
	}
	recs, _ := h.db.GetProtectionOrders(ctx, pos.ID)
	if recs[0].Kind != db.ProtectionStopLoss || recs[0].Status != db.ProtectionFailed || recs[0].Error == "" {
		t.Fatalf("stop loss record=%+v", recs[0])
	}
}

func TestMonitorReprotectsMissingStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	pos := h.open(t, common.PositionLong, "100", "0.5")
	if _, err := h.engine.Protect(ctx, &pos); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	oldStop := pos.StopLossRef
	if err := h.fake.CancelOrder(ctx, "BTCUSDT", oldStop); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.fake.SetPrice("BTCUSDT", "101")

	st, err := h.engine.Monitor(ctx)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if st.Checked != 1 || st.Reprotected != 1 || st.Errors != 0 {
		t.Fatalf("stats=%+v", st)
	}
	stored, _ := h.db.GetPosition(ctx, pos.ID)
	if stored.StopLossRef == oldStop || stored.StopLossRef == "" {
		t.Fatalf("stop ref=%q, expected a new order", stored.StopLossRef)
	}
	if stored.TrailingStopRef != pos.TrailingStopRef {
		t.Fatalf("trailing stop replaced although still resting")
	}
	if !stored.CurrentPrice.Equal(d("101")) || !stored.MaxPrice.Equal(d("101")) || !stored.MinPrice.Equal(d("100")) {
		t.Fatalf("prices current=%s max=%s min=%s", stored.CurrentPrice, stored.MaxPrice, stored.MinPrice)
	}

	recs, _ := h.db.GetProtectionOrders(ctx, pos.ID)
	if recs[0].ExchangeOrderID != oldStop || recs[0].Status != db.ProtectionStale {
		t.Fatalf("old stop record=%+v, expected STALE", recs[0])
	}
}

func TestMonitorClosesFilledStop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, testConfig())
	pos := h.open(t, common.PositionLong, "100", "1")
	if _, err := h.engine.Protect(ctx, &pos); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	// The stop fired on the exchange.
	o := h.fake.Orders[pos.StopLossRef]
	o.Status, o.ExecutedQty, o.AvgPrice = common.StatusFilled, o.Qty, d("98")
	h.fake.Orders[pos.StopLossRef] = o
	h.fake.ClearPosition("BTCUSDT")

	st, err := h.engine.Monitor(ctx)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if st.Closed != 1 {
		t.Fatalf("stats=%+v, expected one close", st)
	}
	stored, _ := h.db.GetPosition(ctx, pos.ID)
	if stored.Status != db.PositionClosed || stored.CloseReason != db.ReasonStopLoss || !stored.ExitPrice.Equal(d("98")) {
		t.Fatalf("stored=%+v", stored)
	}
	if len(h.rec.results) != 1 || h.rec.results[0].PnL >= 0 {
		t.Fatalf("recorded=%+v, expected one loss", h.rec.results)
	}
	if len(h.fake.Resting("BTCUSDT")) != 0 {
		t.Fatalf("leftover protective orders resting")
	}
}

func TestTimeoutClose(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.MaxPositionAge = time.Hour

	t.Run("profit closes at market", func(t *testing.T) {
		h := newHarness(t, cfg)
		pos := h.open(t, common.PositionLong, "100", "0.5")
		h.fake.SetPrice("BTCUSDT", "105")

		action, err := h.engine.TimeoutClose(ctx, pos)
		if err != nil || action != ActionClosed {
			t.Fatalf("action=%s err=%v, expected CLOSED", action, err)
		}
		stored, _ := h.db.GetPosition(ctx, pos.ID)
		if stored.Status != db.PositionClosed || stored.CloseReason != db.ReasonTimeout {
			t.Fatalf("stored=%+v", stored)
		}
		if len(h.rec.results) != 1 {
			t.Fatalf("results=%d, expected 1", len(h.rec.results))
		}
	})

	t.Run("loss rests a breakeven limit once", func(t *testing.T) {
		h := newHarness(t, cfg)
		pos := h.open(t, common.PositionLong, "100", "0.5")
		h.fake.SetPrice("BTCUSDT", "95")

		action, err := h.engine.TimeoutClose(ctx, pos)
		if err != nil || action != ActionBreakevenPlaced {
			t.Fatalf("action=%s err=%v, expected BREAKEVEN_PLACED", action, err)
		}
		reqs := h.fake.SubmittedRequests()
		last := reqs[len(reqs)-1]
		if last.Type != common.OrderTypeLimit || !last.ReduceOnly || last.Side != common.SideSell || !last.Price.Equal(d("100.12")) {
			t.Fatalf("breakeven request=%+v", last)
		}

		action, err = h.engine.TimeoutClose(ctx, pos)
		if err != nil || action != ActionBreakevenResting {
			t.Fatalf("second action=%s err=%v, expected BREAKEVEN_RESTING", action, err)
		}
		if n := len(h.fake.SubmittedRequests()); n != len(reqs) {
			t.Fatalf("submitted=%d, expected no new order", n)
		}
	})

	t.Run("monitor applies max age", func(t *testing.T) {
		h := newHarness(t, cfg)
		pos := h.open(t, common.PositionLong, "100", "0.5")
		h.engine.SetClock(func() time.Time { return pos.OpenedAt.Add(2 * time.Hour) })
		h.fake.SetPrice("BTCUSDT", "101")

		st, err := h.engine.Monitor(ctx)
		if err != nil {
			t.Fatalf("Monitor: %v", err)
		}
		if st.TimedOut != 1 || st.Closed != 1 {
			t.Fatalf("stats=%+v", st)
		}
	})
}
