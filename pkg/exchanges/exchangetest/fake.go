// Package exchangetest provides an in-memory common.ExchangeClient for tests.
package exchangetest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// Fake simulates a futures venue. Market orders fill immediately at the
// ticker's last price and move the live position unless FillMarket is false.
// Conditional and limit orders rest until cancelled. Hooks override single
// calls; a nil return from a hook falls through to the default behavior only
// where documented.
type Fake struct {
	mu sync.Mutex

	name        string
	FillMarket  bool
	Instruments map[string]common.Instrument
	Tickers     map[string]common.Ticker
	Positions   map[string]common.Position
	Orders      map[string]common.Order
	Trades      map[string][]common.Trade
	Leverage    map[string]int
	Submitted   []common.OrderRequest
	Cancelled   []string
	nextID      int

	// SubmitHook may reject a request before it is applied. Returning
	// handled=false continues with the default behavior.
	SubmitHook    func(req common.OrderRequest) (res common.OrderResult, handled bool, err error)
	QueryHook     func(symbol, orderID string) (common.Order, error)
	TradesHook    func(symbol, orderID string) ([]common.Trade, error)
	PositionsHook func() ([]common.Position, error)
	LeverageErr   error

	// PositionTrailing attaches trailing stops to the live position and
	// returns no order id, the way Bybit's trading-stop endpoint does.
	PositionTrailing bool
}

// New returns a fake named name with one BTCUSDT instrument priced at 100.
func New(name string) *Fake {
	f := &Fake{
		name:        name,
		FillMarket:  true,
		Instruments: map[string]common.Instrument{},
		Tickers:     map[string]common.Ticker{},
		Positions:   map[string]common.Position{},
		Orders:      map[string]common.Order{},
		Trades:      map[string][]common.Trade{},
		Leverage:    map[string]int{},
	}
	f.AddSymbol("BTCUSDT", "100")
	return f
}

// AddSymbol registers an instrument with tick 0.01, step 0.001 and price.
func (f *Fake) AddSymbol(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := decimal.RequireFromString(price)
	f.Instruments[symbol] = common.Instrument{
		Symbol:      symbol,
		Trading:     true,
		StepSize:    decimal.RequireFromString("0.001"),
		TickSize:    decimal.RequireFromString("0.01"),
		MinQty:      decimal.RequireFromString("0.001"),
		MaxQty:      decimal.NewFromInt(1000),
		MinNotional: decimal.NewFromInt(5),
		MinLeverage: 1,
		MaxLeverage: 125,
	}
	f.Tickers[symbol] = common.Ticker{
		Symbol:      symbol,
		LastPrice:   p,
		MarkPrice:   p,
		BidPrice:    p.Sub(decimal.RequireFromString("0.01")),
		AskPrice:    p.Add(decimal.RequireFromString("0.01")),
		QuoteVolume: decimal.NewFromInt(50_000_000),
	}
}

// SetPrice moves last and mark price of symbol.
func (f *Fake) SetPrice(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.Tickers[symbol]
	p := decimal.RequireFromString(price)
	t.LastPrice, t.MarkPrice = p, p
	f.Tickers[symbol] = t
	if pos, ok := f.Positions[symbol]; ok {
		pos.MarkPrice = p
		f.Positions[symbol] = pos
	}
}

// SetPosition installs a live position.
func (f *Fake) SetPosition(symbol string, side common.PositionSide, qty, entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Positions[symbol] = common.Position{
		Symbol:     symbol,
		Side:       side,
		Qty:        decimal.RequireFromString(qty),
		EntryPrice: decimal.RequireFromString(entry),
		MarkPrice:  f.Tickers[symbol].MarkPrice,
		Leverage:   10,
	}
}

// ClearPosition removes the live position for symbol.
func (f *Fake) ClearPosition(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Positions, symbol)
}

// SubmittedRequests returns a copy of every accepted submission.
func (f *Fake) SubmittedRequests() []common.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.OrderRequest(nil), f.Submitted...)
}

// Resting returns the resting orders for symbol.
func (f *Fake) Resting(symbol string) []common.Order {
	orders, _ := f.GetOpenOrders(context.Background(), symbol)
	return orders
}

func (f *Fake) Name() string { return f.name }

func (f *Fake) SubmitOrder(_ context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if f.SubmitHook != nil {
		if res, handled, err := f.SubmitHook(req); handled || err != nil {
			if err == nil {
				f.mu.Lock()
				f.Submitted = append(f.Submitted, req)
				f.mu.Unlock()
			}
			return res, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Submitted = append(f.Submitted, req)
	f.nextID++
	id := strconv.Itoa(f.nextID)
	now := time.Now()

	if req.Type == common.OrderTypeTrailingStop && f.PositionTrailing {
		pos, ok := f.Positions[req.Symbol]
		if !ok {
			return common.OrderResult{}, common.Classify(common.APIError{Exchange: f.name, Msg: "no position for " + req.Symbol},
				common.ErrBusinessRejected, common.ErrNoPosition)
		}
		pos.TrailingStop = req.TrailingDistance
		f.Positions[req.Symbol] = pos
		return common.OrderResult{Status: common.StatusNew}, nil
	}

	if req.Type != common.OrderTypeMarket {
		f.Orders[id] = common.Order{
			OrderID: id, ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side, Type: req.Type,
			Status: common.StatusNew, Qty: req.Qty, Price: req.Price, StopPrice: req.StopPrice,
			ReduceOnly: req.ReduceOnly, ClosePosition: req.ClosePosition, UpdatedAt: now,
		}
		return common.OrderResult{OrderID: id, ClientID: req.ClientID, Status: common.StatusNew}, nil
	}

	if !f.FillMarket {
		f.Orders[id] = common.Order{OrderID: id, ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
			Type: req.Type, Status: common.StatusNew, Qty: req.Qty, UpdatedAt: now}
		return common.OrderResult{OrderID: id, ClientID: req.ClientID, Status: common.StatusNew}, nil
	}

	price := f.Tickers[req.Symbol].LastPrice
	f.applyFillLocked(req, price)
	f.Orders[id] = common.Order{OrderID: id, ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		Type: req.Type, Status: common.StatusFilled, Qty: req.Qty, ExecutedQty: req.Qty, AvgPrice: price, UpdatedAt: now}
	f.Trades[id] = []common.Trade{{TradeID: id + "-1", OrderID: id, Symbol: req.Symbol, Side: req.Side,
		Qty: req.Qty, Price: price, FilledAt: now}}
	return common.OrderResult{OrderID: id, ClientID: req.ClientID, Status: common.StatusFilled,
		ExecutedQty: req.Qty, AvgPrice: price}, nil
}

func (f *Fake) applyFillLocked(req common.OrderRequest, price decimal.Decimal) {
	pos, ok := f.Positions[req.Symbol]
	side := common.PositionLong
	if req.Side == common.SideSell {
		side = common.PositionShort
	}
	switch {
	case !ok:
		if req.ReduceOnly {
			return
		}
		f.Positions[req.Symbol] = common.Position{Symbol: req.Symbol, Side: side, Qty: req.Qty,
			EntryPrice: price, MarkPrice: price, Leverage: f.leverageLocked(req.Symbol)}
	case pos.Side == side:
		total := pos.Qty.Add(req.Qty)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Qty).Add(price.Mul(req.Qty)).Div(total)
		pos.Qty = total
		f.Positions[req.Symbol] = pos
	default:
		pos.Qty = pos.Qty.Sub(req.Qty)
		if pos.Qty.Sign() <= 0 {
			delete(f.Positions, req.Symbol)
			return
		}
		f.Positions[req.Symbol] = pos
	}
}

func (f *Fake) leverageLocked(symbol string) int {
	if l, ok := f.Leverage[symbol]; ok {
		return l
	}
	return 10
}

func (f *Fake) QueryOrder(_ context.Context, symbol, orderID string) (common.Order, error) {
	if f.QueryHook != nil {
		return f.QueryHook(symbol, orderID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.Orders[orderID]
	if !ok {
		return common.Order{}, notFound(f.name, orderID)
	}
	return o, nil
}

func (f *Fake) CancelOrder(_ context.Context, symbol, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.Orders[orderID]
	if !ok || o.Status.Terminal() {
		return notFound(f.name, orderID)
	}
	o.Status = common.StatusCanceled
	f.Orders[orderID] = o
	f.Cancelled = append(f.Cancelled, orderID)
	return nil
}

func (f *Fake) CancelAllOpenOrders(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, o := range f.Orders {
		if o.Symbol != symbol || o.Status.Terminal() {
			continue
		}
		o.Status = common.StatusCanceled
		f.Orders[id] = o
		f.Cancelled = append(f.Cancelled, id)
	}
	return nil
}

func (f *Fake) GetOpenOrders(_ context.Context, symbol string) ([]common.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []common.Order
	for _, o := range f.Orders {
		if o.Status.Terminal() || (symbol != "" && o.Symbol != symbol) {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (f *Fake) GetTrades(_ context.Context, symbol, orderID string) ([]common.Trade, error) {
	if f.TradesHook != nil {
		return f.TradesHook(symbol, orderID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]common.Trade(nil), f.Trades[orderID]...), nil
}

func (f *Fake) GetPositions(context.Context) ([]common.Position, error) {
	if f.PositionsHook != nil {
		return f.PositionsHook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]common.Position, 0, len(f.Positions))
	for _, p := range f.Positions {
		out = append(out, p)
	}
	return out, nil
}

func (f *Fake) SetLeverage(_ context.Context, symbol string, leverage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Leverage[symbol] = leverage
	return f.LeverageErr
}

func (f *Fake) GetInstrument(_ context.Context, symbol string) (common.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.Instruments[symbol]
	if !ok {
		return common.Instrument{}, common.Classify(common.APIError{Exchange: f.name, Msg: "unknown symbol " + symbol},
			common.ErrValidation, common.ErrSymbolNotFound)
	}
	return inst, nil
}

func (f *Fake) GetTicker(_ context.Context, symbol string) (common.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Tickers[symbol]
	if !ok {
		return common.Ticker{}, common.Classify(common.APIError{Exchange: f.name, Msg: "unknown symbol " + symbol},
			common.ErrValidation, common.ErrSymbolNotFound)
	}
	return t, nil
}

func (f *Fake) GetBalance(_ context.Context, asset string) (common.Balance, error) {
	return common.Balance{Asset: asset, Total: decimal.NewFromInt(1000), Available: decimal.NewFromInt(1000)}, nil
}

func notFound(exchange, orderID string) error {
	return common.Classify(common.APIError{Exchange: exchange, Msg: fmt.Sprintf("order %s does not exist", orderID)},
		common.ErrBusinessRejected, common.ErrOrderNotFound)
}

var _ common.ExchangeClient = (*Fake)(nil)
