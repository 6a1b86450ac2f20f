package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"execution-core/pkg/cache"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/resilience"
)

// Endpoint classes; each has its own circuit.
const (
	ClassOrder   = "order"
	ClassAccount = "account"
	ClassMarket  = "market"
)

const (
	category      = "linear"
	settleCoin    = "USDT"
	instrumentTTL = time.Hour
)

// Config holds Bybit v5 credentials and limits.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
	BaseURL    string

	RatePerSec float64
	RateBurst  int

	Breaker *resilience.Breaker
	Retry   resilience.RetryPolicy
}

// Client handles Bybit v5 linear (USDT) perpetuals.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	weights     *common.WeightTracker
	limiter     *resilience.Limiter
	breaker     *resilience.Breaker
	retry       resilience.RetryPolicy
	instruments *cache.ShardedCache[common.Instrument]
}

var _ common.ExchangeClient = (*Client)(nil)

// NewClient creates a Bybit client.
func NewClient(cfg Config) *Client {
	base := "https://api.bybit.com"
	if cfg.Testnet {
		base = "https://api-testnet.bybit.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(common.ExchangeBybit, 0, 0)
	}
	breaker.IsFailure = common.TripsBreaker
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = resilience.DefaultRetryPolicy(nil)
	}
	retry.Retryable = common.Retryable

	c := &Client{
		cfg:         cfg,
		baseURL:     base,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		weights:     common.NewWeightTracker(common.ExchangeBybit, 120, 5*time.Second),
		limiter:     resilience.NewLimiter(common.ExchangeBybit, cfg.RatePerSec, cfg.RateBurst),
		breaker:     breaker,
		retry:       retry,
		instruments: cache.New[common.Instrument](),
	}
	c.timeSync = common.NewTimeSync(common.ExchangeBybit, c.GetServerTime)
	return c
}

// Name implements common.ExchangeClient.
func (c *Client) Name() string { return common.ExchangeBybit }

// Breaker exposes the client's circuits for status reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// Limiter returns the client's request bucket.
func (c *Client) Limiter() *resilience.Limiter { return c.limiter }

// StartTimeSync keeps the local clock offset fresh until ctx ends.
func (c *Client) StartTimeSync(ctx context.Context) { c.timeSync.Start(ctx) }

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("bybit: API key/secret required")
	}
	return nil
}

// SubmitOrder places an order. Trailing stops are position attributes on
// Bybit and go through the trading-stop endpoint.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	if req.Type == common.OrderTypeTrailingStop {
		return c.setTrailingStop(ctx, req)
	}

	body := map[string]any{
		"category":  category,
		"symbol":    req.Symbol,
		"side":      fromSide(req.Side),
		"orderType": "Market",
		"qty":       req.Qty.String(),
	}
	switch req.Type {
	case common.OrderTypeLimit:
		body["orderType"] = "Limit"
		body["price"] = req.Price.String()
		tif := "GTC"
		if req.TimeInForce == common.TIFGTX {
			tif = "PostOnly"
		} else if req.TimeInForce == common.TIFIOC {
			tif = "IOC"
		}
		body["timeInForce"] = tif
	case common.OrderTypeStopMarket, common.OrderTypeTakeProfitMarket:
		body["triggerPrice"] = req.StopPrice.String()
		body["triggerBy"] = "MarkPrice"
		body["triggerDirection"] = triggerDirection(req.Type, req.Side)
	}
	if req.ReduceOnly || req.ClosePosition {
		body["reduceOnly"] = true
	}
	if req.ClosePosition {
		body["closeOnTrigger"] = true
	}
	if req.ClientID != "" {
		body["orderLinkId"] = req.ClientID
	}

	var res createOrderResult
	if err := c.call(ctx, ClassOrder, http.MethodPost, "/v5/order/create", nil, body, true, &res); err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{OrderID: res.OrderID, ClientID: res.OrderLinkID, Status: common.StatusNew}, nil
}

// triggerDirection: 1 fires when mark rises to the trigger, 2 when it falls.
func triggerDirection(t common.OrderType, side common.Side) int {
	rising := side == common.SideBuy
	if t == common.OrderTypeTakeProfitMarket {
		rising = !rising
	}
	if rising {
		return 1
	}
	return 2
}

func (c *Client) setTrailingStop(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	body := map[string]any{
		"category":     category,
		"symbol":       req.Symbol,
		"tpslMode":     "Full",
		"positionIdx":  0,
		"trailingStop": req.TrailingDistance.String(),
	}
	if req.ActivationPrice.IsPositive() {
		body["activePrice"] = req.ActivationPrice.String()
	}
	if err := c.call(ctx, ClassOrder, http.MethodPost, "/v5/position/trading-stop", nil, body, true, nil); err != nil {
		return common.OrderResult{}, err
	}

	// the endpoint returns no id; the stop shows up as a conditional order
	orders, err := c.GetOpenOrders(ctx, req.Symbol)
	if err != nil {
		log.Printf("bybit: trailing stop set for %s but lookup failed: %v", req.Symbol, err)
		return common.OrderResult{Status: common.StatusNew}, nil
	}
	for _, o := range orders {
		if o.Type == common.OrderTypeTrailingStop {
			return common.OrderResult{OrderID: o.OrderID, Status: o.Status}, nil
		}
	}
	return common.OrderResult{Status: common.StatusNew}, nil
}

// QueryOrder looks in the realtime list first and falls back to history.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (common.Order, error) {
	if err := c.requireKeys(); err != nil {
		return common.Order{}, err
	}
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	q.Set("orderId", orderID)

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var res listResult[orderInfo]
		if err := c.call(ctx, ClassAccount, http.MethodGet, path, q, nil, true, &res); err != nil {
			return common.Order{}, err
		}
		if len(res.List) > 0 {
			return res.List[0].toOrder(), nil
		}
	}
	return common.Order{}, fmt.Errorf("bybit: order %s: %w", orderID, errors.Join(common.ErrBusinessRejected, common.ErrOrderNotFound))
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	body := map[string]any{"category": category, "symbol": symbol, "orderId": orderID}
	return c.call(ctx, ClassOrder, http.MethodPost, "/v5/order/cancel", nil, body, true, nil)
}

// CancelAllOpenOrders cancels every open order of symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	body := map[string]any{"category": category, "symbol": symbol}
	return c.call(ctx, ClassOrder, http.MethodPost, "/v5/order/cancel-all", nil, body, true, nil)
}

// GetOpenOrders returns active and conditional orders; symbol optional.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("category", category)
	if symbol != "" {
		q.Set("symbol", symbol)
	} else {
		q.Set("settleCoin", settleCoin)
	}
	q.Set("limit", "50")
	var res listResult[orderInfo]
	if err := c.call(ctx, ClassAccount, http.MethodGet, "/v5/order/realtime", q, nil, true, &res); err != nil {
		return nil, err
	}
	out := make([]common.Order, 0, len(res.List))
	for _, o := range res.List {
		out = append(out, o.toOrder())
	}
	return out, nil
}

// GetTrades returns the executions of one order.
func (c *Client) GetTrades(ctx context.Context, symbol, orderID string) ([]common.Trade, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	if orderID != "" {
		q.Set("orderId", orderID)
	}
	var res listResult[execution]
	if err := c.call(ctx, ClassAccount, http.MethodGet, "/v5/execution/list", q, nil, true, &res); err != nil {
		return nil, err
	}
	out := make([]common.Trade, 0, len(res.List))
	for _, e := range res.List {
		out = append(out, common.Trade{
			TradeID:  e.ExecID,
			OrderID:  e.OrderID,
			Symbol:   e.Symbol,
			Side:     toSide(e.Side),
			Qty:      e.ExecQty.Decimal,
			Price:    e.ExecPrice.Decimal,
			Fee:      e.ExecFee.Decimal,
			FilledAt: parseMillis(e.ExecTime),
		})
	}
	return out, nil
}

// GetPositions returns non-zero USDT positions.
func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("category", category)
	q.Set("settleCoin", settleCoin)
	q.Set("limit", "200")
	var res listResult[positionInfo]
	if err := c.call(ctx, ClassAccount, http.MethodGet, "/v5/position/list", q, nil, true, &res); err != nil {
		return nil, err
	}
	out := make([]common.Position, 0, len(res.List))
	for _, p := range res.List {
		if !p.Size.IsPositive() || p.Side == "" || p.Side == "None" {
			continue
		}
		side := common.PositionLong
		if p.Side == "Sell" {
			side = common.PositionShort
		}
		out = append(out, common.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Qty:           p.Size.Decimal,
			EntryPrice:    p.AvgPrice.Decimal,
			MarkPrice:     p.MarkPrice.Decimal,
			UnrealizedPnL: p.UnrealisedPnl.Decimal,
			Leverage:      int(p.Leverage.IntPart()),
			TrailingStop:  p.TrailingStop.Decimal,
		})
	}
	return out, nil
}

// SetLeverage sets buy and sell leverage for symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	lev := strconv.Itoa(leverage)
	body := map[string]any{"category": category, "symbol": symbol, "buyLeverage": lev, "sellLeverage": lev}
	return c.call(ctx, ClassOrder, http.MethodPost, "/v5/position/set-leverage", nil, body, true, nil)
}

// GetBalance returns the unified-account balance of asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	if err := c.requireKeys(); err != nil {
		return common.Balance{}, err
	}
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	q.Set("coin", asset)
	var res listResult[walletAccount]
	if err := c.call(ctx, ClassAccount, http.MethodGet, "/v5/account/wallet-balance", q, nil, true, &res); err != nil {
		return common.Balance{}, err
	}
	for _, acct := range res.List {
		for _, coin := range acct.Coin {
			if coin.Coin == asset {
				return common.Balance{Asset: asset, Total: coin.WalletBalance.Decimal, Available: coin.AvailableToWithdraw.Decimal}, nil
			}
		}
	}
	return common.Balance{Asset: asset}, nil
}

// GetInstrument returns the trading filters of symbol, cached for an hour.
func (c *Client) GetInstrument(ctx context.Context, symbol string) (common.Instrument, error) {
	if inst, ok := c.instruments.Get(symbol, instrumentTTL); ok {
		return inst, nil
	}
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	var res listResult[instrumentInfo]
	if err := c.call(ctx, ClassMarket, http.MethodGet, "/v5/market/instruments-info", q, nil, false, &res); err != nil {
		return common.Instrument{}, err
	}
	for _, i := range res.List {
		if i.Symbol == symbol {
			inst := i.toInstrument()
			c.instruments.Set(symbol, inst)
			return inst, nil
		}
	}
	return common.Instrument{}, fmt.Errorf("bybit: symbol %s: %w", symbol, errors.Join(common.ErrValidation, common.ErrSymbolNotFound))
}

// GetTicker returns the 24h ticker of symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("symbol", symbol)
	var res listResult[tickerInfo]
	if err := c.call(ctx, ClassMarket, http.MethodGet, "/v5/market/tickers", q, nil, false, &res); err != nil {
		return common.Ticker{}, err
	}
	if len(res.List) == 0 {
		return common.Ticker{}, fmt.Errorf("bybit: ticker %s: %w", symbol, errors.Join(common.ErrValidation, common.ErrSymbolNotFound))
	}
	t := res.List[0]
	return common.Ticker{
		Symbol:      symbol,
		LastPrice:   t.LastPrice.Decimal,
		MarkPrice:   t.MarkPrice.Decimal,
		BidPrice:    t.Bid1Price.Decimal,
		AskPrice:    t.Ask1Price.Decimal,
		QuoteVolume: t.Turnover24h.Decimal,
	}, nil
}

// GetServerTime fetches server time in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	raw, err := c.do(ctx, http.MethodGet, "/v5/market/time", nil, nil, false)
	if err != nil {
		return 0, err
	}
	var res struct {
		TimeNano string `json:"timeNano"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	ns, err := strconv.ParseInt(res.TimeNano, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return ns / int64(time.Millisecond), nil
}

func (c *Client) call(ctx context.Context, class, method, path string, query url.Values, body map[string]any, signed bool, out any) error {
	policy := c.retry
	if path == "/v5/order/create" {
		policy.Retryable = func(err error) bool { return errors.Is(err, common.ErrRateLimited) }
	}
	var result []byte
	err := policy.Do(ctx, "bybit "+path, func(ctx context.Context) error {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return err
		}
		if c.weights.ShouldDelay() {
			if err := resilience.Sleep(ctx, c.weights.UntilReset()); err != nil {
				return err
			}
		}
		return c.breaker.Execute(ctx, class, func(ctx context.Context) error {
			var err error
			result, err = c.do(ctx, method, path, query, body, signed)
			return err
		})
	})
	if err != nil {
		// Retries are spent by now; keep the class closed to traffic until
		// the recovery timeout so the venue's ban window can pass.
		if errors.Is(err, common.ErrRateLimited) {
			c.breaker.Trip(class, err)
		}
		if errors.Is(err, common.ErrAuth) {
			c.breaker.Trip(class, err)
			if common.IsAPIErrorCode(err, codeRecvWindow) {
				if serr := c.timeSync.Sync(ctx); serr != nil {
					log.Printf("bybit: resync after recv window rejection failed: %v", serr)
				}
			}
		}
		return err
	}
	if out == nil || len(result) == 0 || string(result) == "{}" {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs one HTTP exchange and returns the envelope's result field.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body map[string]any, signed bool) (json.RawMessage, error) {
	endpoint := c.baseURL + path
	var (
		payload string
		reader  io.Reader
	)
	if method == http.MethodGet {
		payload = query.Encode()
		if payload != "" {
			endpoint += "?" + payload
		}
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", path, err)
		}
		payload = string(raw)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		ts := strconv.FormatInt(c.timeSync.Now(), 10)
		recv := strconv.FormatInt(c.cfg.RecvWindow, 10)
		req.Header.Set("X-BAPI-API-KEY", c.cfg.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", ts)
		req.Header.Set("X-BAPI-RECV-WINDOW", recv)
		req.Header.Set("X-BAPI-SIGN", Sign(ts+c.cfg.APIKey+recv+payload, c.cfg.APISecret))
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bybit %s %s: %w", method, path, errors.Join(common.ErrNetwork, err))
	}
	defer res.Body.Close()

	c.weights.UpdateRemaining(res.Header.Get("X-Bapi-Limit-Status"), res.Header.Get("X-Bapi-Limit"))

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("bybit %s %s: read body: %w", method, path, errors.Join(common.ErrNetwork, err))
	}
	return parseResponse(res.StatusCode, raw)
}

// parseResponse unwraps the v5 envelope. Business failures arrive as HTTP
// 200 with a non-zero retCode.
func parseResponse(status int, raw []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if status >= 300 {
			apiErr := common.APIError{Exchange: common.ExchangeBybit, HTTPStatus: status, Msg: string(raw)}
			return nil, common.Classify(apiErr, common.HTTPStatusKind(status))
		}
		return nil, fmt.Errorf("bybit: decode envelope: %w", err)
	}
	if env.RetCode != codeOK {
		return nil, classify(common.APIError{Exchange: common.ExchangeBybit, HTTPStatus: status, Code: env.RetCode, Msg: env.RetMsg})
	}
	if status >= 300 {
		apiErr := common.APIError{Exchange: common.ExchangeBybit, HTTPStatus: status, Msg: string(raw)}
		return nil, common.Classify(apiErr, common.HTTPStatusKind(status))
	}
	return env.Result, nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(payload, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
