package futures_usdt

import (
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

const instrumentTTL = time.Hour

// Config holds Binance USDT-M futures credentials and limits.
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

// Client handles Binance USDT-M futures.
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

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 40
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = resilience.NewBreaker(common.ExchangeBinance, 0, 0)
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
		weights:     common.NewWeightTracker(common.ExchangeBinance, 2400, time.Minute),
		limiter:     resilience.NewLimiter(common.ExchangeBinance, cfg.RatePerSec, cfg.RateBurst),
		breaker:     breaker,
		retry:       retry,
		instruments: cache.New[common.Instrument](),
	}
	c.timeSync = common.NewTimeSync(common.ExchangeBinance, c.GetServerTime)
	return c
}

// Name implements common.ExchangeClient.
func (c *Client) Name() string { return common.ExchangeBinance }

// Breaker exposes the client's circuits for status reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

// Limiter returns the client's request bucket.
func (c *Client) Limiter() *resilience.Limiter { return c.limiter }

// StartTimeSync keeps the local clock offset fresh until ctx ends.
func (c *Client) StartTimeSync(ctx context.Context) { c.timeSync.Start(ctx) }

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance usdt futures: API key/secret required")
	}
	return nil
}

// SubmitOrder places an order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("newOrderRespType", "RESULT")

	if !req.ClosePosition {
		params.Set("quantity", req.Qty.String())
	}
	switch req.Type {
	case common.OrderTypeLimit:
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	case common.OrderTypeStopMarket, common.OrderTypeTakeProfitMarket:
		params.Set("stopPrice", req.StopPrice.String())
		params.Set("workingType", "MARK_PRICE")
		if req.ClosePosition {
			params.Set("closePosition", "true")
		}
	case common.OrderTypeTrailingStop:
		params.Set("callbackRate", req.CallbackRate.StringFixed(1))
		params.Set("workingType", "MARK_PRICE")
		if req.ActivationPrice.IsPositive() {
			params.Set("activationPrice", req.ActivationPrice.String())
		}
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.ReduceOnly && !req.ClosePosition {
		params.Set("reduceOnly", "true")
	}

	var resp orderResp
	if err := c.call(ctx, ClassOrder, http.MethodPost, "/fapi/v1/order", params, true, &resp); err != nil {
		return common.OrderResult{}, err
	}
	return common.OrderResult{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		ClientID:    resp.ClientOrderID,
		Status:      mapStatus(resp.Status),
		ExecutedQty: resp.ExecutedQty,
		AvgPrice:    resp.AvgPrice,
	}, nil
}

// QueryOrder fetches one order by id.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (common.Order, error) {
	if err := c.requireKeys(); err != nil {
		return common.Order{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	var resp orderResp
	if err := c.call(ctx, ClassAccount, http.MethodGet, "/fapi/v1/order", params, true, &resp); err != nil {
		return common.Order{}, err
	}
	return resp.toOrder(), nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	return c.call(ctx, ClassOrder, http.MethodDelete, "/fapi/v1/order", params, true, nil)
}

// CancelAllOpenOrders cancels all open orders for a symbol.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	return c.call(ctx, ClassOrder, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true, nil)
}

// GetOpenOrders returns open orders; symbol optional.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp []orderResp
	if err := c.call(ctx, ClassAccount, http.MethodGet, "/fapi/v1/openOrders", params, true, &resp); err != nil {
		return nil, err
	}
	out := make([]common.Order, 0, len(resp))
	for _, o := range resp {
		out = append(out, o.toOrder())
	}
	return out, nil
}

// GetTrades returns the fills of one order.
func (c *Client) GetTrades(ctx context.Context, symbol, orderID string) ([]common.Trade, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID != "" {
		params.Set("orderId", orderID)
	}
	params.Set("limit", "100")
	var resp []userTrade
	if err := c.call(ctx, ClassAccount, http.MethodGet, "/fapi/v1/userTrades", params, true, &resp); err != nil {
		return nil, err
	}
	out := make([]common.Trade, 0, len(resp))
	for _, t := range resp {
		tid := strconv.FormatInt(t.OrderID, 10)
		if orderID != "" && tid != orderID {
			continue
		}
		out = append(out, common.Trade{
			TradeID:  strconv.FormatInt(t.ID, 10),
			OrderID:  tid,
			Symbol:   t.Symbol,
			Side:     common.Side(t.Side),
			Qty:      t.Qty,
			Price:    t.Price,
			Fee:      t.Commission,
			FilledAt: time.UnixMilli(t.Time),
		})
	}
	return out, nil
}

// GetPositions returns non-zero positions.
func (c *Client) GetPositions(ctx context.Context) ([]common.Position, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	var resp []positionRisk
	if err := c.call(ctx, ClassAccount, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, true, &resp); err != nil {
		return nil, err
	}
	out := make([]common.Position, 0, len(resp))
	for _, p := range resp {
		if p.PositionAmt.IsZero() {
			continue
		}
		side := common.PositionLong
		if p.PositionAmt.IsNegative() {
			side = common.PositionShort
		}
		lev, _ := strconv.Atoi(p.Leverage)
		out = append(out, common.Position{
			Symbol:        p.Symbol,
			Side:          side,
			Qty:           p.PositionAmt.Abs(),
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.UnRealizedProfit,
			Leverage:      lev,
		})
	}
	return out, nil
}

// SetLeverage sets leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.call(ctx, ClassOrder, http.MethodPost, "/fapi/v1/leverage", params, true, nil)
}

// GetBalance returns the futures balance of asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	if err := c.requireKeys(); err != nil {
		return common.Balance{}, err
	}
	var resp []futuresBalance
	if err := c.call(ctx, ClassAccount, http.MethodGet, "/fapi/v2/balance", url.Values{}, true, &resp); err != nil {
		return common.Balance{}, err
	}
	for _, b := range resp {
		if b.Asset == asset {
			return common.Balance{Asset: asset, Total: b.Balance, Available: b.AvailableBalance}, nil
		}
	}
	return common.Balance{Asset: asset}, nil
}

// GetInstrument returns the trading filters of symbol, cached for an hour.
func (c *Client) GetInstrument(ctx context.Context, symbol string) (common.Instrument, error) {
	if inst, ok := c.instruments.Get(symbol, instrumentTTL); ok {
		return inst, nil
	}
	var resp exchangeInfo
	if err := c.call(ctx, ClassMarket, http.MethodGet, "/fapi/v1/exchangeInfo", url.Values{}, false, &resp); err != nil {
		return common.Instrument{}, err
	}
	var (
		found common.Instrument
		ok    bool
	)
	for _, s := range resp.Symbols {
		inst := s.toInstrument()
		c.instruments.Set(inst.Symbol, inst)
		if inst.Symbol == symbol {
			found, ok = inst, true
		}
	}
	if !ok {
		return common.Instrument{}, fmt.Errorf("binance: symbol %s: %w", symbol, errors.Join(common.ErrValidation, common.ErrSymbolNotFound))
	}
	return found, nil
}

// GetTicker returns the 24h ticker merged with the mark price and book top.
func (c *Client) GetTicker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var t24 ticker24h
	if err := c.call(ctx, ClassMarket, http.MethodGet, "/fapi/v1/ticker/24hr", params, false, &t24); err != nil {
		return common.Ticker{}, err
	}
	var book bookTicker
	if err := c.call(ctx, ClassMarket, http.MethodGet, "/fapi/v1/ticker/bookTicker", params, false, &book); err != nil {
		return common.Ticker{}, err
	}
	var mark premiumIndex
	if err := c.call(ctx, ClassMarket, http.MethodGet, "/fapi/v1/premiumIndex", params, false, &mark); err != nil {
		return common.Ticker{}, err
	}
	return common.Ticker{
		Symbol:      symbol,
		LastPrice:   t24.LastPrice,
		MarkPrice:   mark.MarkPrice,
		BidPrice:    book.BidPrice,
		AskPrice:    book.AskPrice,
		QuoteVolume: t24.QuoteVolume,
	}, nil
}

// CreateListenKey creates a listen key for the user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.call(ctx, ClassAccount, http.MethodPost, "/fapi/v1/listenKey", url.Values{}, false, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends listen key life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return c.call(ctx, ClassAccount, http.MethodPut, "/fapi/v1/listenKey", params, false, nil)
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	body, err := c.do(ctx, http.MethodGet, "/fapi/v1/time", url.Values{}, false)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// WSBaseURL returns the user-data stream endpoint.
func (c *Client) WSBaseURL() string {
	if c.cfg.Testnet {
		return "wss://stream.binancefuture.com/ws/"
	}
	return "wss://fstream.binance.com/ws/"
}

// call runs one logical request through the limiter, the circuit for class
// and the retry policy, decoding the JSON answer into out when non-nil.
// New orders are only resent when the exchange throttled them, since a
// timed-out submission may have been accepted.
func (c *Client) call(ctx context.Context, class, method, path string, params url.Values, signed bool, out any) error {
	policy := c.retry
	if class == ClassOrder && method == http.MethodPost && path == "/fapi/v1/order" {
		policy.Retryable = func(err error) bool { return errors.Is(err, common.ErrRateLimited) }
	}
	var body []byte
	err := policy.Do(ctx, "binance "+path, func(ctx context.Context) error {
		if err := c.limiter.Acquire(ctx, 1); err != nil {
			return err
		}
		if c.weights.ShouldDelay() {
			wait := c.weights.UntilReset()
			if wait > 2*time.Second {
				wait = 2 * time.Second
			}
			if err := resilience.Sleep(ctx, wait); err != nil {
				return err
			}
		}
		return c.breaker.Execute(ctx, class, func(ctx context.Context) error {
			var err error
			body, err = c.do(ctx, method, path, params, signed)
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
			if common.IsAPIErrorCode(err, codeTimestampOutside) {
				if serr := c.timeSync.Sync(ctx); serr != nil {
					log.Printf("binance: resync after timestamp rejection failed: %v", serr)
				}
			}
		}
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do performs a single HTTP exchange. Signed requests get a fresh timestamp
// on every attempt.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	q := url.Values{}
	for k, v := range params {
		q[k] = append([]string(nil), v...)
	}
	encoded := q.Encode()
	if signed {
		q.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
		q.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		encoded = q.Encode()
		encoded += "&signature=" + Sign(encoded, c.cfg.APISecret)
	}

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodPut:
		if encoded != "" {
			endpoint += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance %s %s: %w", method, path, errors.Join(common.ErrNetwork, err))
	}
	defer res.Body.Close()

	c.weights.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("binance %s %s: read body: %w", method, path, errors.Join(common.ErrNetwork, err))
	}
	if err := parseError(res.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// Sign returns the hex HMAC-SHA256 of the encoded query.
func Sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
