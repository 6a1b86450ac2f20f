package futures_usdt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/resilience"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   srv.URL,
		Retry: resilience.RetryPolicy{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
			OnRetry:     func(int, error, time.Duration) {},
		},
	})
}

func verifySignature(t *testing.T, raw string) url.Values {
	t.Helper()
	idx := strings.LastIndex(raw, "&signature=")
	if idx < 0 {
		t.Fatalf("signature missing in %q", raw)
	}
	payload, sig := raw[:idx], raw[idx+len("&signature="):]
	if want := Sign(payload, "secret"); sig != want {
		t.Fatalf("signature=%s, expected %s", sig, want)
	}
	vals, err := url.ParseQuery(payload)
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if vals.Get("timestamp") == "" || vals.Get("recvWindow") != "5000" {
		t.Fatalf("timestamp/recvWindow missing: %v", vals)
	}
	if vals.Encode() != payload {
		t.Fatalf("payload not in sorted order: %s", payload)
	}
	return vals
}

func TestSubmitOrderSignsBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/fapi/v1/order" {
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Fatalf("api key header missing")
		}
		raw, _ := io.ReadAll(r.Body)
		vals := verifySignature(t, string(raw))
		if vals.Get("quantity") != "0.012" || vals.Get("reduceOnly") != "true" || vals.Get("side") != "SELL" {
			t.Fatalf("unexpected params %v", vals)
		}
		w.Write([]byte(`{"orderId":42,"clientOrderId":"c1","status":"FILLED","executedQty":"0.012","avgPrice":"101.5"}`))
	})

	res, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       common.SideSell,
		Type:       common.OrderTypeMarket,
		Qty:        decimal.RequireFromString("0.012"),
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("SubmitOrder err=%v", err)
	}
	if res.OrderID != "42" || res.Status != common.StatusFilled || !res.AvgPrice.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTrailingStopParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		vals := verifySignature(t, string(raw))
		if vals.Get("type") != "TRAILING_STOP_MARKET" || vals.Get("callbackRate") != "1.5" || vals.Get("activationPrice") != "103.01" {
			t.Fatalf("unexpected params %v", vals)
		}
		w.Write([]byte(`{"orderId":7,"status":"NEW"}`))
	})
	_, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol:          "ETHUSDT",
		Side:            common.SideSell,
		Type:            common.OrderTypeTrailingStop,
		Qty:             decimal.RequireFromString("1"),
		CallbackRate:    decimal.RequireFromString("1.5"),
		ActivationPrice: decimal.RequireFromString("103.01"),
		ReduceOnly:      true,
	})
	if err != nil {
		t.Fatalf("SubmitOrder err=%v", err)
	}
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
		kind   common.Kind
	}{
		{"leverage not modified", 400, `{"code":-4028,"msg":"Leverage 10 is not valid"}`, common.ErrLeverageNotModified, common.KindBusinessRejected},
		{"bad signature", 400, `{"code":-1022,"msg":"Signature for this request is not valid."}`, common.ErrAuth, common.KindAuth},
		{"timestamp", 400, `{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`, common.ErrAuth, common.KindAuth},
		{"percent price", 400, `{"code":-4131,"msg":"The counterparty's best price does not meet the PERCENT_PRICE filter limit."}`, common.ErrPriceInvalid, common.KindValidation},
		{"would trigger", 400, `{"code":-2021,"msg":"Order would immediately trigger."}`, common.ErrPriceInvalid, common.KindValidation},
		{"min notional", 400, `{"code":-4164,"msg":"Order's notional must be no smaller than 5"}`, common.ErrQtyBelowMinimum, common.KindValidation},
		{"throttled", 429, `rate limited`, common.ErrRateLimited, common.KindRateLimited},
		{"server", 503, `unavailable`, common.ErrNetwork, common.KindNetwork},
		{"code on 200", 200, `{"code":-2013,"msg":"Order does not exist."}`, common.ErrOrderNotFound, common.KindBusinessRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseError(tt.status, []byte(tt.body))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, expected %v", err, tt.want)
			}
			if got := common.KindOf(err); got != tt.kind {
				t.Fatalf("kind=%v, expected %v", got, tt.kind)
			}
		})
	}

	if err := parseError(200, []byte(`{"code":200,"msg":"The operation of cancel all open order is done."}`)); err != nil {
		t.Fatalf("success envelope treated as error: %v", err)
	}
}

func TestAuthFailureIsNotRetriedAndOpensCircuit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fapi/v1/time" {
			w.Write([]byte(`{"serverTime":1}`))
			return
		}
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1022,"msg":"Signature for this request is not valid."}`))
	})

	_, err := c.GetOpenOrders(context.Background(), "BTCUSDT")
	if !errors.Is(err, common.ErrAuth) {
		t.Fatalf("err=%v, expected ErrAuth", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, expected 1", calls.Load())
	}

	_, err = c.GetOpenOrders(context.Background(), "BTCUSDT")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err=%v, expected ErrCircuitOpen", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d after open circuit, expected 1", calls.Load())
	}
}

func TestRateLimitOpensCircuitAfterRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests; current limit is 2400 request weight per 1 MINUTE."}`))
	})

	_, err := c.GetPositions(context.Background())
	if !errors.Is(err, common.ErrRateLimited) {
		t.Fatalf("err=%v, expected ErrRateLimited", err)
	}
	if got := c.Breaker().State(ClassAccount); got != resilience.StateOpen {
		t.Fatalf("state=%v, expected %v", got, resilience.StateOpen)
	}
	attempts := calls.Load()

	_, err = c.GetPositions(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err=%v, expected ErrCircuitOpen", err)
	}
	if calls.Load() != attempts {
		t.Fatalf("calls=%d after open circuit, expected %d", calls.Load(), attempts)
	}
	if got := c.Breaker().State(ClassMarket); got != resilience.StateClosed {
		t.Fatalf("market state=%v, expected %v", got, resilience.StateClosed)
	}
}

func TestNetworkFailureIsRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`[]`))
	})
	if _, err := c.GetPositions(context.Background()); err != nil {
		t.Fatalf("GetPositions err=%v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d, expected 3", calls.Load())
	}
}

func TestSubmitOrderNotResentAfterServerError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	_, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: decimal.RequireFromString("1"),
	})
	if !errors.Is(err, common.ErrNetwork) {
		t.Fatalf("err=%v, expected ErrNetwork", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, expected 1", calls.Load())
	}
}

func TestGetPositionsAndInstrument(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v2/positionRisk":
			w.Write([]byte(`[
				{"symbol":"BTCUSDT","positionAmt":"-0.010","entryPrice":"65000","markPrice":"64000","unRealizedProfit":"10","leverage":"10"},
				{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0","markPrice":"3000","unRealizedProfit":"0","leverage":"10"}
			]`))
		case "/fapi/v1/exchangeInfo":
			w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.10"},
				{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
				{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	positions, err := c.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("GetPositions err=%v", err)
	}
	if len(positions) != 1 || positions[0].Side != common.PositionShort || !positions[0].Qty.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("unexpected positions %+v", positions)
	}

	inst, err := c.GetInstrument(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("GetInstrument err=%v", err)
	}
	if !inst.Trading || !inst.TickSize.Equal(decimal.RequireFromString("0.1")) || !inst.MinNotional.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected instrument %+v", inst)
	}
	if _, err := c.GetInstrument(context.Background(), "NOPEUSDT"); !errors.Is(err, common.ErrSymbolNotFound) {
		t.Fatalf("err=%v, expected ErrSymbolNotFound", err)
	}
}
