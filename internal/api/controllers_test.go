package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"execution-core/internal/balance"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/reconciliation"
	"execution-core/pkg/db"
	exchange "execution-core/pkg/exchanges/common"
)

// stubEngine records what the API asked of it.
type stubEngine struct {
	mu        sync.Mutex
	signals   []engine.Signal
	closed    []string
	executed  []bool
	positions []db.Position
	closeErr  error
	listArgs  []string
}

func (s *stubEngine) SubmitSignal(_ context.Context, sig engine.Signal) engine.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
	return engine.Result{SourceID: sig.SourceID, Exchange: sig.Exchange, Symbol: sig.Symbol, Outcome: engine.OutcomeExecuted}
}

func (s *stubEngine) ListPositions(_ context.Context, status db.PositionStatus, limit int) ([]db.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listArgs = append(s.listArgs, fmt.Sprintf("%s/%d", status, limit))
	return s.positions, nil
}

func (s *stubEngine) ClosePosition(_ context.Context, venue, symbol string) (engine.CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, venue+":"+symbol)
	if s.closeErr != nil {
		return engine.CloseResult{}, s.closeErr
	}
	return engine.CloseResult{PositionID: "p1", Exchange: venue, Symbol: symbol}, nil
}

func (s *stubEngine) GuardStatus() engine.GuardStatus {
	return engine.GuardStatus{InFlightSymbols: []string{"BTCUSDT"}}
}

func (s *stubEngine) Breakers() []engine.BreakerStatus {
	return []engine.BreakerStatus{{Exchange: exchange.ExchangeBinance}}
}

func (s *stubEngine) Balances() []balance.Balance {
	return []balance.Balance{{Exchange: exchange.ExchangeBinance, Asset: "USDT", Total: 1000, Available: 800}}
}

func (s *stubEngine) Reconcile(_ context.Context, execute bool) ([]reconciliation.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, execute)
	return []reconciliation.Report{{Exchange: exchange.ExchangeBinance, DryRun: !execute}}, nil
}

func (s *stubEngine) GetSystemStatus(context.Context) engine.SystemStatus {
	return engine.SystemStatus{Mode: "test", Exchanges: []string{exchange.ExchangeBinance}}
}

const testPassword = "StrongPass123!"

func newTestAPIServer(t *testing.T) (*httptest.Server, *stubEngine, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	svc := &stubEngine{}
	bus := events.NewBus()
	server := NewServer(bus, svc, monitor.NewSystemMetrics(), AuthConfig{
		JWTSecret:         "test-secret",
		AdminUser:         "operator",
		AdminPasswordHash: string(hash),
		Instance:          "test",
	})
	ts := httptest.NewServer(server.Router)
	t.Cleanup(ts.Close)
	return ts, svc, bus
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func login(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	var loginResp struct {
		Token string `json:"token"`
	}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/auth/login", "", map[string]string{
		"username": "operator",
		"password": testPassword,
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token
}

func TestLogin(t *testing.T) {
	ts, _, _ := newTestAPIServer(t)
	client := ts.Client()

	tests := []struct {
		name     string
		payload  map[string]string
		wantCode int
	}{
		{"wrong password", map[string]string{"username": "operator", "password": "nope"}, http.StatusUnauthorized},
		{"wrong user", map[string]string{"username": "root", "password": testPassword}, http.StatusUnauthorized},
		{"missing fields", map[string]string{"username": "operator"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/auth/login", "", tt.payload, nil)
			if status != tt.wantCode {
				t.Fatalf("status=%d, expected %d", status, tt.wantCode)
			}
		})
	}

	if token := login(t, client, ts.URL); token == "" {
		t.Fatalf("expected token")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts, svc, _ := newTestAPIServer(t)
	client := ts.Client()

	for _, path := range []string{"/api/reconcile", "/api/positions/BTCUSDT/close", "/api/signals"} {
		var resp struct {
			Code string `json:"code"`
		}
		status := doJSONRequest(t, client, http.MethodPost, ts.URL+path, "", nil, &resp)
		if status != http.StatusUnauthorized || resp.Code != "MISSING_TOKEN" {
			t.Fatalf("%s status=%d code=%s, expected 401 MISSING_TOKEN", path, status, resp.Code)
		}
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/reconcile", "garbage", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bad token status=%d, expected 401", status)
	}
	if len(svc.executed) != 0 || len(svc.closed) != 0 || len(svc.signals) != 0 {
		t.Fatalf("engine reached without auth")
	}
}

func TestReadEndpoints(t *testing.T) {
	ts, svc, _ := newTestAPIServer(t)
	client := ts.Client()
	svc.positions = []db.Position{{ID: "p1", Symbol: "BTCUSDT", Status: db.PositionOpen}}

	var health map[string]string
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/health", "", nil, &health); status != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("health status=%d body=%v", status, health)
	}

	var positions []db.Position
	status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/positions?status=open&limit=5000", "", nil, &positions)
	if status != http.StatusOK || len(positions) != 1 || positions[0].ID != "p1" {
		t.Fatalf("positions status=%d body=%+v", status, positions)
	}
	if svc.listArgs[0] != "OPEN/500" {
		t.Fatalf("list args=%s, expected OPEN/500", svc.listArgs[0])
	}
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/positions?status=bogus", "", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("bogus status=%d, expected 400", status)
	}

	var guard engine.GuardStatus
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/guard", "", nil, &guard); status != http.StatusOK || len(guard.InFlightSymbols) != 1 {
		t.Fatalf("guard status=%d body=%+v", status, guard)
	}

	var breakers []engine.BreakerStatus
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/breakers", "", nil, &breakers); status != http.StatusOK || len(breakers) != 1 {
		t.Fatalf("breakers status=%d body=%+v", status, breakers)
	}

	var balances []balance.Balance
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/balances", "", nil, &balances); status != http.StatusOK ||
		len(balances) != 1 || balances[0].Available != 800 {
		t.Fatalf("balances status=%d body=%+v", status, balances)
	}

	var metrics monitor.MetricsSnapshot
	if status := doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/metrics", "", nil, &metrics); status != http.StatusOK {
		t.Fatalf("metrics status=%d", status)
	}
	// Every earlier request in this test was recorded before the metrics call.
	if metrics.APIRequests < 7 || metrics.APILatency.Count < 7 {
		t.Fatalf("metrics=%+v, expected earlier requests counted", metrics)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	ts, svc, _ := newTestAPIServer(t)
	client := ts.Client()
	token := login(t, client, ts.URL)

	var resp struct {
		Execute bool                    `json:"execute"`
		Reports []reconciliation.Report `json:"reports"`
	}
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/reconcile", token, nil, &resp); status != http.StatusOK || resp.Execute {
		t.Fatalf("dry run status=%d resp=%+v", status, resp)
	}
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/reconcile?execute=true", token, nil, &resp); status != http.StatusOK || !resp.Execute {
		t.Fatalf("execute status=%d resp=%+v", status, resp)
	}
	if status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/reconcile?execute=maybe", token, nil, nil); status != http.StatusBadRequest {
		t.Fatalf("bad flag status=%d, expected 400", status)
	}
	if len(svc.executed) != 2 || svc.executed[0] || !svc.executed[1] {
		t.Fatalf("executed=%v, expected [false true]", svc.executed)
	}
}

func TestClosePositionEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"closed", nil, http.StatusOK},
		{"not found", fmt.Errorf("%w: BTCUSDT", engine.ErrPositionNotFound), http.StatusNotFound},
		{"ambiguous", fmt.Errorf("%w: BTCUSDT", engine.ErrAmbiguousPosition), http.StatusConflict},
		{"exchange failure", errors.New("close BTCUSDT not confirmed"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, svc, _ := newTestAPIServer(t)
			client := ts.Client()
			token := login(t, client, ts.URL)
			svc.closeErr = tt.err

			status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/positions/btcusdt/close?exchange=Binance", token, nil, nil)
			if status != tt.wantCode {
				t.Fatalf("status=%d, expected %d", status, tt.wantCode)
			}
			if len(svc.closed) != 1 || svc.closed[0] != "binance:BTCUSDT" {
				t.Fatalf("closed=%v, expected binance:BTCUSDT", svc.closed)
			}
		})
	}
}

func TestSubmitSignalEndpoint(t *testing.T) {
	ts, svc, _ := newTestAPIServer(t)
	client := ts.Client()
	token := login(t, client, ts.URL)

	var res engine.Result
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/signals", token, map[string]any{
		"source_id":              "sig-1",
		"exchange":               "BINANCE",
		"symbol":                 "ethusdt",
		"direction":              "long",
		"confidence":             "HIGH",
		"prediction_probability": 0.8,
	}, &res)
	if status != http.StatusOK || res.Outcome != engine.OutcomeExecuted {
		t.Fatalf("status=%d result=%+v", status, res)
	}
	sig := svc.signals[0]
	if sig.Exchange != "binance" || sig.Symbol != "ETHUSDT" || sig.Direction != exchange.PositionLong {
		t.Fatalf("signal=%+v, expected normalized fields", sig)
	}

	var errResp struct {
		Code string `json:"code"`
	}
	status = doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/signals", token, map[string]any{
		"symbol": "ETHUSDT", "direction": "UP",
	}, &errResp)
	if status != http.StatusBadRequest || errResp.Code != "INVALID_REQUEST" {
		t.Fatalf("invalid signal status=%d code=%s", status, errResp.Code)
	}
	if len(svc.signals) != 1 {
		t.Fatalf("invalid signal reached the engine")
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	ts, _, bus := newTestAPIServer(t)
	token := login(t, ts.Client(), ts.URL)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The server subscribes after the upgrade; publish until something lands.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				bus.Publish(events.EventPositionOpened, events.Audit{Exchange: "binance", Symbol: "BTCUSDT"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Topic   string       `json:"topic"`
		Payload events.Audit `json:"payload"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Topic != string(events.EventPositionOpened) || msg.Payload.Symbol != "BTCUSDT" {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestRateLimiter(t *testing.T) {
	l := newIPLimiter(1, 2)
	if !l.allow("a") || !l.allow("a") {
		t.Fatalf("burst not honored")
	}
	if l.allow("a") {
		t.Fatalf("third request within burst window allowed")
	}
	if !l.allow("b") {
		t.Fatalf("limiter shared across IPs")
	}
}
