package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"execution-core/internal/api"
	"execution-core/internal/balance"
	"execution-core/internal/engine"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/protection"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/exchangetest"
	"execution-core/pkg/resilience"
)

func noSleep(context.Context, time.Duration) error { return nil }

type stack struct {
	srv     *httptest.Server
	fake    *exchangetest.Fake
	db      *db.Database
	metrics *monitor.SystemMetrics
}

// newStack wires the core the way main does, against one fake exchange.
func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bus := events.NewBus()
	metrics := monitor.NewSystemMetrics()
	(&monitor.Monitor{Bus: bus, Metrics: metrics, Sink: monitor.LogSink{}}).Start(ctx)

	f := exchangetest.New(common.ExchangeBinance)
	f.AddSymbol("ETHUSDT", "50")
	ex := order.NewExecutor(f, order.Config{}, bus)
	ex.Sleep = noSleep
	executors := map[string]*order.Executor{common.ExchangeBinance: ex}

	manager := state.NewManager(database, bus)
	prot := protection.NewEngine(config.ProtectionConfig{
		StopLossPercent:           2,
		TrailingCallbackRate:      1.5,
		TrailingActivationPercent: 3.5,
		RequireStopLoss:           true,
		TakerFeeRate:              0.0006,
	}, executors, manager, bus)
	prot.Sleep = noSleep

	guard := risk.NewGuard(risk.Config{Cooldown: 30 * time.Second, MaxDailyTrades: 20, MaxDailyLossUSD: 100, MaxOpenPositions: 5},
		manager, database)
	prot.SetRecorder(guard)

	balances := balance.NewManager(map[string]balance.ExchangeClient{common.ExchangeBinance: f}, "USDT", time.Minute)
	balances.Sync(ctx)

	processor := engine.NewProcessor(engine.Config{
		Guard:           guard,
		Margin:          balances,
		Executors:       executors,
		Store:           manager,
		Protection:      prot,
		Signals:         database,
		Bus:             bus,
		Leverage:        10,
		PositionSizeUSD: 10,
		Filter:          config.FilterConfig{MinConfidence: "MEDIUM", SignalMaxAge: time.Minute, MaxSpreadPercent: 2},
		Workers:         2,
	})
	t.Cleanup(processor.Close)

	svc := engine.NewImpl(engine.ServiceConfig{
		Processor:      processor,
		Guard:          guard,
		Store:          manager,
		Positions:      database,
		Protection:     prot,
		Reconciliation: reconciliation.NewService(map[string]common.ExchangeClient{common.ExchangeBinance: f}, manager, bus),
		Breakers: map[string]*resilience.Breaker{
			common.ExchangeBinance: resilience.NewBreaker(common.ExchangeBinance, 3, time.Minute),
		},
		Balances: balances,
		Meta:     engine.SystemStatus{Mode: "paper", Version: "test"},
	})

	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	server := api.NewServer(bus, svc, metrics, api.AuthConfig{
		JWTSecret: "it-secret", AdminUser: "ops", AdminPasswordHash: string(hash), Instance: "it",
	})
	srv := httptest.NewServer(server.Router)
	t.Cleanup(srv.Close)
	return &stack{srv: srv, fake: f, db: database, metrics: metrics}
}

func (s *stack) do(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestSignalToCloseWorkflow(t *testing.T) {
	s := newStack(t)

	var auth struct {
		Token string `json:"token"`
	}
	if status := s.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "ops", "password": "pw"}, &auth); status != http.StatusOK {
		t.Fatalf("login status=%d", status)
	}

	sig := engine.Signal{
		SourceID: "wf-1", Exchange: common.ExchangeBinance, Symbol: "ETHUSDT",
		Direction: common.PositionLong, Confidence: "HIGH", CreatedAt: time.Now(),
	}
	var res struct {
		Outcome    engine.Outcome     `json:"outcome"`
		Reason     string             `json:"reason"`
		PositionID string             `json:"position_id"`
		Protection *protection.Report `json:"protection"`
		LatencyMS  int64              `json:"latency_ms"`
	}
	if status := s.do(t, http.MethodPost, "/api/signals", auth.Token, sig, &res); status != http.StatusOK || res.Outcome != engine.OutcomeExecuted {
		t.Fatalf("submit status=%d result=%+v", status, res)
	}
	if res.PositionID == "" || res.Protection == nil || res.Protection.StopLoss == "" {
		t.Fatalf("result=%+v, expected a protected position", res)
	}

	// Replaying the same source id is refused without touching the exchange.
	submitted := len(s.fake.SubmittedRequests())
	if s.do(t, http.MethodPost, "/api/signals", auth.Token, sig, &res); res.Outcome != engine.OutcomeSkipped {
		t.Fatalf("replay outcome=%s, expected SKIPPED", res.Outcome)
	}
	if got := len(s.fake.SubmittedRequests()); got != submitted {
		t.Fatalf("replay submitted %d orders", got-submitted)
	}

	var open []db.Position
	s.do(t, http.MethodGet, "/api/positions?status=OPEN", "", nil, &open)
	if len(open) != 1 || open[0].ID != res.PositionID || !open[0].Protected {
		t.Fatalf("open positions=%+v", open)
	}

	var reconcile struct {
		Reports []reconciliation.Report `json:"reports"`
	}
	if status := s.do(t, http.MethodPost, "/api/reconcile", auth.Token, nil, &reconcile); status != http.StatusOK ||
		len(reconcile.Reports) != 1 || reconcile.Reports[0].HasDiffs {
		t.Fatalf("reconcile status=%d reports=%+v", status, reconcile.Reports)
	}

	var closed engine.CloseResult
	if status := s.do(t, http.MethodPost, "/api/positions/ethusdt/close", auth.Token, nil, &closed); status != http.StatusOK {
		t.Fatalf("close status=%d", status)
	}
	stored, err := s.db.GetPosition(context.Background(), res.PositionID)
	if err != nil || stored.Status != db.PositionClosed || stored.CloseReason != db.ReasonManual {
		t.Fatalf("stored=%+v err=%v, expected CLOSED MANUAL", stored, err)
	}

	var balances []balance.Balance
	s.do(t, http.MethodGet, "/api/balances", "", nil, &balances)
	if len(balances) != 1 || balances[0].Available != 1000 {
		t.Fatalf("balances=%+v", balances)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := s.metrics.GetSnapshot()
		if snap.SignalsExecuted == 1 && snap.SignalsSkipped == 1 && snap.PositionsClosed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("metrics=%+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
