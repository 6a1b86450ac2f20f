package gateway

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"execution-core/internal/events"
	"execution-core/pkg/config"
	exfutusdt "execution-core/pkg/exchanges/binance/futures_usdt"
	"execution-core/pkg/exchanges/bybit"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/exchangetest"
	"execution-core/pkg/resilience"
)

// pingFake adds a controllable health endpoint to the fake exchange.
type pingFake struct {
	*exchangetest.Fake
	err error
}

func (p *pingFake) GetServerTime(context.Context) (int64, error) { return 0, p.err }

func testConfig(binance, bybitOn bool) *config.Config {
	return &config.Config{
		Binance: config.ExchangeConfig{Name: exchange.ExchangeBinance, Enabled: binance},
		Bybit:   config.ExchangeConfig{Name: exchange.ExchangeBybit, Enabled: bybitOn},
		Breaker: config.BreakerConfig{FailureThreshold: 5},
	}
}

func fakeFactory(clients map[string]exchange.ExchangeClient) ClientFactory {
	return func(ex config.ExchangeConfig, opts Options) (exchange.ExchangeClient, *resilience.Breaker, error) {
		c, ok := clients[ex.Name]
		if !ok {
			return nil, nil, errors.New("no fake")
		}
		return c, resilience.NewBreaker(ex.Name, opts.Breaker.FailureThreshold, opts.Breaker.RecoveryTimeout), nil
	}
}

func TestDefaultFactory(t *testing.T) {
	opts := Options{Breaker: config.BreakerConfig{FailureThreshold: 3}}

	tests := []struct {
		name    string
		wantErr bool
		check   func(exchange.ExchangeClient) bool
	}{
		{exchange.ExchangeBinance, false, func(c exchange.ExchangeClient) bool { _, ok := c.(*exfutusdt.Client); return ok }},
		{exchange.ExchangeBybit, false, func(c exchange.ExchangeClient) bool { _, ok := c.(*bybit.Client); return ok }},
		{"okx", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, breaker, err := DefaultFactory(config.ExchangeConfig{Name: tt.name, Testnet: true}, opts)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s", tt.name)
				}
				return
			}
			if err != nil {
				t.Fatalf("DefaultFactory: %v", err)
			}
			if !tt.check(client) {
				t.Fatalf("client=%T, unexpected type", client)
			}
			if breaker == nil || breaker.Name() != tt.name {
				t.Fatalf("breaker=%v, expected one named %s", breaker, tt.name)
			}
			if l, ok := client.(interface{ Limiter() *resilience.Limiter }); !ok || l.Limiter() == nil {
				t.Fatalf("client=%T, expected a request limiter", client)
			}
		})
	}
}

func TestNewManagerBuildsEnabledVenues(t *testing.T) {
	clients := map[string]exchange.ExchangeClient{
		exchange.ExchangeBinance: exchangetest.New(exchange.ExchangeBinance),
		exchange.ExchangeBybit:   exchangetest.New(exchange.ExchangeBybit),
	}
	m, err := NewManager(testConfig(true, true), fakeFactory(clients), events.NewBus(), DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := m.Names(); !reflect.DeepEqual(got, []string{"binance", "bybit"}) {
		t.Fatalf("names=%v", got)
	}
	if len(m.Executors()) != 2 || len(m.Breakers()) != 2 || len(m.Clients()) != 2 {
		t.Fatalf("executors=%d breakers=%d clients=%d", len(m.Executors()), len(m.Breakers()), len(m.Clients()))
	}
	if got := len(m.Limiters()); got != 0 {
		t.Fatalf("limiters=%d, expected none for in-memory clients", got)
	}
	if m.Executors()[exchange.ExchangeBybit].Client() != clients[exchange.ExchangeBybit] {
		t.Fatalf("bybit executor wired to the wrong client")
	}

	only, err := NewManager(testConfig(false, true), fakeFactory(clients), nil, DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := only.Get(exchange.ExchangeBinance); !errors.Is(err, ErrVenueNotFound) {
		t.Fatalf("err=%v, expected ErrVenueNotFound", err)
	}
}

func TestNewManagerErrors(t *testing.T) {
	if _, err := NewManager(testConfig(false, false), fakeFactory(nil), nil, DefaultConfig()); !errors.Is(err, ErrNoVenues) {
		t.Fatalf("err=%v, expected ErrNoVenues", err)
	}
	if _, err := NewManager(testConfig(true, false), fakeFactory(nil), nil, DefaultConfig()); err == nil {
		t.Fatalf("expected factory error")
	}
}

func TestHealthCheckMarksUnhealthy(t *testing.T) {
	ping := &pingFake{Fake: exchangetest.New(exchange.ExchangeBinance), err: errors.New("timeout")}
	clients := map[string]exchange.ExchangeClient{exchange.ExchangeBinance: ping}
	m, err := NewManager(testConfig(true, false), fakeFactory(clients), nil, Config{FailureThreshold: 2})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx := context.Background()

	m.HealthCheckAll(ctx)
	if _, err := m.Get(exchange.ExchangeBinance); err != nil {
		t.Fatalf("one failure should not disable the venue: %v", err)
	}
	m.HealthCheckAll(ctx)
	if _, err := m.Get(exchange.ExchangeBinance); !errors.Is(err, ErrVenueUnhealthy) {
		t.Fatalf("err=%v, expected ErrVenueUnhealthy", err)
	}
	if st := m.Stats(); st.TotalVenues != 1 || !reflect.DeepEqual(st.Unhealthy, []string{"binance"}) {
		t.Fatalf("stats=%+v", st)
	}

	ping.err = nil
	m.HealthCheckAll(ctx)
	if _, err := m.Get(exchange.ExchangeBinance); err != nil {
		t.Fatalf("recovered venue still refused: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	clients := map[string]exchange.ExchangeClient{exchange.ExchangeBinance: exchangetest.New(exchange.ExchangeBinance)}
	m, err := NewManager(testConfig(true, false), fakeFactory(clients), nil, DefaultConfig())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Stop()
	m.Stop()
}
