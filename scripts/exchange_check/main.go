package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/pkg/config"
	exchange "execution-core/pkg/exchanges/common"
)

// exchange_check/main.go
//
// Read-only connectivity check of every enabled exchange with the same
// clients and credentials the core uses. Nothing is submitted.
//
//   go run ./scripts/exchange_check
//
// Environment (same as the core):
//   BINANCE_ENABLED / BINANCE_API_KEY / BINANCE_API_SECRET / BINANCE_TESTNET
//   BYBIT_ENABLED / BYBIT_API_KEY / BYBIT_API_SECRET / BYBIT_TESTNET
//
//   CHECK_SYMBOL (default "BTCUSDT")

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("=== Exchange check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	symbol := getenv("CHECK_SYMBOL", "BTCUSDT")

	gw, err := gateway.NewManager(cfg, gateway.DefaultFactory, events.NewBus(), gateway.DefaultConfig())
	if err != nil {
		log.Fatalf("gateway init error: %v", err)
	}

	failed := false
	for _, name := range gw.Names() {
		venue, err := gw.Get(name)
		if err != nil {
			log.Printf("❌ [%s] %v", name, err)
			failed = true
			continue
		}
		if !check(venue, symbol) {
			failed = true
		}
	}

	if failed {
		log.Println("=== Exchange check finished with failures ===")
		os.Exit(1)
	}
	log.Println("=== Exchange check passed ===")
}

func check(client exchange.ExchangeClient, symbol string) bool {
	name := client.Name()
	ok := true
	step := func(label string, fn func(ctx context.Context) (string, error)) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		start := time.Now()
		detail, err := fn(ctx)
		if err != nil {
			ok = false
			log.Printf("❌ [%s] %s: %v (kind=%s)", name, label, err, exchange.KindOf(err))
			return
		}
		log.Printf("✓ [%s] %s %s (%v)", name, label, detail, time.Since(start).Truncate(time.Millisecond))
	}

	if pinger, isPinger := client.(interface {
		GetServerTime(ctx context.Context) (int64, error)
	}); isPinger {
		step("server time", func(ctx context.Context) (string, error) {
			ms, err := pinger.GetServerTime(ctx)
			if err != nil {
				return "", err
			}
			skew := time.Since(time.UnixMilli(ms)).Truncate(time.Millisecond)
			return "skew=" + skew.String(), nil
		})
	}
	step("instrument "+symbol, func(ctx context.Context) (string, error) {
		inst, err := client.GetInstrument(ctx, symbol)
		if err != nil {
			return "", err
		}
		return "tick=" + inst.TickSize.String() + " step=" + inst.StepSize.String() + " minNotional=" + inst.MinNotional.String(), nil
	})
	step("ticker "+symbol, func(ctx context.Context) (string, error) {
		t, err := client.GetTicker(ctx, symbol)
		if err != nil {
			return "", err
		}
		return "bid=" + t.BidPrice.String() + " ask=" + t.AskPrice.String() + " mark=" + t.MarkPrice.String(), nil
	})
	step("balance USDT", func(ctx context.Context) (string, error) {
		b, err := client.GetBalance(ctx, "USDT")
		if err != nil {
			return "", err
		}
		return "total=" + b.Total.StringFixed(2) + " available=" + b.Available.StringFixed(2), nil
	})
	step("positions", func(ctx context.Context) (string, error) {
		ps, err := client.GetPositions(ctx)
		if err != nil {
			return "", err
		}
		return "open=" + strconv.Itoa(len(ps)), nil
	})
	step("open orders "+symbol, func(ctx context.Context) (string, error) {
		orders, err := client.GetOpenOrders(ctx, symbol)
		if err != nil {
			return "", err
		}
		return "count=" + strconv.Itoa(len(orders)), nil
	})
	return ok
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
