package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/exchangetest"
)

// flaky returns err once set.
type flaky struct {
	*exchangetest.Fake
	err error
}

func (f *flaky) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	if f.err != nil {
		return common.Balance{}, f.err
	}
	return f.Fake.GetBalance(ctx, asset)
}

func TestCheckMargin(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	client := &flaky{Fake: exchangetest.New(common.ExchangeBinance)}
	m := NewManager(map[string]ExchangeClient{common.ExchangeBinance: client}, "USDT", time.Minute)
	m.SetClock(func() time.Time { return now })

	if err := m.CheckMargin(common.ExchangeBinance, decimal.NewFromInt(5000)); err != nil {
		t.Fatalf("unsynced balance refused entry: %v", err)
	}

	m.Sync(context.Background())
	tests := []struct {
		name     string
		required int64
		wantErr  bool
	}{
		{"covered", 10, false},
		{"exactly available", 1000, false},
		{"too large", 1001, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.CheckMargin(common.ExchangeBinance, decimal.NewFromInt(tt.required))
			if got := errors.Is(err, ErrInsufficientMargin); got != tt.wantErr {
				t.Fatalf("err=%v, expected insufficient=%v", err, tt.wantErr)
			}
		})
	}

	now = now.Add(2 * time.Minute)
	if err := m.CheckMargin(common.ExchangeBinance, decimal.NewFromInt(5000)); err != nil {
		t.Fatalf("stale balance refused entry: %v", err)
	}
}

func TestSyncKeepsLastGoodBalance(t *testing.T) {
	client := &flaky{Fake: exchangetest.New(common.ExchangeBybit)}
	m := NewManager(map[string]ExchangeClient{common.ExchangeBybit: client}, "", 0)
	m.Sync(context.Background())

	client.err = errors.New("timeout")
	m.Sync(context.Background())

	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot=%+v", snap)
	}
	b := snap[0]
	if b.Asset != "USDT" || b.Available != 1000 || b.LastError != "timeout" || b.LastSync.IsZero() {
		t.Fatalf("balance=%+v, expected last good values with error", b)
	}
}
