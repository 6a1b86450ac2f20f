package engine

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"execution-core/pkg/exchanges/common"
)

func TestSignalFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cfg := testFilter()
	cfg.MinPredictionProbability = 0.6
	f := NewSignalFilter(cfg, []string{common.ExchangeBinance, common.ExchangeBybit})
	f.now = func() time.Time { return now }

	base := Signal{SourceID: "p1", Exchange: common.ExchangeBybit, Symbol: "SOLUSDT", Direction: common.PositionShort,
		Confidence: "MEDIUM", PredictionProbability: 0.7, CreatedAt: now.Add(-10 * time.Second)}

	tests := []struct {
		name   string
		modify func(s *Signal)
		reason string // empty means accepted
	}{
		{"accepted", func(s *Signal) {}, ""},
		{"missing source id", func(s *Signal) { s.SourceID = "" }, "source_id is required"},
		{"bad direction", func(s *Signal) { s.Direction = "FLAT" }, "must be LONG or SHORT"},
		{"unknown exchange", func(s *Signal) { s.Exchange = "okx" }, "unknown exchange"},
		{"confidence below minimum", func(s *Signal) { s.Confidence = "LOW" }, "below minimum MEDIUM"},
		{"unrecognized confidence", func(s *Signal) { s.Confidence = "MAYBE" }, "below minimum"},
		{"probability below minimum", func(s *Signal) { s.PredictionProbability = 0.5 }, "probability"},
		{"blacklist is case insensitive", func(s *Signal) { s.Symbol = "bomeusdt" }, "blacklisted"},
		{"too old", func(s *Signal) { s.CreatedAt = now.Add(-2 * time.Minute) }, "too old: 120s"},
		{"high confidence passes", func(s *Signal) { s.Confidence = "HIGH" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.modify(&s)
			ok, reason := f.ShouldProcess(s)
			if tt.reason == "" {
				if !ok {
					t.Fatalf("rejected: %s", reason)
				}
				return
			}
			if ok || !strings.Contains(reason, tt.reason) {
				t.Fatalf("ok=%v reason=%q, expected rejection containing %q", ok, reason, tt.reason)
			}
		})
	}
}

func TestSizePosition(t *testing.T) {
	inst := common.Instrument{
		Symbol:      "BTCUSDT",
		StepSize:    d("0.001"),
		TickSize:    d("0.01"),
		MinQty:      d("0.001"),
		MaxQty:      d("1000"),
		MinNotional: d("5"),
	}
	tests := []struct {
		name     string
		sizeUSD  float64
		leverage int
		price    string
		want     string
	}{
		{"margin times leverage", 10, 10, "100", "1"},
		{"truncated to step", 10, 10, "100.01", "0.999"},
		{"raised to min notional plus buffer", 0.1, 1, "100", "0.053"},
		{"leverage below one counts as one", 10, 0, "100", "0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SizePosition(tt.sizeUSD, tt.leverage, d(tt.price), inst)
			if err != nil {
				t.Fatalf("SizePosition: %v", err)
			}
			if !got.Equal(d(tt.want)) {
				t.Fatalf("qty=%s, expected %s", got, tt.want)
			}
		})
	}

	capped := inst
	capped.MaxQty = d("0.01")
	if _, err := SizePosition(0.1, 1, d("100"), capped); !errors.Is(err, ErrBelowMinNotional) {
		t.Fatalf("err=%v, expected ErrBelowMinNotional", err)
	}
	if _, err := SizePosition(10, 10, d("0"), inst); err == nil {
		t.Fatalf("expected error without a price")
	}
}

func TestEntryPrice(t *testing.T) {
	tk := common.Ticker{LastPrice: d("100"), MarkPrice: d("100.2"), BidPrice: d("99.9"), AskPrice: d("100.1")}
	if got := entryPrice(common.PositionLong, tk); !got.Equal(d("100.1")) {
		t.Fatalf("long entry=%s, expected ask", got)
	}
	if got := entryPrice(common.PositionShort, tk); !got.Equal(d("99.9")) {
		t.Fatalf("short entry=%s, expected bid", got)
	}
	if got := entryPrice(common.PositionLong, common.Ticker{LastPrice: d("100")}); !got.Equal(d("100")) {
		t.Fatalf("entry=%s, expected last price fallback", got)
	}
}

func TestWorkerPoolLaneCeiling(t *testing.T) {
	p := NewWorkerPool(8, map[string]int{"slow": 2}, 0)
	var running, peak int32
	var mu sync.Mutex
	gate := make(chan struct{})
	for i := 0; i < 6; i++ {
		err := p.Submit("slow", func() {
			n := atomic.AddInt32(&running, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			<-gate
			atomic.AddInt32(&running, -1)
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	p.WaitAll()
	if peak > 2 {
		t.Fatalf("peak=%d, expected lane ceiling 2", peak)
	}

	p.Close()
	if err := p.Submit("slow", func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err=%v, expected ErrPoolClosed", err)
	}
}
