package signalsource

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"execution-core/internal/engine"
	"execution-core/pkg/exchanges/common"
)

func startFeed(t *testing.T, srv FeedServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterFeedServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPullRoundTrip(t *testing.T) {
	q := &Queue{}
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b", "c"} {
		q.Push(engine.Signal{
			SourceID: id, Exchange: common.ExchangeBinance, Symbol: "ETHUSDT", Direction: common.PositionShort,
			Confidence: "HIGH", PredictionProbability: 0.71, EntryPriceHint: decimal.RequireFromString("2500.5"), CreatedAt: created,
		})
	}
	c := startFeed(t, q)

	got, err := c.Pull(context.Background(), 2)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(got) != 2 || got[0].SourceID != "a" || got[1].SourceID != "b" {
		t.Fatalf("got=%+v, expected a,b", got)
	}
	s := got[0]
	if s.Direction != common.PositionShort || s.PredictionProbability != 0.71 ||
		!s.EntryPriceHint.Equal(decimal.RequireFromString("2500.5")) || !s.CreatedAt.Equal(created) {
		t.Fatalf("decoded=%+v", s)
	}

	rest, err := c.Pull(context.Background(), 10)
	if err != nil || len(rest) != 1 || rest[0].SourceID != "c" {
		t.Fatalf("rest=%+v err=%v", rest, err)
	}
	empty, err := c.Pull(context.Background(), 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty=%+v err=%v", empty, err)
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]any
		wantErr bool
		check   func(engine.Signal) bool
	}{
		{
			name:   "buy maps to long and unix time",
			fields: map[string]any{"source_id": "x", "symbol": "btcusdt", "direction": "buy", "created_at": 1700000000},
			check: func(s engine.Signal) bool {
				return s.Direction == common.PositionLong && s.Symbol == "BTCUSDT" && s.CreatedAt.Unix() == 1700000000
			},
		},
		{
			name:   "numeric price hint",
			fields: map[string]any{"source_id": "x", "symbol": "BTCUSDT", "direction": "SELL", "entry_price_hint": 100.25},
			check:  func(s engine.Signal) bool { return s.EntryPriceHint.Equal(decimal.RequireFromString("100.25")) },
		},
		{name: "missing id", fields: map[string]any{"symbol": "BTCUSDT", "direction": "LONG"}, wantErr: true},
		{name: "bad direction", fields: map[string]any{"source_id": "x", "symbol": "BTCUSDT", "direction": "FLAT"}, wantErr: true},
		{name: "bad timestamp", fields: map[string]any{"source_id": "x", "symbol": "BTCUSDT", "direction": "LONG", "created_at": "yesterday"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := structpb.NewStruct(tt.fields)
			if err != nil {
				t.Fatalf("NewStruct: %v", err)
			}
			sig, err := Decode(s)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", sig)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !tt.check(sig) {
				t.Fatalf("decoded=%+v", sig)
			}
		})
	}
}

// rawFeed answers with a fixed response.
type rawFeed struct{ resp *structpb.Struct }

func (r rawFeed) Pull(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return r.resp, nil
}

func TestPullDropsMalformedEntries(t *testing.T) {
	good, _ := Encode(engine.Signal{SourceID: "ok", Symbol: "BTCUSDT", Direction: common.PositionLong})
	bad, _ := structpb.NewStruct(map[string]any{"symbol": "BTCUSDT"})
	resp := &structpb.Struct{Fields: map[string]*structpb.Value{
		"signals": structpb.NewListValue(&structpb.ListValue{Values: []*structpb.Value{
			structpb.NewStructValue(bad),
			structpb.NewStringValue("not an object"),
			structpb.NewStructValue(good),
		}}),
	}}
	c := startFeed(t, rawFeed{resp: resp})

	got, err := c.Pull(context.Background(), 10)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(got) != 1 || got[0].SourceID != "ok" {
		t.Fatalf("got=%+v, expected only ok", got)
	}
}
