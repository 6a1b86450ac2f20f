// Package signalsource pulls trading signals from the upstream signal
// generator over gRPC.
//
// The feed is a single unary method, /signals.SignalFeed/Pull, whose request
// and response are google.protobuf.Struct messages:
//
//	request:  {"limit": 20}
//	response: {"signals": [{"source_id": "...", "exchange": "binance", ...}]}
package signalsource

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"execution-core/internal/engine"
	"execution-core/pkg/exchanges/common"
	"execution-core/pkg/resilience"
)

const (
	ServiceName = "signals.SignalFeed"
	PullMethod  = "/" + ServiceName + "/Pull"
)

// Client pulls signal batches from the feed.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	retry   resilience.RetryPolicy
}

var _ engine.Source = (*Client)(nil)

// Dial connects lazily to addr; the first Pull establishes the connection.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("signal feed %s: %w", addr, err)
	}
	retry := resilience.DefaultRetryPolicy(transient)
	retry.Backoff.Initial = 200 * time.Millisecond
	retry.Backoff.Max = 2 * time.Second
	return &Client{conn: conn, timeout: 5 * time.Second, retry: retry}, nil
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Pull fetches up to limit pending signals. Entries that cannot be decoded
// are logged and dropped.
func (c *Client) Pull(ctx context.Context, limit int) ([]engine.Signal, error) {
	req, err := structpb.NewStruct(map[string]any{"limit": limit})
	if err != nil {
		return nil, err
	}

	resp := new(structpb.Struct)
	err = c.retry.Do(ctx, "signal feed pull", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.conn.Invoke(ctx, PullMethod, req, resp)
	})
	if err != nil {
		return nil, fmt.Errorf("pull signals: %w", err)
	}

	list := resp.GetFields()["signals"].GetListValue().GetValues()
	out := make([]engine.Signal, 0, len(list))
	for i, v := range list {
		sig, err := Decode(v.GetStructValue())
		if err != nil {
			log.Printf("⚠️ signal feed: entry %d dropped: %v", i, err)
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

// transient reports whether a feed error may succeed on retry.
func transient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// Decode converts one feed entry. Direction accepts LONG/SHORT or BUY/SELL;
// created_at is RFC3339 or unix seconds.
func Decode(s *structpb.Struct) (engine.Signal, error) {
	if s == nil {
		return engine.Signal{}, fmt.Errorf("entry is not an object")
	}
	f := s.GetFields()
	sig := engine.Signal{
		SourceID:              f["source_id"].GetStringValue(),
		Exchange:              strings.ToLower(f["exchange"].GetStringValue()),
		Symbol:                strings.ToUpper(f["symbol"].GetStringValue()),
		Confidence:            strings.ToUpper(f["confidence"].GetStringValue()),
		PredictionProbability: f["prediction_probability"].GetNumberValue(),
	}

	switch strings.ToUpper(f["direction"].GetStringValue()) {
	case "LONG", "BUY":
		sig.Direction = common.PositionLong
	case "SHORT", "SELL":
		sig.Direction = common.PositionShort
	default:
		sig.Direction = common.PositionSide(f["direction"].GetStringValue())
	}

	switch v := f["entry_price_hint"].GetKind().(type) {
	case *structpb.Value_NumberValue:
		sig.EntryPriceHint = decimal.NewFromFloat(v.NumberValue)
	case *structpb.Value_StringValue:
		d, err := decimal.NewFromString(v.StringValue)
		if err != nil {
			return sig, fmt.Errorf("entry_price_hint: %w", err)
		}
		sig.EntryPriceHint = d
	}

	switch v := f["created_at"].GetKind().(type) {
	case *structpb.Value_StringValue:
		t, err := time.Parse(time.RFC3339, v.StringValue)
		if err != nil {
			return sig, fmt.Errorf("created_at: %w", err)
		}
		sig.CreatedAt = t.UTC()
	case *structpb.Value_NumberValue:
		sig.CreatedAt = time.Unix(int64(v.NumberValue), 0).UTC()
	}

	return sig, sig.Validate()
}

// Encode is the inverse of Decode, used by feed servers.
func Encode(sig engine.Signal) (*structpb.Struct, error) {
	m := map[string]any{
		"source_id":              sig.SourceID,
		"exchange":               sig.Exchange,
		"symbol":                 sig.Symbol,
		"direction":              string(sig.Direction),
		"confidence":             sig.Confidence,
		"prediction_probability": sig.PredictionProbability,
	}
	if !sig.EntryPriceHint.IsZero() {
		m["entry_price_hint"] = sig.EntryPriceHint.String()
	}
	if !sig.CreatedAt.IsZero() {
		m["created_at"] = sig.CreatedAt.UTC().Format(time.RFC3339)
	}
	return structpb.NewStruct(m)
}
