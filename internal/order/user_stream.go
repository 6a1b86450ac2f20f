package order

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"execution-core/internal/events"
	"execution-core/pkg/resilience"
)

// ListenKeyClient is the part of a futures client needed for the user stream.
type ListenKeyClient interface {
	Name() string
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	WSBaseURL() string
}

// UserStream listens to the futures user-data stream and asks for a
// reconciliation whenever the exchange reports a position change that the
// core did not initiate itself (a protective order filling, a liquidation,
// a manual trade). It never mutates local state directly.
type UserStream struct {
	client    ListenKeyClient
	bus       *events.Bus
	dialer    *websocket.Dialer
	keepAlive time.Duration
	backoff   resilience.Backoff
}

func NewUserStream(client ListenKeyClient, bus *events.Bus) *UserStream {
	return &UserStream{
		client:    client,
		bus:       bus,
		dialer:    websocket.DefaultDialer,
		keepAlive: 30 * time.Minute,
		backoff:   resilience.Backoff{Initial: time.Second, Max: time.Minute, Base: 2},
	}
}

// Run connects and reconnects until ctx is done.
func (s *UserStream) Run(ctx context.Context) {
	for attempt := 0; ctx.Err() == nil; attempt++ {
		started := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > time.Minute {
			attempt = 0
		}
		delay := s.backoff.Delay(attempt)
		log.Printf("⚠️ %s user stream disconnected: %v (reconnect in %s)", s.client.Name(), err, delay)
		if resilience.Sleep(ctx, delay) != nil {
			return
		}
	}
}

func (s *UserStream) session(ctx context.Context) error {
	listenKey, err := s.client.CreateListenKey(ctx)
	if err != nil {
		return err
	}
	conn, _, err := s.dialer.DialContext(ctx, s.client.WSBaseURL()+listenKey, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Printf("%s user stream connected", s.client.Name())

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := s.client.KeepAliveListenKey(sctx, listenKey); err != nil {
					log.Printf("%s user stream keepalive error: %v", s.client.Name(), err)
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

func (s *UserStream) handleMessage(msg []byte) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		log.Printf("%s user stream parse error: %v", s.client.Name(), err)
		return
	}

	switch head.Event {
	case "ORDER_TRADE_UPDATE":
		s.handleOrderTradeUpdate(msg)
	case "ACCOUNT_UPDATE":
		s.handleAccountUpdate(msg)
	case "listenKeyExpired":
		log.Printf("⚠️ %s user stream listen key expired", s.client.Name())
	}
}

// handleOrderTradeUpdate reacts to fills of reduce-only and conditional
// orders; those close or shrink positions behind the core's back.
func (s *UserStream) handleOrderTradeUpdate(msg []byte) {
	var wrap struct {
		Data struct {
			Symbol        string `json:"s"`
			Side          string `json:"S"`
			OrderType     string `json:"o"`
			OrigType      string `json:"ot"`
			Status        string `json:"X"`
			ExecutionType string `json:"x"`
			OrderID       int64  `json:"i"`
			ReduceOnly    bool   `json:"R"`
			ClosePosition bool   `json:"cp"`
			LastQty       string `json:"l"`
			LastPrice     string `json:"L"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		log.Printf("%s user stream: order update parse error: %v", s.client.Name(), err)
		return
	}
	d := wrap.Data
	if !strings.EqualFold(d.ExecutionType, "TRADE") {
		return
	}
	if !d.ReduceOnly && !d.ClosePosition && !isConditional(d.OrigType) {
		return
	}
	s.request(d.Symbol, "order "+strings.ToLower(d.Status), map[string]any{
		"order_id": d.OrderID, "type": d.OrigType, "side": d.Side, "qty": d.LastQty, "price": d.LastPrice,
	})
}

// handleAccountUpdate reacts to position changes that were not caused by an
// order, such as liquidations and ADL.
func (s *UserStream) handleAccountUpdate(msg []byte) {
	var wrap struct {
		Data struct {
			Reason    string `json:"m"`
			Positions []struct {
				Symbol string `json:"s"`
				Amount string `json:"pa"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		log.Printf("%s user stream: account update parse error: %v", s.client.Name(), err)
		return
	}
	switch strings.ToUpper(wrap.Data.Reason) {
	case "ORDER", "FUNDING_FEE", "DEPOSIT", "WITHDRAW":
		// Orders are handled via ORDER_TRADE_UPDATE; the rest leave positions alone.
		return
	}
	for _, p := range wrap.Data.Positions {
		s.request(p.Symbol, "account "+strings.ToLower(wrap.Data.Reason), map[string]any{"amount": p.Amount})
	}
}

func (s *UserStream) request(symbol, detail string, fields map[string]any) {
	log.Printf("%s user stream: %s %s, requesting reconciliation", s.client.Name(), symbol, detail)
	s.bus.Publish(events.EventReconcileRequested, events.Audit{
		Exchange: s.client.Name(),
		Symbol:   symbol,
		Detail:   detail,
		Fields:   fields,
	})
}

func isConditional(orderType string) bool {
	switch strings.ToUpper(orderType) {
	case "STOP_MARKET", "TAKE_PROFIT_MARKET", "TRAILING_STOP_MARKET", "STOP", "TAKE_PROFIT":
		return true
	}
	return false
}
