// Package balance caches the quote-asset margin balance of every exchange
// and answers whether a new entry can be funded.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/pkg/exchanges/common"
)

// ErrInsufficientMargin is returned when a fresh balance cannot cover an
// entry.
var ErrInsufficientMargin = errors.New("insufficient margin")

// ExchangeClient interface for getting balance
type ExchangeClient interface {
	Name() string
	GetBalance(ctx context.Context, asset string) (common.Balance, error)
}

// Balance is the cached view of one exchange account.
type Balance struct {
	Exchange  string    `json:"exchange"`
	Asset     string    `json:"asset"`
	Total     float64   `json:"total"`
	Available float64   `json:"available"`
	LastSync  time.Time `json:"last_sync"`
	LastError string    `json:"last_error,omitempty"`
}

// Manager manages account balance
type Manager struct {
	clients  map[string]ExchangeClient
	asset    string
	maxStale time.Duration

	mu    sync.RWMutex
	cache map[string]Balance
	now   func() time.Time
}

// NewManager tracks asset on every client. Balances older than maxStale are
// not used to refuse entries.
func NewManager(clients map[string]ExchangeClient, asset string, maxStale time.Duration) *Manager {
	if asset == "" {
		asset = "USDT"
	}
	if maxStale <= 0 {
		maxStale = 5 * time.Minute
	}
	return &Manager{
		clients:  clients,
		asset:    asset,
		maxStale: maxStale,
		cache:    make(map[string]Balance),
		now:      time.Now,
	}
}

// Start begins periodic balance sync
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	// Initial sync
	m.Sync(ctx)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sync(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches latest balance from every exchange. Failures keep the last
// good values and record the error.
func (m *Manager) Sync(ctx context.Context) {
	for name, client := range m.clients {
		if err := m.syncOne(ctx, name, client); err != nil {
			log.Printf("❌ balance: %s sync error: %v", name, err)
		}
	}
}

func (m *Manager) syncOne(ctx context.Context, name string, client ExchangeClient) error {
	bal, err := client.GetBalance(ctx, m.asset)

	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.cache[name]
	cur.Exchange, cur.Asset = name, m.asset
	if err != nil {
		cur.LastError = err.Error()
		m.cache[name] = cur
		return err
	}
	cur.Total, _ = bal.Total.Float64()
	cur.Available, _ = bal.Available.Float64()
	cur.LastSync = m.now()
	cur.LastError = ""
	m.cache[name] = cur
	return nil
}

// CheckMargin reports ErrInsufficientMargin when the exchange's fresh
// available balance is below required. Unknown or stale balances pass;
// the exchange rejects what it cannot fund.
func (m *Manager) CheckMargin(exchange string, required decimal.Decimal) error {
	m.mu.RLock()
	b, ok := m.cache[exchange]
	m.mu.RUnlock()
	if !ok || b.LastSync.IsZero() || m.now().Sub(b.LastSync) > m.maxStale {
		return nil
	}
	need, _ := required.Float64()
	if b.Available < need {
		return fmt.Errorf("%w: available %.2f %s < required %.2f", ErrInsufficientMargin, b.Available, b.Asset, need)
	}
	return nil
}

// Snapshot returns the cached balances sorted by exchange.
func (m *Manager) Snapshot() []Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Balance, 0, len(m.cache))
	for _, b := range m.cache {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
