// Package gateway builds and supervises the exchange venues: one client,
// breaker and order executor per enabled exchange.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/pkg/config"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/resilience"
)

var (
	ErrNoVenues       = errors.New("no exchange enabled")
	ErrVenueNotFound  = errors.New("exchange not configured")
	ErrVenueUnhealthy = errors.New("exchange is unhealthy")
)

// Venue holds one exchange with metadata for health tracking.
type Venue struct {
	Name      string
	Client    exchange.ExchangeClient
	Breaker   *resilience.Breaker
	Executor  *order.Executor
	CreatedAt time.Time
	HealthyAt time.Time
	Failures  int
	LastError string
}

// Config holds configuration for the Manager.
type Config struct {
	HealthInterval   time.Duration // Interval between health checks
	FailureThreshold int           // Number of failures before marking unhealthy
	Executor         order.Config
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		HealthInterval:   time.Minute,
		FailureThreshold: 3,
		Executor:         order.DefaultConfig(),
	}
}

// Manager owns the venues.
type Manager struct {
	mu     sync.RWMutex
	venues map[string]*Venue

	config Config
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewManager builds a venue for every enabled exchange in cfg.
func NewManager(cfg *config.Config, factory ClientFactory, bus *events.Bus, mc Config) (*Manager, error) {
	if factory == nil {
		factory = DefaultFactory
	}
	if mc.FailureThreshold <= 0 {
		mc.FailureThreshold = DefaultConfig().FailureThreshold
	}
	m := &Manager{
		venues: make(map[string]*Venue),
		config: mc,
		stopCh: make(chan struct{}),
	}
	opts := Options{Retry: cfg.Retry, Breaker: cfg.Breaker}
	for _, ex := range []config.ExchangeConfig{cfg.Binance, cfg.Bybit} {
		if !ex.Enabled {
			continue
		}
		client, breaker, err := factory(ex, opts)
		if err != nil {
			return nil, fmt.Errorf("gateway %s: %w", ex.Name, err)
		}
		now := time.Now()
		m.venues[ex.Name] = &Venue{
			Name:      ex.Name,
			Client:    client,
			Breaker:   breaker,
			Executor:  order.NewExecutor(client, mc.Executor, bus),
			CreatedAt: now,
			HealthyAt: now,
		}
		log.Printf("✓ gateway: %s ready (testnet=%v)", ex.Name, ex.Testnet)
	}
	if len(m.venues) == 0 {
		return nil, ErrNoVenues
	}
	return m, nil
}

// Start syncs exchange clocks and begins periodic health checks.
func (m *Manager) Start(ctx context.Context) {
	for _, v := range m.snapshot() {
		if ts, ok := v.Client.(interface{ StartTimeSync(context.Context) }); ok {
			ts.StartTimeSync(ctx)
		}
	}
	if m.config.HealthInterval <= 0 {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.HealthCheckAll(ctx)
			}
		}
	}()
}

// Stop gracefully shuts down the manager.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Names returns the configured exchanges, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.venues))
	for name := range m.venues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the client for name, refusing venues that failed too many
// health checks in a row.
func (m *Manager) Get(name string) (exchange.ExchangeClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.venues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVenueNotFound, name)
	}
	if v.Failures >= m.config.FailureThreshold {
		return nil, fmt.Errorf("%w: %s (%s)", ErrVenueUnhealthy, name, v.LastError)
	}
	return v.Client, nil
}

// Clients maps exchange name to client.
func (m *Manager) Clients() map[string]exchange.ExchangeClient {
	out := make(map[string]exchange.ExchangeClient)
	for _, v := range m.snapshot() {
		out[v.Name] = v.Client
	}
	return out
}

// Executors maps exchange name to its order executor.
func (m *Manager) Executors() map[string]*order.Executor {
	out := make(map[string]*order.Executor)
	for _, v := range m.snapshot() {
		out[v.Name] = v.Executor
	}
	return out
}

// Breakers maps exchange name to its breaker.
func (m *Manager) Breakers() map[string]*resilience.Breaker {
	out := make(map[string]*resilience.Breaker)
	for _, v := range m.snapshot() {
		if v.Breaker != nil {
			out[v.Name] = v.Breaker
		}
	}
	return out
}

// Limiters returns the request bucket of every venue whose client has one.
func (m *Manager) Limiters() map[string]*resilience.Limiter {
	out := make(map[string]*resilience.Limiter)
	for _, v := range m.snapshot() {
		if l, ok := v.Client.(interface{ Limiter() *resilience.Limiter }); ok {
			out[v.Name] = l.Limiter()
		}
	}
	return out
}

// RecordFailure records a failure for a venue.
func (m *Manager) RecordFailure(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.venues[name]; ok {
		v.Failures++
		if err != nil {
			v.LastError = err.Error()
		}
	}
}

// RecordSuccess resets the failure counter.
func (m *Manager) RecordSuccess(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.venues[name]; ok {
		v.Failures = 0
		v.LastError = ""
		v.HealthyAt = time.Now()
	}
}

// Stats returns current venue statistics.
func (m *Manager) Stats() PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PoolStats{
		TotalVenues: len(m.venues),
		Unhealthy:   make([]string, 0),
	}
	for name, v := range m.venues {
		if v.Failures >= m.config.FailureThreshold {
			stats.Unhealthy = append(stats.Unhealthy, name)
		}
	}
	sort.Strings(stats.Unhealthy)
	return stats
}

// PoolStats contains venue statistics.
type PoolStats struct {
	TotalVenues int      `json:"total_venues"`
	Unhealthy   []string `json:"unhealthy"`
}

// HealthCheckAll pings every venue once.
func (m *Manager) HealthCheckAll(ctx context.Context) {
	for _, v := range m.snapshot() {
		m.healthCheck(ctx, v.Name, v.Client)
	}
}

// --- Internal helpers ---

func (m *Manager) snapshot() []Venue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Venue, 0, len(m.venues))
	for _, v := range m.venues {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) healthCheck(ctx context.Context, name string, client exchange.ExchangeClient) {
	pinger, ok := client.(interface {
		GetServerTime(context.Context) (int64, error)
	})
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := pinger.GetServerTime(cctx)
	cancel()

	if err != nil {
		m.RecordFailure(name, err)
		log.Printf("⚠️ gateway: %s health check failed: %v", name, err)
		return
	}
	m.RecordSuccess(name)
}
