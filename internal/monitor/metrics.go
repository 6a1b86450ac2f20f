package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks execution throughput and latency.
type SystemMetrics struct {
	// Latency histograms
	EntryLatency *LatencyHistogram // signal received to outcome
	APILatency   *LatencyHistogram

	// Counters
	signalsExecuted    uint64
	signalsSkipped     uint64
	signalErrors       uint64
	unconfirmedOrders  uint64
	positionsOpened    uint64
	positionsClosed    uint64
	protectionFailures uint64
	reconciliations    uint64
	apiRequests        uint64
	apiErrors          uint64

	mu         sync.RWMutex
	busDropped func() uint64
	started    time.Time
}

// LatencyHistogram keeps the most recent samples in a ring and computes
// stats lazily.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool

	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		EntryLatency: NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
		started:      time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram of size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, size), dirty: true}
}

// Record adds a latency sample in milliseconds, evicting the oldest once the
// window is full.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = latencyMs
	h.next++
	if h.next == len(h.samples) {
		h.next, h.full = 0, true
	}
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg and percentiles of the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return h.cachedStats
	}
	n := h.next
	if h.full {
		n = len(h.samples)
	}
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples[:n])
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	pct := func(p float64) float64 {
		i := int(float64(n) * p)
		if i >= n {
			i = n - 1
		}
		return sorted[i]
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   pct(0.50),
		P95:   pct(0.95),
		P99:   pct(0.99),
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) IncrementExecuted()           { atomic.AddUint64(&m.signalsExecuted, 1) }
func (m *SystemMetrics) IncrementSkipped()            { atomic.AddUint64(&m.signalsSkipped, 1) }
func (m *SystemMetrics) IncrementSignalErrors()       { atomic.AddUint64(&m.signalErrors, 1) }
func (m *SystemMetrics) IncrementUnconfirmed()        { atomic.AddUint64(&m.unconfirmedOrders, 1) }
func (m *SystemMetrics) IncrementOpened()             { atomic.AddUint64(&m.positionsOpened, 1) }
func (m *SystemMetrics) IncrementClosed()             { atomic.AddUint64(&m.positionsClosed, 1) }
func (m *SystemMetrics) IncrementProtectionFailures() { atomic.AddUint64(&m.protectionFailures, 1) }
func (m *SystemMetrics) IncrementReconciliations()    { atomic.AddUint64(&m.reconciliations, 1) }

// RecordRequest counts one API request; 5xx responses count as errors.
func (m *SystemMetrics) RecordRequest(status int, d time.Duration) {
	atomic.AddUint64(&m.apiRequests, 1)
	if status >= 500 {
		atomic.AddUint64(&m.apiErrors, 1)
	}
	m.APILatency.RecordDuration(d)
}

// SetBusDropped installs the source of the dropped-event count.
func (m *SystemMetrics) SetBusDropped(fn func() uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busDropped = fn
}

// MetricsSnapshot is a point-in-time view of the metrics.
type MetricsSnapshot struct {
	EntryLatency       LatencyStats `json:"entry_latency"`
	APILatency         LatencyStats `json:"api_latency"`
	SignalsExecuted    uint64       `json:"signals_executed"`
	SignalsSkipped     uint64       `json:"signals_skipped"`
	SignalErrors       uint64       `json:"signal_errors"`
	UnconfirmedOrders  uint64       `json:"unconfirmed_orders"`
	PositionsOpened    uint64       `json:"positions_opened"`
	PositionsClosed    uint64       `json:"positions_closed"`
	ProtectionFailures uint64       `json:"protection_failures"`
	Reconciliations    uint64       `json:"reconciliations"`
	APIRequests        uint64       `json:"api_requests"`
	APIErrors          uint64       `json:"api_errors"`
	EventsDropped      uint64       `json:"events_dropped"`
	GoroutineCount     int          `json:"goroutine_count"`
	HeapAlloc          uint64       `json:"heap_alloc_bytes"`
	HeapSys            uint64       `json:"heap_sys_bytes"`
	Uptime             string       `json:"uptime"`
	Timestamp          time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	dropped := m.busDropped
	m.mu.RUnlock()
	var droppedCount uint64
	if dropped != nil {
		droppedCount = dropped()
	}

	return MetricsSnapshot{
		EntryLatency:       m.EntryLatency.Stats(),
		APILatency:         m.APILatency.Stats(),
		SignalsExecuted:    atomic.LoadUint64(&m.signalsExecuted),
		SignalsSkipped:     atomic.LoadUint64(&m.signalsSkipped),
		SignalErrors:       atomic.LoadUint64(&m.signalErrors),
		UnconfirmedOrders:  atomic.LoadUint64(&m.unconfirmedOrders),
		PositionsOpened:    atomic.LoadUint64(&m.positionsOpened),
		PositionsClosed:    atomic.LoadUint64(&m.positionsClosed),
		ProtectionFailures: atomic.LoadUint64(&m.protectionFailures),
		Reconciliations:    atomic.LoadUint64(&m.reconciliations),
		APIRequests:        atomic.LoadUint64(&m.apiRequests),
		APIErrors:          atomic.LoadUint64(&m.apiErrors),
		EventsDropped:      droppedCount,
		GoroutineCount:     runtime.NumGoroutine(),
		HeapAlloc:          memStats.HeapAlloc,
		HeapSys:            memStats.HeapSys,
		Uptime:             time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:          time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
