package common

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// WeightTracker mirrors the server-side request weight reported in response
// headers so a client can slow down before the exchange starts rejecting.
type WeightTracker struct {
	name          string
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewWeightTracker creates a tracker.
// limit: maximum weight per window (2400/min on Binance USDⓈ-M futures)
// resetInterval: window length
func NewWeightTracker(name string, limit int, resetInterval time.Duration) *WeightTracker {
	return &WeightTracker{
		name:          name,
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader records the used weight from a response header value.
func (wt *WeightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}
	wt.Update(weight)
}

// UpdateRemaining records usage from a remaining/limit header pair.
func (wt *WeightTracker) UpdateRemaining(remaining, limit string) {
	rem, err := strconv.Atoi(remaining)
	if err != nil {
		return
	}
	lim, err := strconv.Atoi(limit)
	if err != nil || lim <= 0 {
		return
	}
	wt.mu.Lock()
	wt.limit = lim
	wt.mu.Unlock()
	wt.Update(lim - rem)
}

// Update records the used weight and warns when approaching the limit.
func (wt *WeightTracker) Update(weight int) {
	wt.mu.Lock()
	defer wt.mu.Unlock()

	if time.Since(wt.lastReset) >= wt.resetInterval {
		wt.lastReset = time.Now()
	}
	wt.usedWeight = weight
	if wt.limit <= 0 {
		return
	}

	percentage := float64(wt.usedWeight) / float64(wt.limit) * 100
	if percentage >= 95 {
		log.Printf("%s rate limit critical: %d/%d (%.1f%%) - approaching ban threshold", wt.name, wt.usedWeight, wt.limit, percentage)
	} else if percentage >= 80 {
		log.Printf("%s rate limit warning: %d/%d (%.1f%%)", wt.name, wt.usedWeight, wt.limit, percentage)
	}
}

// Usage returns current usage information.
func (wt *WeightTracker) Usage() (used int, limit int, percentage float64) {
	wt.mu.RLock()
	defer wt.mu.RUnlock()

	if time.Since(wt.lastReset) >= wt.resetInterval || wt.limit <= 0 {
		return 0, wt.limit, 0
	}
	return wt.usedWeight, wt.limit, float64(wt.usedWeight) / float64(wt.limit) * 100
}

// ShouldDelay returns true if the next request should wait for the window to roll.
func (wt *WeightTracker) ShouldDelay() bool {
	_, _, pct := wt.Usage()
	return pct >= 90
}

// UntilReset returns how long until the current window rolls over.
func (wt *WeightTracker) UntilReset() time.Duration {
	wt.mu.RLock()
	defer wt.mu.RUnlock()
	d := wt.resetInterval - time.Since(wt.lastReset)
	if d < 0 {
		return 0
	}
	return d
}
