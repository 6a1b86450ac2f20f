package common

import (
	"context"
	"log"
	"sync"
	"time"
)

// TimeSync keeps the offset between local time and an exchange's clock so
// signed requests stay inside the receive window.
type TimeSync struct {
	name          string
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // milliseconds offset (server - local)
	lastSync      time.Time
	syncInterval  time.Duration
	warnDrift     int64 // ms
	mu            sync.RWMutex
}

// NewTimeSync creates a new time synchronization manager.
func NewTimeSync(name string, getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		name:          name,
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
		warnDrift:     1000,
	}
}

// Start performs an initial sync and then re-syncs periodically until ctx ends.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		log.Printf("%s: initial time sync failed: %v", ts.name, err)
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					log.Printf("%s: time sync failed: %v", ts.name, err)
				}
			}
		}
	}()
}

// Sync synchronizes with server time.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	// assume symmetric latency
	localTime := localBefore + (localAfter-localBefore)/2

	offset := serverTime - localTime
	ts.mu.Lock()
	ts.offset = offset
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	if offset > ts.warnDrift || offset < -ts.warnDrift {
		log.Printf("⚠️ %s: clock drift %dms, signed requests are being shifted", ts.name, offset)
	} else {
		log.Printf("%s: time sync offset=%dms", ts.name, offset)
	}
	return nil
}

// Now returns current time in milliseconds adjusted for server offset.
func (ts *TimeSync) Now() int64 {
	if ts == nil {
		return time.Now().UnixMilli()
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// LastSync is when the offset was last measured; zero before the first sync.
func (ts *TimeSync) LastSync() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.lastSync
}

// Offset returns the current time offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
