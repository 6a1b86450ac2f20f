package persistence

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/events"
	"execution-core/pkg/db"
)

// AuditStore is the sink the writer flushes into.
type AuditStore interface {
	InsertAuditEvents(ctx context.Context, events []db.AuditEvent) error
}

// BatchWriter buffers audit rows and writes them in one transaction per flush.
type BatchWriter struct {
	store       AuditStore
	node        string
	buffer      []db.AuditEvent
	mu          sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	metrics     BatchWriterMetrics
}

// BatchWriterMetrics provides statistics about batch operations.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer that flushes when maxSize rows are buffered
// or every interval, whichever comes first. node tags every row.
func NewBatchWriter(store AuditStore, node string, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		store:       store,
		node:        node,
		buffer:      make([]db.AuditEvent, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write buffers one bus message as an audit row.
func (bw *BatchWriter) Write(msg events.Message) {
	row := db.AuditEvent{
		ID:        uuid.NewString(),
		Node:      bw.node,
		Type:      string(msg.Topic),
		CreatedAt: msg.At.UTC(),
		Payload:   "{}",
	}
	if a, ok := msg.Payload.(events.Audit); ok {
		row.Exchange = a.Exchange
		row.Symbol = a.Symbol
	}
	if msg.Payload != nil {
		if raw, err := json.Marshal(msg.Payload); err == nil {
			row.Payload = string(raw)
		}
	}

	bw.mu.Lock()
	bw.buffer = append(bw.buffer, row)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		_ = bw.Flush()
	}
}

// Consume writes every message from ch until it is closed or ctx ends.
func (bw *BatchWriter) Consume(ctx context.Context, ch <-chan events.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			bw.Write(msg)
		}
	}
}

// Flush immediately writes all buffered rows.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	rows := bw.buffer
	bw.buffer = make([]db.AuditEvent, 0, bw.maxSize)
	bw.mu.Unlock()

	atomic.AddUint64(&bw.metrics.TotalWrites, uint64(len(rows)))
	atomic.AddUint64(&bw.metrics.TotalBatches, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bw.store.InsertAuditEvents(ctx, rows); err != nil {
		atomic.AddUint64(&bw.metrics.TotalErrors, 1)
		log.Printf("❌ audit writer: flush of %d rows failed: %v", len(rows), err)
		return err
	}

	bw.mu.Lock()
	bw.metrics.LastBatchSize = len(rows)
	bw.metrics.LastFlushTime = time.Now()
	bw.mu.Unlock()
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush()
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				log.Printf("⚠️ audit writer: final flush error: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of buffered rows.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns the current counters.
func (bw *BatchWriter) GetMetrics() BatchWriterMetrics {
	bw.mu.Lock()
	last, at := bw.metrics.LastBatchSize, bw.metrics.LastFlushTime
	bw.mu.Unlock()
	return BatchWriterMetrics{
		TotalWrites:   atomic.LoadUint64(&bw.metrics.TotalWrites),
		TotalBatches:  atomic.LoadUint64(&bw.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&bw.metrics.TotalErrors),
		LastBatchSize: last,
		LastFlushTime: at,
	}
}

// Close flushes what is left and stops the background loop.
func (bw *BatchWriter) Close() error {
	bw.closeOnce.Do(func() { close(bw.done) })
	bw.wg.Wait()
	return nil
}
