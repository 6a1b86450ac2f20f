package engine

import (
	"errors"
	"log"
	"sync"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// WorkerPool runs tasks on a bounded number of goroutines. Each task belongs
// to a lane (an exchange) with its own concurrency ceiling, so a slow venue
// cannot take every worker.
type WorkerPool struct {
	workerPool chan struct{}
	lanes      map[string]chan struct{}
	laneSize   int
	wg         sync.WaitGroup
	closed     bool
	mu         sync.Mutex
}

// NewWorkerPool creates a pool with workers slots. perLane sets the ceiling of
// named lanes; lanes not listed get defaultLane.
func NewWorkerPool(workers int, perLane map[string]int, defaultLane int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if defaultLane <= 0 {
		defaultLane = workers
	}
	p := &WorkerPool{
		workerPool: make(chan struct{}, workers),
		lanes:      make(map[string]chan struct{}, len(perLane)),
		laneSize:   defaultLane,
	}
	for name, n := range perLane {
		if n <= 0 {
			n = defaultLane
		}
		p.lanes[name] = make(chan struct{}, n)
	}
	return p
}

func (p *WorkerPool) lane(name string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.lanes[name]
	if !ok {
		ch = make(chan struct{}, p.laneSize)
		p.lanes[name] = ch
	}
	return ch
}

// Submit schedules task on lane and returns immediately. The task starts once
// both a lane slot and a worker slot are free.
func (p *WorkerPool) Submit(lane string, task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		log.Printf("❌ worker pool closed, task on %s rejected", lane)
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	sem := p.lane(lane)
	go func() {
		defer p.wg.Done()
		sem <- struct{}{} // acquire lane first so a busy lane holds no worker slot
		defer func() { <-sem }()
		p.workerPool <- struct{}{}
		defer func() { <-p.workerPool }()
		task()
	}()
	return nil
}

// Pending returns the number of running tasks.
func (p *WorkerPool) Pending() int {
	return len(p.workerPool)
}

// WaitAll waits for every submitted task to finish.
func (p *WorkerPool) WaitAll() {
	p.wg.Wait()
}

// Close rejects new tasks and waits for running ones.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
