package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Bus is a lightweight pub/sub broker using channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan Message
	dropped atomic.Uint64
	now     func() time.Time
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Event][]chan Message), now: time.Now}
}

// Subscribe registers one channel for all given topics and returns it with an
// unsubscribe function.
func (b *Bus) Subscribe(buffer int, topics ...Event) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Message, buffer)
	for _, e := range topics {
		b.subs[e] = append(b.subs[e], ch)
	}

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, e := range topics {
				subs := b.subs[e]
				for i, c := range subs {
					if c == ch {
						b.subs[e] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
	return ch, unsub
}

// Publish fans the payload out without blocking. Slow subscribers lose
// messages; Dropped counts them.
func (b *Bus) Publish(e Event, payload any) {
	if b == nil {
		return
	}
	msg := Message{Topic: e, At: b.now(), Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e] {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many messages were discarded for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
