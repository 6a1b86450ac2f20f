package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedCache is a concurrent string-keyed cache split into shards to keep
// lock contention low. Entries carry their insertion time so readers can
// enforce a maximum age.
type ShardedCache[V any] struct {
	shards [numShards]*shard[V]
	now    func() time.Time
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value     V
	updatedAt time.Time
}

// New creates an empty cache.
func New[V any]() *ShardedCache[V] {
	c := &ShardedCache[V]{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

func (c *ShardedCache[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores value under key.
func (c *ShardedCache[V]) Set(key string, value V) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: value, updatedAt: c.now()}
	s.mu.Unlock()
}

// Get returns the value if present and younger than maxAge. A non-positive
// maxAge disables the age check.
func (c *ShardedCache[V]) Get(key string, maxAge time.Duration) (V, bool) {
	v, age, ok := c.GetWithAge(key)
	if !ok || (maxAge > 0 && age > maxAge) {
		var zero V
		return zero, false
	}
	return v, true
}

// GetWithAge returns the value and its age.
func (c *ShardedCache[V]) GetWithAge(key string) (V, time.Duration, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		var zero V
		return zero, 0, false
	}
	return e.value, c.now().Sub(e.updatedAt), true
}

// Delete removes key.
func (c *ShardedCache[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedCache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and returns how many went.
func (c *ShardedCache[V]) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
