package cache

import (
	"testing"
	"time"
)

func TestShardedCacheMaxAge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := New[int]()
	c.now = func() time.Time { return now }

	c.Set("BTCUSDT", 1)
	c.Set("ETHUSDT", 2)
	if v, ok := c.Get("BTCUSDT", time.Minute); !ok || v != 1 {
		t.Fatalf("Get=%v,%v, expected 1,true", v, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("BTCUSDT", time.Minute); ok {
		t.Fatalf("expected stale entry to miss")
	}
	if _, ok := c.Get("BTCUSDT", 0); !ok {
		t.Fatalf("expected hit without age limit")
	}

	c.Set("SOLUSDT", 3)
	if removed := c.Cleanup(time.Minute); removed != 2 {
		t.Fatalf("Cleanup removed %d, expected 2", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len=%d, expected 1", c.Len())
	}
}
