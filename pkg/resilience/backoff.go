package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential delays: min(initial*base^attempt, max), then
// scaled by (0.5 + rand) when jitter is on.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Base    float64
	Jitter  bool

	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// DefaultBackoff returns 1s initial, 60s cap, base 2 with jitter.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 60 * time.Second, Base: 2, Jitter: true}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	if base < 1 {
		base = 1
	}
	d := float64(b.Initial) * math.Pow(base, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		d *= 0.5 + r()
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
