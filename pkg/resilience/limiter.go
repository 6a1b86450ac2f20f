package resilience

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a continuously refilled token bucket shared by every signed
// call of one exchange client.
type Limiter struct {
	name string
	rl   *rate.Limiter
}

// NewLimiter creates a bucket refilled at ratePerSec tokens/sec holding at
// most capacity tokens. It starts full.
func NewLimiter(name string, ratePerSec float64, capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{name: name, rl: rate.NewLimiter(rate.Limit(ratePerSec), capacity)}
}

// Acquire blocks until n tokens are available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	if n > l.rl.Burst() {
		return fmt.Errorf("limiter %s: acquire %d exceeds capacity %d", l.name, n, l.rl.Burst())
	}
	return l.rl.WaitN(ctx, n)
}

// Tokens returns the tokens currently available. It can go negative while
// reservations are waiting.
func (l *Limiter) Tokens() float64 {
	if l == nil {
		return 0
	}
	return l.rl.TokensAt(time.Now())
}
