package resilience

import (
	"context"
	"errors"
	"log"
	"time"
)

// RetryPolicy retries an operation with backoff while Retryable says so.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
	// Retryable decides whether err may be retried. Nil retries everything.
	Retryable func(error) bool
	// Sleep is overridable in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryPolicy returns 3 attempts with DefaultBackoff.
func DefaultRetryPolicy(retryable func(error) bool) RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: DefaultBackoff(), Retryable: retryable}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		wait := p.Backoff.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, wait)
		} else {
			log.Printf("retry: %s attempt %d/%d failed: %v (waiting %s)", name, attempt+1, attempts, err, wait)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}
