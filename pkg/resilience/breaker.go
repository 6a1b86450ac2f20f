package resilience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

// State of one circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

type circuit struct {
	state         State
	failures      int
	lastFailureAt time.Time
	openedAt      time.Time
	openErr       error
	probing       bool
}

// CircuitState is a read-only view of one endpoint class.
type CircuitState struct {
	Class         string    `json:"class"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

// Breaker keeps one circuit per endpoint class ("order", "account", ...) of
// a single exchange client.
type Breaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration

	// IsFailure decides which errors count against the circuit. Errors it
	// rejects are answers from a healthy endpoint and count as success.
	IsFailure func(error) bool

	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time
}

// NewBreaker creates a breaker. Non-positive values fall back to 5 failures
// and a 60s recovery timeout.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = defaultFailureThreshold
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = defaultRecoveryTimeout
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		circuits:         make(map[string]*circuit),
		now:              time.Now,
	}
}

// SetClock overrides the time source.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Breaker) circuitLocked(class string) *circuit {
	c, ok := b.circuits[class]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[class] = c
	}
	return c
}

// Allow reports whether a call on class may proceed. An open circuit whose
// recovery timeout has elapsed moves to half-open and admits one probe.
func (b *Breaker) Allow(class string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(class)
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.recoveryTimeout {
			return c.openErr
		}
		c.state = StateHalfOpen
		c.probing = true
		log.Printf("level=INFO event=circuit_breaker_half_open breaker=%q class=%q recovery_sec=%d", b.name, class, int64(b.recoveryTimeout/time.Second))
		return nil
	case StateHalfOpen:
		if c.probing {
			return fmt.Errorf("%w: %s/%s probe in flight", ErrCircuitOpen, b.name, class)
		}
		c.probing = true
	}
	return nil
}

// Record reports the outcome of a call admitted by Allow.
func (b *Breaker) Record(class string, err error) {
	if b == nil {
		return
	}
	failed := err != nil
	if failed && b.IsFailure != nil {
		failed = b.IsFailure(err)
	}

	b.mu.Lock()
	c := b.circuitLocked(class)
	c.probing = false

	if !failed {
		prevState, prevFailures := c.state, c.failures
		c.state = StateClosed
		c.failures = 0
		c.openErr = nil
		c.openedAt = time.Time{}
		b.mu.Unlock()
		if prevState != StateClosed {
			log.Printf("level=INFO event=circuit_breaker_recovered breaker=%q class=%q previous_consecutive_failures=%d from_state=%q", b.name, class, prevFailures, prevState)
		}
		return
	}

	c.failures++
	c.lastFailureAt = b.now()
	if c.state == StateHalfOpen || c.failures >= b.failureThreshold {
		phase := "consecutive_failures"
		if c.state == StateHalfOpen {
			phase = "half_open_probe_failed"
		}
		c.state = StateOpen
		c.openedAt = b.now()
		c.openErr = fmt.Errorf("%w: %s/%s failed %d consecutive times, reason=%s, last error: %v", ErrCircuitOpen, b.name, class, c.failures, phase, err)
		failures := c.failures
		b.mu.Unlock()
		log.Printf("level=ERROR event=circuit_breaker_trip breaker=%q class=%q consecutive_failures=%d threshold=%d phase=%q last_error=%q", b.name, class, failures, b.failureThreshold, phase, err.Error())
		return
	}
	failures := c.failures
	b.mu.Unlock()
	if failures == b.failureThreshold-1 {
		log.Printf("level=WARN event=circuit_breaker_near_trip breaker=%q class=%q consecutive_failures=%d threshold=%d last_error=%q", b.name, class, failures, b.failureThreshold, err.Error())
	}
}

// Trip forces class open, used when an error must never be retried against
// the same endpoint (authentication failures).
func (b *Breaker) Trip(class string, err error) {
	if b == nil {
		return
	}
	b.mu.Lock()
	c := b.circuitLocked(class)
	c.probing = false
	c.failures = b.failureThreshold
	c.lastFailureAt = b.now()
	c.state = StateOpen
	c.openedAt = b.now()
	c.openErr = fmt.Errorf("%w: %s/%s forced open: %v", ErrCircuitOpen, b.name, class, err)
	b.mu.Unlock()
	log.Printf("level=ERROR event=circuit_breaker_trip breaker=%q class=%q phase=%q last_error=%q", b.name, class, "forced", err.Error())
}

// Execute runs fn under the circuit for class. While open it fails fast
// without calling fn.
func (b *Breaker) Execute(ctx context.Context, class string, fn func(ctx context.Context) error) error {
	if err := b.Allow(class); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(class, err)
	return err
}

// State returns the state of class.
func (b *Breaker) State(class string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[class]
	if !ok {
		return StateClosed
	}
	return b.stateLocked(c)
}

// stateLocked reports an open circuit past its recovery timeout as half-open.
func (b *Breaker) stateLocked(c *circuit) State {
	if c.state == StateOpen && b.now().Sub(c.openedAt) >= b.recoveryTimeout {
		return StateHalfOpen
	}
	return c.state
}

// Snapshot lists every known circuit sorted by class.
func (b *Breaker) Snapshot() []CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CircuitState, 0, len(b.circuits))
	for class, c := range b.circuits {
		out = append(out, CircuitState{
			Class:         class,
			State:         b.stateLocked(c),
			FailureCount:  c.failures,
			LastFailureAt: c.lastFailureAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }
