package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/yoonstudio/invest-stock-app-sub000/internal/faults"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// StateClosed is normal pass-through operation.
	StateClosed BreakerState = iota

	// StateOpen rejects all calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets probe calls through to test recovery.
	StateHalfOpen
)

// String returns the conventional state name.
func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// BreakerConfig controls the transition thresholds.
type BreakerConfig struct {
	// Name identifies the protected dependency in errors and status output.
	Name string

	// FailureThreshold is the number of consecutive closed-state failures
	// that opens the circuit. Default 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before the next call
	// is allowed through as a half-open probe. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenSuccesses is the number of consecutive half-open successes
	// required to close the circuit again. Default 2.
	HalfOpenSuccesses int
}

// Breaker protects a flaky downstream from cascading failures.
//
// In the open state calls fail immediately with a circuit-open fault,
// without invoking the wrapped operation. Safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// BreakerSnapshot is a point-in-time view for status endpoints.
type BreakerSnapshot struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// NewBreaker creates a closed breaker, applying defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 2
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Do executes op if the circuit allows it and records the result.
func (b *Breaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.allow() {
		return faults.CircuitOpen(b.cfg.Name)
	}
	err := op(ctx)
	b.record(err)
	return err
}

// allow decides whether a call may proceed, transitioning OPEN→HALF_OPEN
// when the reset timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = time.Now()
		switch b.state {
		case StateClosed:
			if b.failures >= b.cfg.FailureThreshold {
				b.state = StateOpen
			}
		case StateHalfOpen:
			// One failed probe is enough to re-open.
			b.state = StateOpen
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the observable breaker fields without mutating state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Name:     b.cfg.Name,
		State:    b.state.String(),
		Failures: b.failures,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		snap.LastFailure = &t
	}
	return snap
}

// Reset forces the breaker closed with zeroed counters. Used for
// operator-triggered recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastFailure = time.Time{}
}
