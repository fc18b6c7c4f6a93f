// Package breaker implements the consecutive-failure circuit breaker shared by the
// scheduler and the proxy registry.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	// Closed lets traffic through and counts consecutive failures.
	Closed State = iota
	// Open rejects traffic until the recovery timeout elapses.
	Open
	// HalfOpen lets traffic through; the next outcome decides the state.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	return c
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// OnStateChange registers a callback invoked after every transition.
// The callback runs without the breaker lock held.
func OnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	onChange func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New constructs a Breaker in the Closed state.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Config returns the effective thresholds.
func (b *Breaker) Config() Config {
	return b.cfg
}

// State returns the current state, promoting Open to HalfOpen once the recovery
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	changes := b.advanceLocked(nil)
	state := b.state
	b.mu.Unlock()
	b.notify(changes)
	return state
}

// Allow reports whether traffic may pass.
func (b *Breaker) Allow() bool {
	return b.State() != Open
}

// RecordSuccess closes a HalfOpen breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() State {
	b.mu.Lock()
	changes := b.advanceLocked(nil)
	switch b.state {
	case HalfOpen:
		changes = b.moveLocked(changes, Closed)
		b.failures = 0
	case Closed:
		b.failures = 0
	}
	state := b.state
	b.mu.Unlock()
	b.notify(changes)
	return state
}

// RecordFailure counts a failure and opens the breaker when the threshold is hit.
func (b *Breaker) RecordFailure() State {
	b.mu.Lock()
	changes := b.advanceLocked(nil)
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			changes = b.tripLocked(changes)
		}
	case HalfOpen:
		changes = b.tripLocked(changes)
	case Open:
		// a late failure does not extend the cooldown.
	}
	state := b.state
	b.mu.Unlock()
	b.notify(changes)
	return state
}

// Reset forces the breaker back to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	changes := b.moveLocked(nil, Closed)
	b.failures = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
	b.notify(changes)
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

type transition struct {
	from, to State
}

func (b *Breaker) moveLocked(changes []transition, to State) []transition {
	if b.state == to {
		return changes
	}
	changes = append(changes, transition{from: b.state, to: to})
	b.state = to
	return changes
}

func (b *Breaker) tripLocked(changes []transition) []transition {
	changes = b.moveLocked(changes, Open)
	b.openedAt = b.now()
	b.failures = 0
	return changes
}

func (b *Breaker) advanceLocked(changes []transition) []transition {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		return b.moveLocked(changes, HalfOpen)
	}
	return changes
}

func (b *Breaker) notify(changes []transition) {
	if b.onChange == nil {
		return
	}
	for _, c := range changes {
		b.onChange(c.from, c.to)
	}
}
