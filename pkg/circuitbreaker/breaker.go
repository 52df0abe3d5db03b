// Package circuitbreaker implements the circuit breaker pattern.
//
// A breaker counts consecutive failures of one resource (a daemon operation,
// a webhook host) and rejects calls for a cooldown once a threshold is
// reached. After the cooldown a single probe is let through: success closes
// the breaker, failure opens it again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // calls allowed
	Open                  // calls rejected until the cooldown elapses
	HalfOpen              // probing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Transition describes a state change of a named breaker.
type Transition struct {
	Name     string
	From     State
	To       State
	Failures int
}

// Listener is called after a breaker changes state, outside the breaker lock.
type Listener func(Transition)

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // consecutive failures before opening (default 5)
	Cooldown  time.Duration // time open before probing (default 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Breaker guards a single resource.
type Breaker struct {
	name     string
	cfg      Config
	listener Listener
	now      func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// New creates an unnamed breaker without a listener.
func New(cfg Config) *Breaker {
	return newBreaker("", cfg, nil)
}

func newBreaker(name string, cfg Config, listener Listener) *Breaker {
	return &Breaker{
		name:     name,
		cfg:      cfg.withDefaults(),
		listener: listener,
		now:      time.Now,
	}
}

// Name returns the key the breaker was registered under.
func (b *Breaker) Name() string {
	return b.name
}

// Allow reports whether a call should be attempted. An open breaker whose
// cooldown has elapsed moves to half-open and allows the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	if b.state == Open && b.now().Sub(b.openedAt) < b.cfg.Cooldown {
		b.mu.Unlock()
		return false
	}
	t, changed := b.setLocked(b.stateAfterAllow())
	b.mu.Unlock()
	b.emit(t, changed)
	return true
}

func (b *Breaker) stateAfterAllow() State {
	if b.state == Open {
		return HalfOpen
	}
	return b.state
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	t, changed := b.setLocked(Closed)
	b.mu.Unlock()
	b.emit(t, changed)
}

// RecordFailure counts a failure. A failed probe reopens the breaker at once.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	next := b.state
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		next = Open
		b.openedAt = b.now()
	}
	t, changed := b.setLocked(next)
	b.mu.Unlock()
	b.emit(t, changed)
}

// Do runs fn if the breaker allows it and records the outcome. Context
// cancellation is the caller giving up, not a failure of the resource, and is
// not recorded.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.RecordSuccess()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		b.RecordFailure()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) setLocked(next State) (Transition, bool) {
	if next == b.state {
		return Transition{}, false
	}
	t := Transition{Name: b.name, From: b.state, To: next, Failures: b.failures}
	b.state = next
	return t, true
}

func (b *Breaker) emit(t Transition, changed bool) {
	if changed && b.listener != nil {
		b.listener(t)
	}
}
