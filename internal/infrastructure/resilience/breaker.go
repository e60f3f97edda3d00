package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects an operation outright.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker guards an unreliable operation, typically a send over a
// transport channel. After MaxFailures consecutive failures it opens
// and rejects calls until Cooldown elapses; the first call after that
// runs as a probe, closing the breaker on success and re-opening it on
// failure.
type Breaker struct {
	name          string
	maxFailures   int
	cooldown      time.Duration
	onStateChange func(name string, from, to State)

	mu       sync.Mutex
	state    State
	failures int
	probing  bool
	openedAt time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithStateChange registers a state transition callback.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a closed breaker. maxFailures <= 0 defaults to 5,
// cooldown <= 0 defaults to 30s.
func New(name string, maxFailures int, cooldown time.Duration, opts ...Option) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Do runs op if the breaker admits it. While open it returns ErrOpen
// without invoking op; in half-open only a single probe is admitted at
// a time.
func (b *Breaker) Do(op func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op()
	b.record(err == nil)
	return err
}

// Reset force-closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setState(StateClosed)
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())

	if success {
		b.failures = 0
		b.probing = false
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.probing = false
	switch state {
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.openedAt = time.Now()
	b.setState(StateOpen)
}

// currentState flips open to half-open once the cooldown has elapsed.
// Callers must hold b.mu.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cooldown {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	if b.onStateChange != nil {
		b.onStateChange(b.name, prev, state)
	}
}
