// Package circuit implements the circuit breaker wrapped around upstream
// model calls. N failures within a rolling window open the breaker; while
// open, calls fail fast with ErrOpen; after the cooldown a single probe is
// let through, and its outcome closes or reopens the breaker.
package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker is open and the call was not made.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker. The numeric values are published as a gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker thresholds.
type Config struct {
	// MaxFailures within Window that open the breaker.
	MaxFailures int
	// Window is the rolling span failures are counted over.
	Window time.Duration
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// OnStateChange is called after every transition, outside the breaker
	// lock. Optional.
	OnStateChange func(State)
}

// DefaultConfig returns the thresholds used for the generation client.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 5,
		Window:      2 * time.Minute,
		Cooldown:    time.Minute,
	}
}

// Breaker is a reusable wrapper around a remote call.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	probing  bool

	maxFailures int
	window      time.Duration
	cooldown    time.Duration
	onChange    func(State)
	nowFn       func() time.Time
}

// New creates a breaker. Zero config fields fall back to DefaultConfig.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{
		state:       StateClosed,
		maxFailures: cfg.MaxFailures,
		window:      cfg.Window,
		cooldown:    cfg.Cooldown,
		onChange:    cfg.OnStateChange,
		nowFn:       time.Now,
	}
}

// Execute runs fn under the breaker. When the breaker is open (or a
// half-open probe is already in flight) it returns ErrOpen without calling
// fn. Context cancellation by the caller is passed through without
// counting as an upstream failure.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if changed, err := b.allow(); err != nil {
		return err
	} else if changed {
		b.notify()
	}

	err := fn(ctx)

	if errors.Is(err, context.Canceled) {
		b.releaseProbe()
		return err
	}

	if b.record(err == nil) {
		b.notify()
	}
	return err
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() (changed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.nowFn().Sub(b.openedAt) < b.cooldown {
			return false, ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		return true, nil
	case StateHalfOpen:
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return false, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(success bool) (changed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()

	if success {
		b.failures = nil
		if b.state != StateClosed {
			b.state = StateClosed
			b.probing = false
			return true
		}
		return false
	}

	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
		b.failures = nil
		return true
	}

	b.failures = append(b.failures, now)
	cutoff := now.Add(-b.window)
	for len(b.failures) > 0 && b.failures[0].Before(cutoff) {
		b.failures = b.failures[1:]
	}

	if len(b.failures) >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = now
		b.failures = nil
		return true
	}
	return false
}

func (b *Breaker) releaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *Breaker) notify() {
	if b.onChange == nil {
		return
	}
	b.onChange(b.State())
}
