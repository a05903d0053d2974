// Package resilience suspends voice channel joins for a guild after
// repeated failures, so control clients get an immediate error instead of
// waiting out another join timeout.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open). [Platform] wraps an [audio.Platform] with one
// breaker per guild.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit open after repeated failures")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cooldown ends.
	StateOpen

	// StateHalfOpen lets a single probe call through. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	DefaultMaxFailures = 3
	DefaultCooldown    = time.Minute
)

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: [DefaultMaxFailures].
	MaxFailures int

	// Cooldown is how long the breaker stays open before it allows a probe.
	// Default: [DefaultCooldown].
	Cooldown time.Duration
}

// Breaker implements the circuit breaker pattern around a fallible call.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed [Breaker]. Zero config fields take their
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         time.Now,
	}
}

// Do runs fn unless the breaker is open and returns fn's error. A call
// aborted by context cancellation or deadline is neither a failure nor a
// success.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		slog.Info("circuit breaker half-open", "name", b.name)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	if err == nil {
		if b.state != StateClosed {
			slog.Info("circuit breaker closed", "name", b.name)
		}
		b.state = StateClosed
		b.failures = 0
		return
	}

	b.failures++
	if probe || b.failures >= b.maxFailures {
		if b.state != StateOpen {
			slog.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", b.failures, "err", err)
		}
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probing = false
}
