// Package resilience keeps a call alive when an engine misbehaves.
//
// Every engine with fallbacks sits behind its own [CircuitBreaker]; a
// [FallbackGroup] tries the engines in order and skips those whose breaker
// is open. [RecognizerFallback], [SynthesizerFallback] and [LLMFallback]
// expose a group through the engine interfaces.
//
// A caller hanging up cancels its context. That is not an engine failure: a
// context.Canceled error never counts against a breaker and never fails
// over.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] without running the
// call.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the mode of a [CircuitBreaker].
type State int

const (
	// StateClosed passes every call.
	StateClosed State = iota
	// StateOpen rejects calls until ResetTimeout has passed since the last
	// failure.
	StateOpen
	// StateHalfOpen admits HalfOpenMax trial calls. All of them must succeed
	// to close the breaker; one failure opens it again.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name identifies the engine in logs and state change callbacks.
	Name string

	// MaxFailures consecutive failures open the breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls. Default 3.
	HalfOpenMax int

	// IsFailure decides whether an error counts. Default: anything but
	// context.Canceled.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// CircuitBreaker guards one engine. It is safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu        sync.Mutex
	state     State
	failures  int // consecutive, while closed
	openedAt  time.Time
	trials    int // admitted while half-open
	successes int // of those trials
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs fn if the breaker admits it and returns fn's error as is.
// A rejected call returns [ErrCircuitOpen].
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, changed, ok := cb.admit()
	cb.notify(changed)
	if !ok {
		return ErrCircuitOpen
	}
	err := fn()
	cb.notify(cb.settle(trial, err))
	return err
}

// transition is a state change to report once the lock is released.
type transition struct {
	from, to State
	ok       bool
}

func (cb *CircuitBreaker) admit() (trial bool, t transition, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, t, false
		}
		t = cb.moveTo(StateHalfOpen)
	}
	if cb.state == StateClosed {
		return false, t, true
	}
	if cb.trials >= cb.cfg.HalfOpenMax {
		return false, t, false
	}
	cb.trials++
	return true, t, true
}

func (cb *CircuitBreaker) settle(trial bool, err error) transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	failed := err != nil && cb.cfg.IsFailure(err)
	switch {
	case err != nil && !failed:
		if trial {
			cb.trials-- // the slot is not used up
		}
	case trial && failed:
		cb.openedAt = cb.cfg.Now()
		return cb.moveTo(StateOpen)
	case trial:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			return cb.moveTo(StateClosed)
		}
	case failed:
		cb.failures++
		cb.openedAt = cb.cfg.Now()
		if cb.failures >= cb.cfg.MaxFailures && cb.state == StateClosed {
			return cb.moveTo(StateOpen)
		}
	default:
		cb.failures = 0
	}
	return transition{}
}

// moveTo must be called with cb.mu held.
func (cb *CircuitBreaker) moveTo(s State) transition {
	t := transition{from: cb.state, to: s, ok: cb.state != s}
	cb.state = s
	cb.failures, cb.trials, cb.successes = 0, 0, 0
	return t
}

func (cb *CircuitBreaker) notify(t transition) {
	if !t.ok {
		return
	}
	level := slog.LevelInfo
	if t.to == StateOpen {
		level = slog.LevelWarn
	}
	cb.cfg.Logger.Log(context.Background(), level, "resilience: breaker "+t.to.String(),
		"engine", cb.cfg.Name, "from", t.from.String())
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen] even though it only moves there on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	t := cb.moveTo(StateClosed)
	cb.mu.Unlock()
	cb.notify(t)
}
