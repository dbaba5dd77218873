package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result. It wraps the error of the last entry that was tried.
var ErrAllFailed = errors.New("resilience: all engines failed")

// FallbackConfig is shared by every entry of a group. CircuitBreaker.Name is
// replaced by the entry name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

func (c FallbackConfig) logger() *slog.Logger {
	if c.CircuitBreaker.Logger != nil {
		return c.CircuitBreaker.Logger
	}
	return slog.Default()
}

// EntryStatus reports the breaker state of one entry.
type EntryStatus struct {
	Name  string
	State State
}

type entry[T any] struct {
	name    string
	engine  T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of engines of one kind, each behind its
// own breaker. The first entry is the primary. Entries are added during
// setup; AddFallback must not race with Execute.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	log     *slog.Logger
	entries []entry[T]
}

// NewFallbackGroup returns a group holding only primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg, log: cfg.logger()}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends engine after the existing entries.
func (g *FallbackGroup[T]) AddFallback(name string, engine T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.entries = append(g.entries, entry[T]{name: name, engine: engine, breaker: NewCircuitBreaker(bc)})
}

// Primary returns the first entry's engine.
func (g *FallbackGroup[T]) Primary() T { return g.entries[0].engine }

// Status lists the entries in order with their breaker state.
func (g *FallbackGroup[T]) Status() []EntryStatus {
	out := make([]EntryStatus, 0, len(g.entries))
	for _, e := range g.entries {
		out = append(out, EntryStatus{Name: e.name, State: e.breaker.State()})
	}
	return out
}

// Healthy reports whether some entry's breaker is not open.
func (g *FallbackGroup[T]) Healthy() bool {
	for _, s := range g.Status() {
		if s.State != StateOpen {
			return true
		}
	}
	return false
}

// Execute is [ExecuteWithResult] for calls without a result.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, g, func(engine T) (struct{}, error) {
		return struct{}{}, fn(engine)
	})
	return err
}

// ExecuteWithResult calls fn with each engine of g in order and returns the
// first success. Entries whose breaker is open are skipped. When ctx ends,
// failover stops and the error of the interrupted call is returned as is.
func ExecuteWithResult[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var zero R
	var last error
	for i := range g.entries {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		e := &g.entries[i]
		var out R
		err := e.breaker.Execute(func() (err error) {
			out, err = fn(e.engine)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				g.log.Debug("resilience: served by fallback", "engine", e.name, "position", i)
			}
			return out, nil
		case ctx.Err() != nil:
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			g.log.Debug("resilience: breaker open, skipping", "engine", e.name)
		default:
			g.log.Warn("resilience: engine failed", "engine", e.name, "err", err, "remaining", len(g.entries)-i-1)
		}
		last = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, last)
}
