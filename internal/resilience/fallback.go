package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrAllFailed is returned when every entry of a [Group] failed or was
// skipped because its breaker is open.
var ErrAllFailed = errors.New("all providers failed")

type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// EntryStatus reports the breaker state of one group member.
type EntryStatus struct {
	Name  string
	State State
}

// Group holds a primary backend and its fallbacks in preference order.
// Members are fixed after construction.
type Group[T any] struct {
	entries []entry[T]
}

// NewGroup creates a group with primary as the preferred entry. Each entry
// gets its own breaker built from cfg.
func NewGroup[T any](primaryName string, primary T, cfg CircuitBreakerConfig) *Group[T] {
	g := &Group[T]{}
	g.add(primaryName, primary, cfg)
	return g
}

// With returns g after appending fallback. It must not be called once the
// group is in use.
func (g *Group[T]) With(name string, fallback T, cfg CircuitBreakerConfig) *Group[T] {
	g.add(name, fallback, cfg)
	return g
}

func (g *Group[T]) add(name string, v T, cfg CircuitBreakerConfig) {
	cfg.Name = name
	g.entries = append(g.entries, entry[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Primary returns the first entry.
func (g *Group[T]) Primary() T { return g.entries[0].value }

// Names lists the entries in preference order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Status reports the breaker state of every entry in preference order.
func (g *Group[T]) Status() []EntryStatus {
	out := make([]EntryStatus, len(g.entries))
	for i, e := range g.entries {
		out[i] = EntryStatus{Name: e.name, State: e.breaker.State()}
	}
	return out
}

// Do tries fn against each entry of g in order until one succeeds. It
// stops early when ctx ends. When every entry fails the returned error wraps
// [ErrAllFailed] and the last failure.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.entries {
		e := &g.entries[i]
		var result R
		err := e.breaker.Execute(ctx, func(ctx context.Context) error {
			var innerErr error
			result, innerErr = fn(ctx, e.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider with open circuit", "provider", e.name)
			continue
		}
		if i < len(g.entries)-1 {
			slog.Warn("provider failed, trying next", "provider", e.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w (%s): %w", ErrAllFailed, strings.Join(g.Names(), ", "), lastErr)
}
