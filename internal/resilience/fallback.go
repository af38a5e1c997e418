package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every backend in a [FallbackGroup] failed or
// had an open circuit breaker. The last backend error is wrapped alongside,
// so provider sentinels stay visible to errors.Is.
var ErrAllFailed = errors.New("resilience: all backends failed")

// FallbackConfig configures the circuit breaker created for each backend in a
// [FallbackGroup]. The breaker Name is set per backend.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend[T any] struct {
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary backend and ordered fallbacks of the same
// type. Fallbacks must be added before the group is shared between
// goroutines.
type FallbackGroup[T any] struct {
	backends []backend[T]
	cfg      FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first backend.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.backends = append(fg.backends, backend[T]{value: value, breaker: NewCircuitBreaker(cbCfg)})
}

// Names returns the backend names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.backends))
	for i, b := range fg.backends {
		names[i] = b.breaker.Name()
	}
	return names
}

// States returns each backend's breaker state, keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.backends))
	for _, b := range fg.backends {
		out[b.breaker.Name()] = b.breaker.State()
	}
	return out
}

// Execute tries fn against each backend in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
// It stops early when ctx is done; the context error is returned as is.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.backends {
		b := &fg.backends[i]
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var res R
		err := b.breaker.Execute(func() error {
			var callErr error
			res, callErr = fn(b.value)
			return callErr
		})
		if err == nil {
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend, circuit open", "backend", b.breaker.Name())
			continue
		}
		if i < len(fg.backends)-1 {
			slog.Warn("backend failed, trying next", "backend", b.breaker.Name(), "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
