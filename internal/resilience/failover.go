package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every backend in a [Chain] either failed or
// was rejected by its breaker.
var ErrExhausted = errors.New("resilience: all backends failed")

// FallbackConfig configures the per-backend breaker a [Chain] creates for
// each registered backend. The zero value uses the voice-loop defaults.
type FallbackConfig struct {
	Breaker BreakerConfig
}

// backend pairs one provider instance with its breaker.
type backend[T any] struct {
	name    string
	impl    T
	breaker *Breaker
}

// Chain is an ordered failover list: a preferred backend followed by
// fallbacks, each behind its own [Breaker]. A call walks the chain until a
// backend answers; tripped backends are skipped without being dialled.
//
// The chain is assembled at startup and not mutated afterwards, so reads
// need no locking.
type Chain[T any] struct {
	backends []backend[T]
	cfg      FallbackConfig
}

// NewChain creates a [Chain] with primary as the preferred backend.
func NewChain[T any](primary T, name string, cfg FallbackConfig) *Chain[T] {
	c := &Chain[T]{cfg: cfg}
	c.Add(name, primary)
	return c
}

// Add appends a fallback backend. Backends are tried in registration order.
func (c *Chain[T]) Add(name string, impl T) {
	bc := c.cfg.Breaker
	bc.Backend = name
	c.backends = append(c.backends, backend[T]{
		name:    name,
		impl:    impl,
		breaker: NewBreaker(bc),
	})
}

// Do walks the chain until fn succeeds against some backend. It returns
// [ErrExhausted] wrapping the last failure when no backend answered.
func (c *Chain[T]) Do(fn func(T) error) error {
	_, err := Try(c, func(impl T) (struct{}, error) {
		return struct{}{}, fn(impl)
	})
	return err
}

// Try walks the chain until fn returns a result. It is a package function
// because methods cannot introduce the result type parameter.
func Try[T, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range c.backends {
		b := &c.backends[i]
		var result R
		err := b.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(b.impl)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrBackendDown) {
			slog.Debug("skipping tripped backend", "backend", b.name)
			continue
		}
		slog.Warn("backend failed, trying next", "backend", b.name, "error", err)
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

// Primary returns the preferred backend. Static metadata (capabilities,
// token estimates) always comes from it.
func (c *Chain[T]) Primary() T {
	return c.backends[0].impl
}

// AnyHealthy reports whether fn returns true for at least one backend.
func (c *Chain[T]) AnyHealthy(fn func(T) bool) bool {
	for i := range c.backends {
		if fn(c.backends[i].impl) {
			return true
		}
	}
	return false
}
