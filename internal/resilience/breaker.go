// Package resilience keeps the voice loop alive when a speech backend
// misbehaves. Local inference servers (whisper-server, Ollama, Piper) come
// and go as models load, machines sleep, and GPUs run out of memory; a
// user mid-conversation should hear the fallback backend, not a stack of
// timeouts.
//
// [Breaker] shields one backend: after a run of failures it trips and
// rejects calls outright for a cooldown period, then lets a few probe calls
// through to see whether the backend recovered. [Chain] lines up a primary
// backend and its fallbacks, each behind its own breaker, and tries them in
// order until one answers.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBackendDown is returned by [Breaker.Do] while the breaker is tripped
// and its cooldown has not elapsed.
var ErrBackendDown = errors.New("resilience: backend is cooling down")

// Voice turns are latency-bound: a user waiting for an answer should not sit
// through five retries against a dead whisper-server. Trip early, probe soon.
const (
	defaultTripAfter  = 3
	defaultCooldown   = 15 * time.Second
	defaultProbeQuota = 2
)

// State is the breaker's position in the trip/probe cycle.
type State int

const (
	// StateClosed passes every call through.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrBackendDown].
	StateOpen

	// StateHalfOpen admits up to the probe quota; all probes succeeding
	// closes the breaker, any probe failing re-opens it.
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

// BreakerConfig tunes a [Breaker]. The zero value gets voice-loop defaults.
type BreakerConfig struct {
	// Backend names the protected backend in log lines ("whisper",
	// "ollama", "piper").
	Backend string

	// TripAfter is the run of consecutive failures that trips the breaker.
	TripAfter int

	// Cooldown is how long a tripped breaker rejects calls before probing.
	Cooldown time.Duration

	// ProbeQuota is how many calls the half-open state admits.
	ProbeQuota int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripAfter <= 0 {
		c.TripAfter = defaultTripAfter
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.ProbeQuota <= 0 {
		c.ProbeQuota = defaultProbeQuota
	}
	return c
}

// Breaker is a three-state circuit breaker guarding one speech backend.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     State
	strikes   int
	trippedAt time.Time
	probes    int
	probeWins int
}

// NewBreaker creates a closed [Breaker] with cfg, filling zero fields with
// the voice-loop defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Do runs fn unless the breaker rejects the call. A tripped breaker returns
// [ErrBackendDown] until its cooldown elapses; after that, calls are admitted
// as probes up to the quota.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it counts as a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.trippedAt) < b.cfg.Cooldown {
			return false, ErrBackendDown
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeWins = 0
		slog.Info("backend probing after cooldown", "backend", b.cfg.Backend)
	}

	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.ProbeQuota {
			return false, ErrBackendDown
		}
		b.probes++
		return true, nil
	}
	return false, nil
}

// settle folds a call's outcome back into the breaker state.
func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err != nil && probe:
		// A failed probe re-trips immediately and restarts the cooldown.
		b.state = StateOpen
		b.trippedAt = time.Now()
		b.strikes = b.cfg.TripAfter
		slog.Warn("backend failed its probe, tripping again", "backend", b.cfg.Backend)

	case err != nil:
		b.strikes++
		b.trippedAt = time.Now()
		if b.strikes >= b.cfg.TripAfter && b.state == StateClosed {
			b.state = StateOpen
			slog.Warn("backend tripped",
				"backend", b.cfg.Backend, "strikes", b.strikes)
		}

	case probe:
		b.probeWins++
		if b.probeWins >= b.cfg.ProbeQuota {
			b.state = StateClosed
			b.strikes = 0
			slog.Info("backend recovered", "backend", b.cfg.Backend)
		}

	default:
		b.strikes = 0
	}
}

// State reports the breaker's effective state. A tripped breaker whose
// cooldown has elapsed reports [StateHalfOpen]; the stored transition happens
// on the next [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.trippedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and wipes the strike count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.strikes = 0
	b.probes = 0
	b.probeWins = 0
	slog.Info("backend breaker reset", "backend", b.cfg.Backend)
}
