package resilience

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("dial tcp: connection refused")

func failTimes(b *Breaker, n int) {
	for range n {
		_ = b.Do(func() error { return errDial })
	}
}

func TestBreakerStaysClosedBelowTripThreshold(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Backend: "whisper", TripAfter: 3})
	failTimes(b, 2)
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v after 2 strikes, want closed", got)
	}

	// A success wipes the strike count; two more failures must not trip.
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	failTimes(b, 2)
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v after reset and 2 strikes, want closed", got)
	}
}

func TestBreakerTripsAndRejects(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Backend: "whisper", TripAfter: 3, Cooldown: time.Hour})
	failTimes(b, 3)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v after 3 strikes, want open", got)
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrBackendDown) {
		t.Errorf("err = %v, want ErrBackendDown", err)
	}
	if called {
		t.Error("tripped breaker dialled the backend")
	}
}

func TestBreakerProbesAfterCooldown(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Backend: "ollama", TripAfter: 1, Cooldown: time.Nanosecond, ProbeQuota: 2})
	failTimes(b, 1)
	time.Sleep(time.Millisecond)

	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state = %v after cooldown, want half-open", got)
	}

	// Both probes succeeding closes the breaker.
	for range 2 {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe: %v", err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v after successful probes, want closed", got)
	}
}

func TestBreakerFailedProbeTripsAgain(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Backend: "ollama", TripAfter: 1, Cooldown: time.Hour, ProbeQuota: 2})
	failTimes(b, 1)

	// Force the cooldown to look elapsed.
	b.mu.Lock()
	b.trippedAt = time.Now().Add(-2 * time.Hour)
	b.mu.Unlock()

	if err := b.Do(func() error { return errDial }); !errors.Is(err, errDial) {
		t.Fatalf("probe err = %v, want the dial error", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("state = %v after failed probe, want open", got)
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrBackendDown) {
		t.Errorf("err = %v, want ErrBackendDown while cooling down again", err)
	}
}

func TestBreakerProbeQuotaLimitsCalls(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Backend: "piper", TripAfter: 1, Cooldown: time.Hour, ProbeQuota: 1})
	failTimes(b, 1)
	b.mu.Lock()
	b.trippedAt = time.Now().Add(-2 * time.Hour)
	b.mu.Unlock()

	blocked := make(chan struct{})
	release := make(chan struct{})
	go b.Do(func() error {
		close(blocked)
		<-release
		return nil
	})
	<-blocked

	// The quota is spent on the in-flight probe.
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrBackendDown) {
		t.Errorf("err = %v, want ErrBackendDown when the probe quota is spent", err)
	}
	close(release)
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Backend: "whisper", TripAfter: 1, Cooldown: time.Hour})
	failTimes(b, 1)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}

	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v after Reset, want closed", got)
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Errorf("Do after Reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(42):     "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
