// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"testing"
	"time"
)

// fakeClock drives a breaker without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker(threshold, reset)
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	cb, clock := newTestBreaker(3, 30*time.Second)

	if cb.State() != CircuitClosed || !cb.Allow() {
		t.Fatalf("new breaker should be closed and allow exports")
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed below threshold, got %v", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open at threshold, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("open breaker must not allow exports")
	}

	clock.advance(29 * time.Second)
	if cb.Allow() {
		t.Fatal("breaker must stay open until the reset timeout")
	}

	clock.advance(time.Second)
	if !cb.Allow() {
		t.Fatal("expected a probe to be allowed after the reset timeout")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.State())
	}

	cb.RecordSuccess()
	if cb.State() != CircuitClosed || cb.FailureCount() != 0 {
		t.Fatalf("success should close and reset, got %v/%d", cb.State(), cb.FailureCount())
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(2, 10*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()

	clock.advance(10 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected probe after reset timeout")
	}
	cb.RecordFailure()

	if cb.State() != CircuitOpen {
		t.Fatalf("failed probe should reopen, got %v", cb.State())
	}
	if cb.Allow() {
		t.Fatal("reopened breaker should wait a full reset timeout again")
	}
}

func TestCircuitBreakerOnStateChange(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)

	var transitions []string
	cb.OnStateChange(func(from, to CircuitState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	cb.RecordFailure()
	clock.advance(time.Second)
	cb.Allow()
	cb.RecordSuccess()
	cb.RecordSuccess()

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
