package dbus

import (
	"testing"
	"time"
)

func TestBackoffPolicyGrowsExponentially(t *testing.T) {
	p := NewBackoffPolicy(100*time.Millisecond, 10*time.Second, 2.0, 0, 0)

	d1, ok := p.NextDelay(1)
	if !ok || d1 != 100*time.Millisecond {
		t.Errorf("NextDelay(1) = %v, %v, want 100ms, true", d1, ok)
	}
	d2, ok := p.NextDelay(2)
	if !ok || d2 != 200*time.Millisecond {
		t.Errorf("NextDelay(2) = %v, %v, want 200ms, true", d2, ok)
	}
	d3, ok := p.NextDelay(3)
	if !ok || d3 != 400*time.Millisecond {
		t.Errorf("NextDelay(3) = %v, %v, want 400ms, true", d3, ok)
	}
}

func TestBackoffPolicyCapsAtMax(t *testing.T) {
	p := NewBackoffPolicy(1*time.Second, 3*time.Second, 2.0, 0, 0)
	d, ok := p.NextDelay(10)
	if !ok {
		t.Fatal("expected NextDelay to still permit an attempt")
	}
	if d != 3*time.Second {
		t.Errorf("NextDelay(10) = %v, want capped at 3s", d)
	}
}

func TestBackoffPolicyJitterStaysInBounds(t *testing.T) {
	p := NewBackoffPolicy(1*time.Second, 10*time.Second, 2.0, 0.5, 0)
	for i := 0; i < 50; i++ {
		d, ok := p.NextDelay(1)
		if !ok {
			t.Fatal("expected ok = true")
		}
		if d < 500*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("jittered delay %v outside [500ms, 1500ms]", d)
		}
	}
}

func TestBackoffPolicyTripsCircuitBreaker(t *testing.T) {
	p := NewBackoffPolicy(10*time.Millisecond, time.Second, 2.0, 0, 3)

	for n := 1; n <= 3; n++ {
		if _, ok := p.NextDelay(n); !ok {
			t.Fatalf("NextDelay(%d) = ok false, want true", n)
		}
	}
	if _, ok := p.NextDelay(4); ok {
		t.Error("expected the circuit breaker to trip on the 4th attempt")
	}
	// Once tripped, the breaker stays open regardless of n.
	if _, ok := p.NextDelay(1); ok {
		t.Error("expected the circuit breaker to remain open after tripping")
	}
}

func TestBackoffPolicyResetReopensCircuit(t *testing.T) {
	p := NewBackoffPolicy(10*time.Millisecond, time.Second, 2.0, 0, 1)
	p.NextDelay(1)
	if _, ok := p.NextDelay(2); ok {
		t.Fatal("expected the circuit breaker tripped before Reset")
	}
	p.Reset()
	if _, ok := p.NextDelay(1); !ok {
		t.Error("expected NextDelay to succeed again after Reset")
	}
}
