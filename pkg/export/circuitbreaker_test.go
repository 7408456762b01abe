// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"testing"
	"time"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	if !cb.Allow() {
		t.Fatal("closed circuit should allow")
	}
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Errorf("state after 2 failures = %v, want closed", cb.State())
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Errorf("state after 3 failures = %v, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("open circuit should block")
	}
}

func TestCircuitBreakerSuccessResets(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute)
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Errorf("state = %v, want closed (count reset by success)", cb.State())
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("open circuit should block immediately after failure")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("circuit should half-open after reset timeout")
	}

	// A failed probe snaps back to open.
	cb.RecordFailure()
	if cb.Allow() {
		t.Error("failed probe should reopen the circuit")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("circuit should half-open again")
	}
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Errorf("state after successful probe = %v, want closed", cb.State())
	}
}
