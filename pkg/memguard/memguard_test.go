// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package memguard

import (
	"errors"
	"testing"
)

func TestTokenReleaseIdempotent(t *testing.T) {
	calls := 0
	tok := NewToken(func() error {
		calls++
		return nil
	})

	if err := tok.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := tok.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if calls != 1 {
		t.Errorf("restore ran %d times, want 1", calls)
	}
}

func TestTokenReleaseRepeatsFirstError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	tok := NewToken(func() error {
		calls++
		return boom
	})

	if err := tok.Release(); !errors.Is(err, boom) {
		t.Fatalf("Release = %v, want boom", err)
	}
	if err := tok.Release(); !errors.Is(err, boom) {
		t.Fatalf("second Release = %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("restore ran %d times, want 1", calls)
	}
}

func TestNoopGuard(t *testing.T) {
	tok, err := NoopGuard{}.Acquire(Region{Addr: 0x1000, Len: 8})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := tok.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
}

func TestNilRestoreToken(t *testing.T) {
	tok := NewToken(nil)
	if err := tok.Release(); err != nil {
		t.Errorf("Release of nil-restore token: %v", err)
	}
}
