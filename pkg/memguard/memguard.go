// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package memguard provides scoped lifting of write protection on the
// memory region containing a table slot. Acquire returns a token whose
// Release restores the prior protection state on every exit path; callers
// release via defer so failure and early return are covered.
//
// Acquiring a guard twice from the same logical operation is a caller
// error with undefined behavior; it is not runtime-checked.
package memguard

import (
	"errors"
	"sync"
)

// ErrPermissionDenied reports insufficient privilege to change the
// protection of the target region.
var ErrPermissionDenied = errors.New("permission denied changing region protection")

// Region is the span of memory a patch operation will write to.
type Region struct {
	Addr uintptr
	Len  int
}

// Guard temporarily makes a region writable.
type Guard interface {
	// Acquire lifts write protection on the region. While the returned
	// token is held the region is writable. Concurrent readers of other
	// words in the region are unaffected.
	Acquire(r Region) (*Token, error)
}

// Token restores the prior protection state when released. Release is
// idempotent: the restore runs once, later calls return the first result.
type Token struct {
	once    sync.Once
	restore func() error
	err     error
}

// NewToken wraps a restore action in a token. A nil restore yields a
// token whose Release is a no-op.
func NewToken(restore func() error) *Token {
	return &Token{restore: restore}
}

// Release restores the prior protection state.
func (t *Token) Release() error {
	t.once.Do(func() {
		if t.restore != nil {
			t.err = t.restore()
		}
	})
	return t.err
}

// NoopGuard is for tables whose memory is already writable (Go-owned slot
// storage) and for platforms without page protection. The scoped
// acquire/release discipline is still exercised so call sites transfer
// unchanged to a protected target.
type NoopGuard struct{}

func (NoopGuard) Acquire(Region) (*Token, error) {
	return NewToken(nil), nil
}
