// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux || darwin || freebsd || netbsd || openbsd

package memguard

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MprotectGuard lifts write protection with mprotect(2). It is the
// user-space analog of toggling the CR0 write-protect bit around a
// syscall-table write: the pages spanning the region become readable and
// writable for the critical section, then revert to the configured prior
// protection.
//
// mprotect offers no way to query existing protection, so the prior state
// is supplied by the caller, who knows how the table's mapping was
// created. Only use this on memory the Go runtime does not manage.
type MprotectGuard struct {
	prior int // protection flags restored on release
}

// NewMprotect creates a guard that restores prior (e.g. unix.PROT_READ)
// on release.
func NewMprotect(prior int) *MprotectGuard {
	return &MprotectGuard{prior: prior}
}

func (g *MprotectGuard) Acquire(r Region) (*Token, error) {
	pages := pageSpan(r)
	if err := unix.Mprotect(pages, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		if err == unix.EACCES || err == unix.EPERM {
			return nil, fmt.Errorf("%w: mprotect %#x+%d: %v", ErrPermissionDenied, r.Addr, r.Len, err)
		}
		return nil, fmt.Errorf("mprotect %#x+%d: %w", r.Addr, r.Len, err)
	}
	prior := g.prior
	return NewToken(func() error {
		return unix.Mprotect(pages, prior)
	}), nil
}

// pageSpan rounds the region out to whole pages, since mprotect operates
// with page granularity.
func pageSpan(r Region) []byte {
	pageSize := uintptr(os.Getpagesize())
	start := r.Addr &^ (pageSize - 1)
	end := r.Addr + uintptr(r.Len)
	size := ((end - start) + pageSize - 1) &^ (pageSize - 1)
	return unsafe.Slice((*byte)(unsafe.Pointer(start)), size)
}
