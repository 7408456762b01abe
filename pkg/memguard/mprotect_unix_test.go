// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux || darwin || freebsd || netbsd || openbsd

package memguard

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapReadOnly maps one anonymous page read-only, the closest user-space
// stand-in for a write-protected dispatch table.
func mmapReadOnly(t *testing.T) []byte {
	t.Helper()
	page, err := unix.Mmap(-1, 0, unix.Getpagesize(),
		unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { unix.Munmap(page) })
	return page
}

func TestMprotectGuardAllowsWrite(t *testing.T) {
	page := mmapReadOnly(t)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(page)))

	g := NewMprotect(unix.PROT_READ)
	tok, err := g.Acquire(Region{Addr: addr + 64, Len: 8})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Would fault without the guard.
	page[64] = 0xAB

	if err := tok.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if page[64] != 0xAB {
		t.Errorf("write not visible after release: %#x", page[64])
	}
	if err := tok.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}
}

func TestMprotectGuardRestoresProtection(t *testing.T) {
	page := mmapReadOnly(t)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(page)))

	g := NewMprotect(unix.PROT_READ)
	tok, err := g.Acquire(Region{Addr: addr, Len: 8})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := tok.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// After release the page is read-only again; re-acquiring proves the
	// restore used a valid protection value and the page is still mapped.
	tok2, err := g.Acquire(Region{Addr: addr, Len: 8})
	if err != nil {
		t.Fatalf("re-Acquire after restore: %v", err)
	}
	tok2.Release()
}
