// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package table

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Entry is an opaque pointer-sized callable reference held in a table slot.
// For an in-process table this is a Callables handle; for an externally
// mapped table it is whatever word the host environment stored there.
type Entry uintptr

// Handler is the call signature shared by originals and wrappers. It mirrors
// read(2): descriptor, destination buffer, bytes-read result.
type Handler func(fd int, p []byte) (int, error)

// Table is a view over an externally owned, fixed-size dispatch table.
// The table's memory is never allocated or freed here — only observed and
// mutated one slot at a time. Every Load and Store is a single atomic
// word operation, so concurrent callers reading other slots are never
// disturbed and a reader of the mutated slot sees either the old or the
// new entry, never a torn value.
type Table struct {
	base unsafe.Pointer // first slot
	n    int
}

// NewAt returns a view over n slots starting at base. The caller owns the
// memory and is responsible for it remaining mapped for the view's lifetime.
func NewAt(base uintptr, n int) *Table {
	return &Table{base: unsafe.Pointer(base), n: n}
}

// NewFromSlice returns a view over caller-owned slot storage. The slice
// must not be reallocated (appended to) while the view is in use.
func NewFromSlice(slots []Entry) *Table {
	return &Table{base: unsafe.Pointer(unsafe.SliceData(slots)), n: len(slots)}
}

// Len returns the number of slots.
func (t *Table) Len() int { return t.n }

// Base returns the address of slot 0.
func (t *Table) Base() uintptr { return uintptr(t.base) }

// SlotAddr returns the address of slot i. The index must be in range.
func (t *Table) SlotAddr(i int) uintptr {
	return uintptr(t.base) + uintptr(i)*unsafe.Sizeof(Entry(0))
}

func (t *Table) slot(i int) *uintptr {
	return (*uintptr)(unsafe.Pointer(t.SlotAddr(i)))
}

// Load atomically reads the entry at slot i.
func (t *Table) Load(i int) (Entry, error) {
	if i < 0 || i >= t.n {
		return 0, fmt.Errorf("slot %d out of range [0,%d)", i, t.n)
	}
	return Entry(atomic.LoadUintptr(t.slot(i))), nil
}

// Store atomically writes the entry at slot i. The containing memory must
// be writable; callers lift write protection first (see memguard).
func (t *Table) Store(i int, e Entry) error {
	if i < 0 || i >= t.n {
		return fmt.Errorf("slot %d out of range [0,%d)", i, t.n)
	}
	atomic.StoreUintptr(t.slot(i), uintptr(e))
	return nil
}
