// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package table

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Callables maps opaque Entry handles to Go handlers, so table slots can
// carry function-pointer-like words without pinning Go pointers into raw
// memory. Handles are process-local and never reused.
//
// Resolve sits on the hot path of every dispatched call and takes no
// locks; Register is rare (install time) and may.
type Callables struct {
	next     atomic.Uintptr
	handlers sync.Map // Entry -> Handler
}

// NewCallables creates an empty handle registry.
func NewCallables() *Callables {
	c := &Callables{}
	// Start well away from 0 and from small sentinel values hosts may
	// pre-seed slots with.
	c.next.Store(0x10000)
	return c
}

// Register stores h and returns its handle. The handler is fully published
// before the handle is returned, so a handle observed through an atomic
// table load always resolves to a complete handler.
func (c *Callables) Register(h Handler) Entry {
	e := Entry(c.next.Add(1))
	c.handlers.Store(e, h)
	return e
}

// Resolve returns the handler for e, if e was registered here.
func (c *Callables) Resolve(e Entry) (Handler, bool) {
	v, ok := c.handlers.Load(e)
	if !ok {
		return nil, false
	}
	return v.(Handler), true
}

// Invoke dispatches through slot i of t: atomically loads the entry,
// resolves it, and calls it. This is what every caller of the hooked
// operation does; it must remain safe under unbounded concurrency and
// never touch the install/uninstall lock.
func (c *Callables) Invoke(t *Table, i int, fd int, p []byte) (int, error) {
	e, err := t.Load(i)
	if err != nil {
		return 0, err
	}
	h, ok := c.Resolve(e)
	if !ok {
		return 0, fmt.Errorf("slot %d holds unresolvable entry %#x", i, uintptr(e))
	}
	return h(fd, p)
}
