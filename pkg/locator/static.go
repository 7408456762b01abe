// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package locator

import (
	"context"
	"fmt"
	"sync"
)

// StaticResolver is an in-process symbol registry. The host environment
// registers the addresses of the tables it exports; lookup never blocks.
type StaticResolver struct {
	mu   sync.RWMutex
	syms map[string]uintptr
}

// NewStaticResolver creates an empty registry.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{syms: make(map[string]uintptr)}
}

// Register exports addr under name, replacing any previous registration.
func (r *StaticResolver) Register(name string, addr uintptr) {
	r.mu.Lock()
	r.syms[name] = addr
	r.mu.Unlock()
}

func (r *StaticResolver) Resolve(_ context.Context, symbol string) (uintptr, error) {
	r.mu.RLock()
	addr, ok := r.syms[symbol]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: symbol %q not registered", ErrNotFound, symbol)
	}
	return addr, nil
}
