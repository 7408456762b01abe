// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package locator resolves the address of the hookable dispatch table and
// the index of the entry to intercept. This is the one genuinely
// platform-specific piece of the system; everything downstream only sees
// the resolved Target.
package locator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mbeema/interpose/pkg/events"
	"github.com/mbeema/interpose/pkg/table"
	"go.uber.org/zap"
)

var (
	// ErrNotFound reports that the table or entry identifier could not be
	// resolved. Resolution fails closed rather than guessing.
	ErrNotFound = errors.New("target not found")

	// ErrPermissionDenied reports that resolution requires privilege the
	// caller lacks (e.g. kernel addresses masked by kptr_restrict).
	ErrPermissionDenied = errors.New("permission denied resolving target")
)

// defaultEntryNumbers maps well-known entry names to their classic x86-64
// dispatch numbers. Config may extend or override these.
var defaultEntryNumbers = map[string]int{
	"read":  0,
	"write": 1,
	"open":  2,
	"close": 3,
}

// Resolver looks up a symbol and yields the address it names.
type Resolver interface {
	Resolve(ctx context.Context, symbol string) (uintptr, error)
}

// Spec describes what to locate.
type Spec struct {
	// Address, when non-zero, is an explicit table base override and
	// skips symbol resolution entirely.
	Address uintptr

	// Symbol names the exported symbol holding the table base. Used only
	// when Address is zero.
	Symbol string

	// Length is the table's slot count.
	Length int

	// Entry identifies the slot to intercept: a decimal index, or a name
	// resolved through EntryNumbers and the built-in defaults.
	Entry string

	// EntryNumbers extends the built-in entry-name mapping.
	EntryNumbers map[string]int
}

// Target is a fully resolved interception point.
type Target struct {
	Table  *table.Table
	Base   uintptr
	Length int
	Index  int
	Symbol string
}

// Locator applies the two resolution strategies in priority order:
// explicit address override first, then dynamic symbol resolution.
type Locator struct {
	resolver Resolver
	sink     events.Sink
	logger   *zap.Logger
}

// New creates a Locator. resolver may be nil when callers always supply
// an explicit address.
func New(resolver Resolver, sink events.Sink, logger *zap.Logger) *Locator {
	return &Locator{resolver: resolver, sink: sink, logger: logger}
}

// Locate resolves spec to a Target. Symbol resolution is bounded by ctx;
// a blocked resolver fails with ErrNotFound rather than hanging.
func (l *Locator) Locate(ctx context.Context, spec Spec) (Target, error) {
	if spec.Length <= 0 {
		return Target{}, fmt.Errorf("%w: table length %d", ErrNotFound, spec.Length)
	}

	base := spec.Address
	if base == 0 {
		if l.resolver == nil {
			return Target{}, fmt.Errorf("%w: no explicit address and no resolver", ErrNotFound)
		}
		if spec.Symbol == "" {
			return Target{}, fmt.Errorf("%w: empty table symbol", ErrNotFound)
		}
		addr, err := l.resolver.Resolve(ctx, spec.Symbol)
		if err != nil {
			return Target{}, err
		}
		base = addr
		l.logger.Debug("symbol resolved",
			zap.String("symbol", spec.Symbol),
			zap.Uintptr("address", base),
		)
	} else {
		l.logger.Debug("using explicit table address", zap.Uintptr("address", base))
	}

	index, err := entryIndex(spec)
	if err != nil {
		return Target{}, err
	}
	if index < 0 || index >= spec.Length {
		return Target{}, fmt.Errorf("%w: entry %q resolves to index %d outside table of %d slots",
			ErrNotFound, spec.Entry, index, spec.Length)
	}

	tgt := Target{
		Table:  table.NewAt(base, spec.Length),
		Base:   base,
		Length: spec.Length,
		Index:  index,
		Symbol: spec.Symbol,
	}
	if l.sink != nil {
		l.sink.Emit(events.Event{
			Type:    events.LocatorResolved,
			Index:   index,
			Symbol:  spec.Symbol,
			Address: base,
		})
	}
	return tgt, nil
}

func entryIndex(spec Spec) (int, error) {
	if spec.Entry == "" {
		return 0, fmt.Errorf("%w: empty entry identifier", ErrNotFound)
	}
	if n, err := strconv.Atoi(spec.Entry); err == nil {
		return n, nil
	}
	if n, ok := spec.EntryNumbers[spec.Entry]; ok {
		return n, nil
	}
	if n, ok := defaultEntryNumbers[spec.Entry]; ok {
		return n, nil
	}
	return 0, fmt.Errorf("%w: unknown entry identifier %q", ErrNotFound, spec.Entry)
}
