// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package registry owns the interception state machine: which slots hold
// an installed wrapper, what the saved originals are, and the swap-in and
// swap-out of wrappers under the protection guard.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/mbeema/interpose/pkg/events"
	"github.com/mbeema/interpose/pkg/memguard"
	"github.com/mbeema/interpose/pkg/table"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyInstalled reports an install on a slot that already has an
	// active interception (at-most-one-active invariant).
	ErrAlreadyInstalled = errors.New("interception already installed for slot")

	// ErrNotInstalled reports an uninstall of a record that is not
	// installed.
	ErrNotInstalled = errors.New("interception not installed")

	// ErrForeignPatch reports that the slot no longer holds the wrapper
	// this registry installed: some other actor has re-patched it since.
	// The polite uninstall path refuses to clobber the foreign hook.
	ErrForeignPatch = errors.New("slot re-patched by another actor")
)

// State is the lifecycle position of a Record.
type State int

const (
	Uninstalled State = iota
	Installing
	Installed
	Uninstalling
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Uninstalling:
		return "uninstalling"
	default:
		return "unknown"
	}
}

// Record tracks one interception. The original entry is captured exactly
// once, at install time, and never changes afterwards.
type Record struct {
	index    int
	original table.Entry
	wrapper  table.Entry
	state    State
}

// Index returns the slot position this record intercepts.
func (r *Record) Index() int { return r.index }

// Original returns the entry value saved at install time.
func (r *Record) Original() table.Entry { return r.original }

// Wrapper returns the installed replacement entry.
func (r *Record) Wrapper() table.Entry { return r.wrapper }

// Installed reports whether the interception is currently active.
func (r *Record) Installed() bool { return r.state == Installed }

// RecordStatus is a point-in-time view of a record for the admin surface.
type RecordStatus struct {
	Index    int    `json:"index"`
	State    string `json:"state"`
	Original uint64 `json:"original"`
	Wrapper  uint64 `json:"wrapper"`
}

// Registry performs the atomic swap-in and swap-out of wrappers. Install
// and uninstall are rare administrative operations serialized through one
// process-wide lock; the dispatch hot path never touches it.
type Registry struct {
	mu      sync.Mutex
	tab     *table.Table
	guard   memguard.Guard
	sink    events.Sink
	logger  *zap.Logger
	records map[int]*Record
}

// New creates a registry over tab. Writes to the table go through guard.
func New(tab *table.Table, guard memguard.Guard, sink events.Sink, logger *zap.Logger) *Registry {
	if sink == nil {
		sink = events.MultiSink(nil)
	}
	return &Registry{
		tab:     tab,
		guard:   guard,
		sink:    sink,
		logger:  logger,
		records: make(map[int]*Record),
	}
}

func (g *Registry) slotRegion(index int) memguard.Region {
	return memguard.Region{
		Addr: g.tab.SlotAddr(index),
		Len:  int(unsafe.Sizeof(table.Entry(0))),
	}
}

// Install intercepts slot index. The current entry is read under the
// guard and captured as the record's original; wrap is then called with
// it to produce the fully constructed replacement entry, which is
// published with a single atomic store. Readers of the slot therefore
// never observe a partially built wrapper.
//
// The read-then-write is not atomic as one unit; a concurrent unrelated
// installer racing the same slot is an accepted hazard of shared-table
// patching, mitigated by serializing all installs through this registry's
// lock.
func (g *Registry) Install(index int, wrap func(original table.Entry) table.Entry) (*Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.records[index]; ok && prev.state != Uninstalled {
		return nil, fmt.Errorf("%w: slot %d is %s", ErrAlreadyInstalled, index, prev.state)
	}

	rec := &Record{index: index, state: Installing}

	tok, err := g.guard.Acquire(g.slotRegion(index))
	if err != nil {
		return nil, fmt.Errorf("install slot %d: %w", index, err)
	}
	defer tok.Release()

	cur, err := g.tab.Load(index)
	if err != nil {
		return nil, fmt.Errorf("install slot %d: %w", index, err)
	}
	rec.original = cur
	rec.wrapper = wrap(cur)

	if err := g.tab.Store(index, rec.wrapper); err != nil {
		return nil, fmt.Errorf("install slot %d: %w", index, err)
	}
	rec.state = Installed
	g.records[index] = rec

	g.logger.Info("hook installed",
		zap.Int("index", index),
		zap.Uintptr("original", uintptr(rec.original)),
		zap.Uintptr("wrapper", uintptr(rec.wrapper)),
	)
	g.sink.Emit(events.Event{Type: events.HookInstalled, Index: index})
	return rec, nil
}

// Uninstall restores the saved original, but only if the slot still holds
// the wrapper this registry installed. If a third party has re-patched
// the slot since, the restore is aborted and the foreign value is left in
// place: blindly writing the original back would silently unhook them.
// Once the check passes the restore write always completes; it is not
// cancellable.
func (g *Registry) Uninstall(rec *Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec == nil || rec.state != Installed {
		return ErrNotInstalled
	}
	g.sink.Emit(events.Event{Type: events.HookUninstallRequested, Index: rec.index})
	rec.state = Uninstalling

	cur, err := g.tab.Load(rec.index)
	if err != nil {
		rec.state = Installed
		return fmt.Errorf("uninstall slot %d: %w", rec.index, err)
	}
	if cur != rec.wrapper {
		rec.state = Installed
		g.logger.Warn("slot not at expected value, refusing restore",
			zap.Int("index", rec.index),
			zap.Uintptr("expected", uintptr(rec.wrapper)),
			zap.Uintptr("observed", uintptr(cur)),
		)
		g.sink.Emit(events.Event{
			Type:     events.ForeignPatchDetected,
			Index:    rec.index,
			Observed: uintptr(cur),
		})
		return fmt.Errorf("%w: slot %d holds %#x, expected wrapper %#x",
			ErrForeignPatch, rec.index, uintptr(cur), uintptr(rec.wrapper))
	}

	tok, err := g.guard.Acquire(g.slotRegion(rec.index))
	if err != nil {
		rec.state = Installed
		return fmt.Errorf("uninstall slot %d: %w", rec.index, err)
	}
	defer tok.Release()

	if err := g.tab.Store(rec.index, rec.original); err != nil {
		rec.state = Installed
		return fmt.Errorf("uninstall slot %d: %w", rec.index, err)
	}
	rec.state = Uninstalled
	delete(g.records, rec.index)

	g.logger.Info("hook uninstalled", zap.Int("index", rec.index))
	g.sink.Emit(events.Event{Type: events.HookUninstalled, Index: rec.index})
	return nil
}

// ForceUninstall writes the saved original back unconditionally, for use
// at process exit when completing unload outranks inter-hook politeness.
// A foreign patch is still reported, then overwritten. If even the
// guarded write fails the record is marked uninstalled anyway — leaking a
// stale hook is preferable to wedging unload.
func (g *Registry) ForceUninstall(rec *Record) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rec == nil || rec.state == Uninstalled {
		return ErrNotInstalled
	}
	g.sink.Emit(events.Event{Type: events.HookUninstallRequested, Index: rec.index})

	if cur, err := g.tab.Load(rec.index); err == nil && cur != rec.wrapper {
		g.logger.Warn("forced restore over foreign patch",
			zap.Int("index", rec.index),
			zap.Uintptr("observed", uintptr(cur)),
		)
		g.sink.Emit(events.Event{
			Type:     events.ForeignPatchDetected,
			Index:    rec.index,
			Observed: uintptr(cur),
		})
	}

	var restoreErr error
	tok, err := g.guard.Acquire(g.slotRegion(rec.index))
	if err != nil {
		restoreErr = fmt.Errorf("force uninstall slot %d: %w", rec.index, err)
	} else {
		defer tok.Release()
		if err := g.tab.Store(rec.index, rec.original); err != nil {
			restoreErr = fmt.Errorf("force uninstall slot %d: %w", rec.index, err)
		}
	}

	rec.state = Uninstalled
	delete(g.records, rec.index)

	if restoreErr != nil {
		g.logger.Error("forced restore failed, hook leaked", zap.Error(restoreErr))
	} else {
		g.logger.Info("hook force-uninstalled", zap.Int("index", rec.index))
	}
	g.sink.Emit(events.Event{Type: events.HookUninstalled, Index: rec.index, Forced: true})
	return restoreErr
}

// Status returns a snapshot of all active records, ordered by index.
func (g *Registry) Status() []RecordStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]RecordStatus, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, RecordStatus{
			Index:    rec.index,
			State:    rec.state.String(),
			Original: uint64(rec.original),
			Wrapper:  uint64(rec.wrapper),
		})
	}
	// Small n; insertion sort keeps it dependency-free.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Index > out[j].Index; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
