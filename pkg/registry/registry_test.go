// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/mbeema/interpose/pkg/events"
	"github.com/mbeema/interpose/pkg/memguard"
	"github.com/mbeema/interpose/pkg/table"
	"go.uber.org/zap"
)

type captureSink struct {
	mu  sync.Mutex
	evs []events.Event
}

func (s *captureSink) Emit(e events.Event) {
	s.mu.Lock()
	s.evs = append(s.evs, e)
	s.mu.Unlock()
}

func (s *captureSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.evs))
	for i, e := range s.evs {
		out[i] = e.Type
	}
	return out
}

func newFixture() (*table.Table, *Registry, *captureSink) {
	slots := make([]table.Entry, 5)
	slots[2] = table.Entry(0xAAAA)
	tab := table.NewFromSlice(slots)
	sink := &captureSink{}
	reg := New(tab, memguard.NoopGuard{}, sink, zap.NewNop())
	return tab, reg, sink
}

const wrapperEntry = table.Entry(0x5000)

func wrapConst(table.Entry) table.Entry { return wrapperEntry }

func TestInstallSwapsSlotAndCapturesOriginal(t *testing.T) {
	tab, reg, sink := newFixture()

	rec, err := reg.Install(2, wrapConst)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if rec.Original() != table.Entry(0xAAAA) {
		t.Errorf("Original = %#x, want 0xAAAA", uintptr(rec.Original()))
	}
	got, _ := tab.Load(2)
	if got != wrapperEntry {
		t.Errorf("slot 2 = %#x, want wrapper %#x", uintptr(got), uintptr(wrapperEntry))
	}
	if !rec.Installed() {
		t.Error("record should be installed")
	}

	types := sink.types()
	if len(types) != 1 || types[0] != events.HookInstalled {
		t.Errorf("events = %v", types)
	}
}

func TestIdempotentRestore(t *testing.T) {
	tab, reg, _ := newFixture()

	before, _ := tab.Load(2)
	rec, err := reg.Install(2, wrapConst)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if err := reg.Uninstall(rec); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	after, _ := tab.Load(2)
	if after != before {
		t.Errorf("slot 2 after uninstall = %#x, want %#x", uintptr(after), uintptr(before))
	}
}

func TestAtMostOneActive(t *testing.T) {
	tab, reg, _ := newFixture()

	if _, err := reg.Install(2, wrapConst); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	slotBefore, _ := tab.Load(2)

	_, err := reg.Install(2, func(table.Entry) table.Entry { return table.Entry(0x6000) })
	if !errors.Is(err, ErrAlreadyInstalled) {
		t.Fatalf("second Install = %v, want ErrAlreadyInstalled", err)
	}
	slotAfter, _ := tab.Load(2)
	if slotAfter != slotBefore {
		t.Errorf("second install mutated slot: %#x -> %#x", uintptr(slotBefore), uintptr(slotAfter))
	}
}

func TestForeignPatchDetection(t *testing.T) {
	tab, reg, sink := newFixture()

	rec, err := reg.Install(2, wrapConst)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	// A third party re-patches the same slot.
	foreign := table.Entry(0xC0FFEE)
	tab.Store(2, foreign)

	err = reg.Uninstall(rec)
	if !errors.Is(err, ErrForeignPatch) {
		t.Fatalf("Uninstall = %v, want ErrForeignPatch", err)
	}

	// The foreign hook is not silently clobbered.
	got, _ := tab.Load(2)
	if got != foreign {
		t.Errorf("slot 2 = %#x, want foreign %#x", uintptr(got), uintptr(foreign))
	}
	if !rec.Installed() {
		t.Error("record should remain installed after refused restore")
	}

	var sawForeign bool
	for _, e := range sink.evs {
		if e.Type == events.ForeignPatchDetected {
			sawForeign = true
			if e.Observed != uintptr(foreign) {
				t.Errorf("event observed = %#x, want %#x", e.Observed, uintptr(foreign))
			}
		}
	}
	if !sawForeign {
		t.Error("no foreign_patch_detected event")
	}
}

func TestForceUninstallOverridesForeignPatch(t *testing.T) {
	tab, reg, sink := newFixture()

	rec, err := reg.Install(2, wrapConst)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	tab.Store(2, table.Entry(0xC0FFEE))

	if err := reg.ForceUninstall(rec); err != nil {
		t.Fatalf("ForceUninstall: %v", err)
	}
	got, _ := tab.Load(2)
	if got != table.Entry(0xAAAA) {
		t.Errorf("slot 2 = %#x, want original 0xAAAA", uintptr(got))
	}

	var sawForeign, sawForced bool
	for _, e := range sink.evs {
		if e.Type == events.ForeignPatchDetected {
			sawForeign = true
		}
		if e.Type == events.HookUninstalled && e.Forced {
			sawForced = true
		}
	}
	if !sawForeign || !sawForced {
		t.Errorf("events = %v, want foreign_patch_detected and forced hook_uninstalled", sink.types())
	}
}

func TestUninstallTwice(t *testing.T) {
	_, reg, _ := newFixture()

	rec, _ := reg.Install(2, wrapConst)
	if err := reg.Uninstall(rec); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if err := reg.Uninstall(rec); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("second Uninstall = %v, want ErrNotInstalled", err)
	}
	if err := reg.ForceUninstall(rec); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("ForceUninstall after uninstall = %v, want ErrNotInstalled", err)
	}
}

func TestReinstallAfterUninstall(t *testing.T) {
	tab, reg, _ := newFixture()

	rec, _ := reg.Install(2, wrapConst)
	reg.Uninstall(rec)

	rec2, err := reg.Install(2, wrapConst)
	if err != nil {
		t.Fatalf("reinstall: %v", err)
	}
	if rec2.Original() != table.Entry(0xAAAA) {
		t.Errorf("reinstall Original = %#x", uintptr(rec2.Original()))
	}
	got, _ := tab.Load(2)
	if got != wrapperEntry {
		t.Errorf("slot 2 = %#x", uintptr(got))
	}
}

func TestStatus(t *testing.T) {
	_, reg, _ := newFixture()

	if got := reg.Status(); len(got) != 0 {
		t.Fatalf("Status before install = %v", got)
	}
	reg.Install(2, wrapConst)
	st := reg.Status()
	if len(st) != 1 {
		t.Fatalf("Status = %v", st)
	}
	if st[0].Index != 2 || st[0].State != "installed" || st[0].Original != 0xAAAA {
		t.Errorf("Status[0] = %+v", st[0])
	}
}

type failingGuard struct{}

func (failingGuard) Acquire(memguard.Region) (*memguard.Token, error) {
	return nil, memguard.ErrPermissionDenied
}

func TestInstallGuardFailureSurfaces(t *testing.T) {
	slots := make([]table.Entry, 5)
	tab := table.NewFromSlice(slots)
	reg := New(tab, failingGuard{}, nil, zap.NewNop())

	_, err := reg.Install(1, wrapConst)
	if !errors.Is(err, memguard.ErrPermissionDenied) {
		t.Fatalf("Install = %v, want ErrPermissionDenied", err)
	}
}

func TestForceUninstallCompletesOnGuardFailure(t *testing.T) {
	slots := make([]table.Entry, 5)
	slots[2] = table.Entry(0xAAAA)
	tab := table.NewFromSlice(slots)

	// Install with a working guard, then break the guard for teardown.
	reg := New(tab, memguard.NoopGuard{}, nil, zap.NewNop())
	rec, _ := reg.Install(2, wrapConst)
	reg.guard = failingGuard{}

	err := reg.ForceUninstall(rec)
	if !errors.Is(err, memguard.ErrPermissionDenied) {
		t.Fatalf("ForceUninstall = %v, want surfaced guard error", err)
	}
	// The record is released regardless so unload can complete.
	if rec.Installed() {
		t.Error("record still installed after forced teardown")
	}
	if len(reg.Status()) != 0 {
		t.Error("registry still tracks the record")
	}
}
