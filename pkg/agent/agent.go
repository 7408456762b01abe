// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package agent wires the interception pipeline together: it locates the
// target table, installs and removes the wrapper through the registry,
// fans events out to the export pipeline, and exposes the admin surface.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mbeema/interpose/pkg/config"
	"github.com/mbeema/interpose/pkg/events"
	"github.com/mbeema/interpose/pkg/export"
	"github.com/mbeema/interpose/pkg/filter"
	"github.com/mbeema/interpose/pkg/health"
	"github.com/mbeema/interpose/pkg/locator"
	"github.com/mbeema/interpose/pkg/memguard"
	"github.com/mbeema/interpose/pkg/registry"
	"github.com/mbeema/interpose/pkg/table"
	"github.com/mbeema/interpose/pkg/wrapper"
	"go.uber.org/zap"
)

// Host supplies the environment-dependent pieces the agent patches
// against. The demo binary wires an in-process table; a kernel-proximate
// host would supply its own resolver, guard, and copier.
type Host struct {
	// Resolver resolves the table symbol when no explicit address is
	// configured. May be nil if config always carries an address.
	Resolver locator.Resolver

	// Callables maps opaque table entries to invokable handlers. Required
	// for dispatch; defaults to a fresh registry.
	Callables *table.Callables

	// Guard makes the slot writable around patching. Defaults to the
	// no-op guard for tables in ordinary writable memory.
	Guard memguard.Guard

	// Copier moves bytes between the caller's buffer and the filter's
	// scratch copy. Defaults to the in-process direct copier.
	Copier wrapper.Copier
}

// Agent owns the hook lifecycle for one intercepted entry.
type Agent struct {
	logger  *zap.Logger
	version string
	host    Host
	cfg     atomic.Pointer[config.Config]

	stats   *health.Stats
	manager *export.Manager
	sink    events.Sink
	admin   *health.Server

	mu      sync.Mutex
	loc     *locator.Locator
	reg     *registry.Registry
	target  locator.Target
	record  *registry.Record
	wrapper *wrapper.Wrapper
}

// New creates an agent. Missing host pieces get in-process defaults.
func New(cfg *config.Config, host Host, version string, logger *zap.Logger) *Agent {
	if host.Callables == nil {
		host.Callables = table.NewCallables()
	}
	if host.Guard == nil {
		host.Guard = memguard.NoopGuard{}
	}
	if host.Copier == nil {
		host.Copier = wrapper.Direct
	}
	a := &Agent{
		logger:  logger,
		version: version,
		host:    host,
		stats:   health.NewStats(),
	}
	a.cfg.Store(cfg)
	return a
}

// Stats exposes the agent's self-monitoring counters.
func (a *Agent) Stats() *health.Stats { return a.stats }

// statsSink bumps counters as events flow past. It sits alongside the
// log and export sinks so the counters stay accurate even when export is
// disabled.
type statsSink struct {
	stats *health.Stats
}

func (s statsSink) Emit(e events.Event) {
	switch e.Type {
	case events.HookInstalled:
		s.stats.Installs.Add(1)
	case events.HookUninstalled:
		if e.Forced {
			s.stats.ForcedUninstalls.Add(1)
		} else {
			s.stats.Uninstalls.Add(1)
		}
	case events.ForeignPatchDetected:
		s.stats.ForeignPatches.Add(1)
	case events.ContentFiltered:
		s.stats.FilteredReads.Add(1)
		s.stats.Substitutions.Add(int64(e.Count))
	case events.FilterError:
		s.stats.FilterErrors.Add(1)
	}
}

// Start builds the event pipeline, resolves the target, installs the
// hook, and brings up the admin server.
func (a *Agent) Start(ctx context.Context) error {
	cfg := a.cfg.Load()

	sinks := events.MultiSink{statsSink{stats: a.stats}, events.NewZapSink(a.logger)}

	exporters, err := a.buildExporters(cfg)
	if err != nil {
		return err
	}
	if len(exporters) > 0 {
		a.manager = export.NewManager(exporters, a.logger)
		a.manager.OnDrop(func() { a.stats.EventsDropped.Add(1) })
		a.manager.OnExport(func(n int) { a.stats.EventsExported.Add(int64(n)) })
		a.manager.Start(ctx)
		sinks = append(sinks, a.manager)
	}
	a.sink = sinks

	a.loc = locator.New(a.host.Resolver, a.sink, a.logger)

	tgt, err := a.loc.Locate(ctx, locator.Spec{
		Address:      uintptr(cfg.Hook.Table.Address),
		Symbol:       cfg.Hook.Table.Symbol,
		Length:       cfg.Hook.Table.Length,
		Entry:        cfg.Hook.Entry,
		EntryNumbers: cfg.Hook.EntryNumbers,
	})
	if err != nil {
		return fmt.Errorf("locate target: %w", err)
	}
	a.target = tgt
	a.reg = registry.New(tgt.Table, a.host.Guard, a.sink, a.logger)

	a.logger.Info("target resolved",
		zap.String("symbol", tgt.Symbol),
		zap.Uintptr("base", tgt.Base),
		zap.Int("length", tgt.Length),
		zap.Int("index", tgt.Index),
	)

	if err := a.InstallHook(); err != nil {
		return err
	}

	if cfg.Admin.Enabled {
		a.admin = health.NewServer(cfg.Admin.Addr, a.version, a.stats, a, a.logger)
		if err := a.admin.Start(ctx); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		a.admin.SetReady(true)
	}
	return nil
}

func (a *Agent) buildExporters(cfg *config.Config) ([]export.Exporter, error) {
	var exporters []export.Exporter
	if cfg.Exporters.Stdout.Enabled {
		exporters = append(exporters, export.NewStdoutExporter(cfg.Exporters.Stdout.Format, a.logger))
	}
	if cfg.Exporters.OTLP.Enabled {
		otlp, err := export.NewOTLPExporter(&cfg.Exporters.OTLP, cfg.ServiceName, a.logger)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		exporters = append(exporters, otlp)
	}
	return exporters, nil
}

// InstallHook swaps the wrapper into the resolved slot. The wrapper is
// fully constructed before the registry publishes it, so a concurrent
// dispatch never sees a half-built replacement.
func (a *Agent) InstallHook() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reg == nil {
		return locator.ErrNotFound
	}

	cfg := a.cfg.Load()
	var engine *filter.Engine
	if rules := cfg.FilterRules(); rules != nil {
		var err error
		engine, err = filter.Compile(rules)
		if err != nil {
			return err
		}
	}

	rec, err := a.reg.Install(a.target.Index, func(original table.Entry) table.Entry {
		w := wrapper.New(original, a.target.Index, a.host.Callables, engine, a.host.Copier, a.sink, a.logger)
		a.wrapper = w
		return a.host.Callables.Register(w.Handler())
	})
	if err != nil {
		return err
	}
	a.record = rec
	return nil
}

// UninstallHook politely restores the saved original. A foreign patch in
// the slot aborts the restore and surfaces ErrForeignPatch; the record
// stays installed so the caller can retry or escalate to force.
func (a *Agent) UninstallHook() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.record == nil {
		return registry.ErrNotInstalled
	}
	if err := a.reg.Uninstall(a.record); err != nil {
		return err
	}
	a.record = nil
	a.wrapper = nil
	return nil
}

// ForceUninstallHook restores the saved original unconditionally.
func (a *Agent) ForceUninstallHook() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.record == nil {
		return registry.ErrNotInstalled
	}
	err := a.reg.ForceUninstall(a.record)
	a.record = nil
	a.wrapper = nil
	return err
}

// HookStatus reports the registry's active records.
func (a *Agent) HookStatus() []registry.RecordStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reg == nil {
		return nil
	}
	return a.reg.Status()
}

// Reload applies a new configuration. Only the filter rule set and log
// surface are hot-swappable; table and entry changes require a restart.
// An invalid rule set keeps the previous engine in place.
func (a *Agent) Reload(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var engine *filter.Engine
	if rules := cfg.FilterRules(); rules != nil {
		var err error
		engine, err = filter.Compile(rules)
		if err != nil {
			return fmt.Errorf("reload rejected: %w", err)
		}
	}

	old := a.cfg.Load()
	if cfg.Hook.Table != old.Hook.Table || cfg.Hook.Entry != old.Hook.Entry {
		a.logger.Warn("hook target changed in config, restart required to apply")
	}

	a.cfg.Store(cfg)
	if a.wrapper != nil {
		a.wrapper.SetEngine(engine)
	}
	a.logger.Info("configuration reloaded",
		zap.Bool("filter_enabled", cfg.Filter.Enabled),
		zap.Int("rules", len(cfg.Filter.Rules)),
	)
	return nil
}

// Stop tears the agent down: polite uninstall first, escalating to a
// forced restore when configured, then the admin server and the export
// pipeline (which drains queued events before returning).
func (a *Agent) Stop(ctx context.Context) error {
	cfg := a.cfg.Load()
	if deadline, ok := ctx.Deadline(); ok {
		a.logger.Debug("shutdown deadline set", zap.Time("deadline", deadline))
	}

	var firstErr error
	if err := a.UninstallHook(); err != nil && !errors.Is(err, registry.ErrNotInstalled) {
		if errors.Is(err, registry.ErrForeignPatch) && cfg.Hook.Teardown.ForceOnExit {
			a.logger.Warn("polite uninstall refused, forcing restore on exit")
			if ferr := a.ForceUninstallHook(); ferr != nil {
				firstErr = ferr
			}
		} else {
			firstErr = err
		}
	}

	if a.admin != nil {
		a.admin.SetReady(false)
		if err := a.admin.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.manager != nil {
		a.manager.Stop()
	}
	return firstErr
}
