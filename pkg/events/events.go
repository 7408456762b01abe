// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Type identifies a structured observability event.
type Type string

const (
	LocatorResolved        Type = "locator_resolved"
	HookInstalled          Type = "hook_installed"
	HookUninstallRequested Type = "hook_uninstall_requested"
	ForeignPatchDetected   Type = "foreign_patch_detected"
	HookUninstalled        Type = "hook_uninstalled"
	ContentFiltered        Type = "content_filtered"
	FilterError            Type = "filter_error"
)

// Event is one observability record. Fields beyond Type and Time are
// populated per event type; sinks skip zero values.
type Event struct {
	Type Type
	Time time.Time

	Index   int     // slot index the event concerns
	Symbol  string  // resolved symbol (locator_resolved)
	Address uintptr // resolved table base (locator_resolved)

	Observed uintptr // foreign slot value (foreign_patch_detected)
	Forced   bool    // hook_uninstalled via the forced path

	Count   int      // content_filtered: substitutions performed
	RuleIDs []string // content_filtered: distinct matched rules

	Err string // filter_error detail
}

// Sink consumes events. Emit must be safe for concurrent use and must not
// block: content_filtered fires on the hot path of every intercepted call.
type Sink interface {
	Emit(Event)
}

// MultiSink fans an event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// ZapSink writes events to a zap logger. foreign_patch_detected and
// filter_error log at warn, everything else at info.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a zap-backed sink.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

func (s *ZapSink) Emit(e Event) {
	fields := Fields(e)
	switch e.Type {
	case ForeignPatchDetected, FilterError:
		s.logger.Warn(string(e.Type), fields...)
	default:
		s.logger.Info(string(e.Type), fields...)
	}
}

// Fields converts an event to zap fields, omitting zero values.
func Fields(e Event) []zapcore.Field {
	fields := []zapcore.Field{zap.Int("index", e.Index)}
	if e.Symbol != "" {
		fields = append(fields, zap.String("symbol", e.Symbol))
	}
	if e.Address != 0 {
		fields = append(fields, zap.Uintptr("address", e.Address))
	}
	if e.Observed != 0 {
		fields = append(fields, zap.Uintptr("observed", e.Observed))
	}
	if e.Type == HookUninstalled {
		fields = append(fields, zap.Bool("forced", e.Forced))
	}
	if e.Count > 0 {
		fields = append(fields, zap.Int("count", e.Count))
	}
	if len(e.RuleIDs) > 0 {
		fields = append(fields, zap.Strings("rule_ids", e.RuleIDs))
	}
	if e.Err != "" {
		fields = append(fields, zap.String("error", e.Err))
	}
	return fields
}
