// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package wrapper implements the replacement handler installed into an
// intercepted slot. It delegates to the saved original, scans a private
// copy of the result buffer, and writes substitutions back in place —
// never changing the result the caller sees. Filtering is best-effort: a
// capture or write-back failure degrades to passing the original result
// through unfiltered.
package wrapper

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/mbeema/interpose/pkg/events"
	"github.com/mbeema/interpose/pkg/filter"
	"github.com/mbeema/interpose/pkg/table"
	"go.uber.org/zap"
)

// ErrBufferAccess reports that the caller's buffer could not be captured
// or written back. It is contained here and never surfaced to the caller
// of the intercepted operation.
var ErrBufferAccess = errors.New("buffer access failed")

// Copier moves bytes between the caller-visible buffer and the wrapper's
// private capture. The default copies directly; kernel-proximate hosts
// substitute their copy_from_user/copy_to_user equivalents, and tests
// inject failures.
type Copier interface {
	// CopyIn captures the caller's bytes (src) into the scratch copy (dst).
	CopyIn(dst, src []byte) error
	// CopyOut writes filtered bytes (src) back into the caller's buffer (dst).
	CopyOut(dst, src []byte) error
}

type directCopier struct{}

func (directCopier) CopyIn(dst, src []byte) error  { copy(dst, src); return nil }
func (directCopier) CopyOut(dst, src []byte) error { copy(dst, src); return nil }

// Direct is the in-process Copier.
var Direct Copier = directCopier{}

// Wrapper builds the replacement handler for one intercepted slot.
// The original entry is immutable once set; the filter engine may be
// swapped at runtime through an atomic pointer, so the dispatch path
// takes no locks.
type Wrapper struct {
	original  table.Entry
	callables *table.Callables
	engine    atomic.Pointer[filter.Engine]
	copier    Copier
	sink      events.Sink
	logger    *zap.Logger
	index     int

	scratch sync.Pool // *[]byte, one bounded copy per in-flight call
}

// New creates a wrapper delegating to original. engine may be nil
// (pass-through until SetEngine). sink may be nil.
func New(original table.Entry, index int, callables *table.Callables, engine *filter.Engine, copier Copier, sink events.Sink, logger *zap.Logger) *Wrapper {
	if copier == nil {
		copier = Direct
	}
	if sink == nil {
		sink = events.MultiSink(nil)
	}
	w := &Wrapper{
		original:  original,
		callables: callables,
		copier:    copier,
		sink:      sink,
		logger:    logger,
		index:     index,
	}
	w.engine.Store(engine)
	w.scratch.New = func() any {
		b := make([]byte, 0, 4096)
		return &b
	}
	return w
}

// SetEngine swaps the filter rule set. In-flight calls finish with the
// engine they loaded; new calls see the new rules.
func (w *Wrapper) SetEngine(e *filter.Engine) {
	w.engine.Store(e)
}

// Handler returns the callable installed into the slot.
func (w *Wrapper) Handler() table.Handler {
	return w.invoke
}

func (w *Wrapper) invoke(fd int, p []byte) (int, error) {
	orig, ok := w.callables.Resolve(w.original)
	if !ok {
		// Without a resolvable original there is nothing to delegate to;
		// this is host misconfiguration, not a filtering failure.
		return 0, errors.New("original entry is not callable")
	}

	n, err := orig(fd, p)
	if err != nil || n <= 0 || len(p) == 0 {
		return n, err
	}
	eng := w.engine.Load()
	if eng == nil || eng.Empty() {
		return n, err
	}
	if n > len(p) {
		n = len(p) // defensively bound by the caller's buffer
	}

	bp := w.scratch.Get().(*[]byte)
	defer w.scratch.Put(bp)
	if cap(*bp) < n {
		*bp = make([]byte, 0, n)
	}
	buf := (*bp)[:n]

	if cerr := w.copier.CopyIn(buf, p[:n]); cerr != nil {
		w.reportFilterError(cerr)
		return n, err
	}

	modified, count, ruleIDs := eng.ScanAndSubstitute(buf)
	if !modified {
		return n, err
	}

	if cerr := w.copier.CopyOut(p[:n], buf); cerr != nil {
		w.reportFilterError(cerr)
		return n, err
	}

	w.sink.Emit(events.Event{
		Type:    events.ContentFiltered,
		Index:   w.index,
		Count:   count,
		RuleIDs: ruleIDs,
	})
	return n, err
}

func (w *Wrapper) reportFilterError(cause error) {
	err := errors.Join(ErrBufferAccess, cause)
	w.logger.Warn("content filtering skipped", zap.Int("index", w.index), zap.Error(err))
	w.sink.Emit(events.Event{
		Type:  events.FilterError,
		Index: w.index,
		Err:   err.Error(),
	})
}
