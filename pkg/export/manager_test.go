// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbeema/interpose/pkg/events"
	"go.uber.org/zap"
)

type stubExporter struct {
	mu       sync.Mutex
	batches  [][]events.Event
	failWith error
}

func (s *stubExporter) ExportEvents(_ context.Context, evs []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	batch := make([]events.Event, len(evs))
	copy(batch, evs)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *stubExporter) Shutdown(context.Context) error { return nil }

func (s *stubExporter) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestManagerDeliversOnStop(t *testing.T) {
	stub := &stubExporter{}
	m := NewManager([]Exporter{stub}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.Emit(events.Event{Type: events.HookInstalled, Index: 2})
	m.Emit(events.Event{Type: events.ContentFiltered, Index: 2, Count: 1})
	m.Stop()

	if got := stub.total(); got != 2 {
		t.Errorf("delivered %d events, want 2", got)
	}
}

func TestManagerStampsTime(t *testing.T) {
	stub := &stubExporter{}
	m := NewManager([]Exporter{stub}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	m.Emit(events.Event{Type: events.HookInstalled})
	m.Stop()

	if stub.total() != 1 {
		t.Fatalf("delivered %d events", stub.total())
	}
	if stub.batches[0][0].Time.IsZero() {
		t.Error("event time not stamped")
	}
}

func TestManagerDropsWhenQueueFull(t *testing.T) {
	stub := &stubExporter{}
	m := NewManager([]Exporter{stub}, zap.NewNop())

	var drops int
	m.OnDrop(func() { drops++ })

	// No flush loop running: the queue fills, then Emit drops.
	for i := 0; i < defaultQueueSize+10; i++ {
		m.Emit(events.Event{Type: events.ContentFiltered})
	}
	if drops != 10 {
		t.Errorf("drops = %d, want 10", drops)
	}
}

func TestManagerFlushesByTicker(t *testing.T) {
	stub := &stubExporter{}
	m := NewManager([]Exporter{stub}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.Emit(events.Event{Type: events.HookInstalled})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if stub.total() == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("event not flushed within deadline, delivered %d", stub.total())
}
