package export

import (
	"context"
	"sync"
	"time"

	"github.com/mbeema/interpose/pkg/events"
	"go.uber.org/zap"
)

// Exporter delivers a batch of events to one destination.
type Exporter interface {
	ExportEvents(ctx context.Context, evs []events.Event) error
	Shutdown(ctx context.Context) error
}

// Manager is an events.Sink that decouples the emitting hot path from
// delivery: Emit is a non-blocking enqueue, a background loop batches and
// flushes to the configured exporters behind a circuit breaker. A full
// queue drops the event and counts it; the dispatch path never stalls on
// a slow collector.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter
	breaker   *CircuitBreaker

	queue  chan events.Event
	wg     sync.WaitGroup
	stopCh chan struct{}

	onDrop   func()
	onExport func(int)
}

const (
	defaultQueueSize  = 1024
	defaultBatchSize  = 64
	defaultFlushEvery = time.Second
)

// NewManager creates an export manager over the given exporters.
func NewManager(exporters []Exporter, logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger,
		exporters: exporters,
		breaker:   NewCircuitBreaker(5, 30*time.Second),
		queue:     make(chan events.Event, defaultQueueSize),
		stopCh:    make(chan struct{}),
	}
}

// OnDrop registers a callback invoked for each dropped event.
func (m *Manager) OnDrop(f func()) { m.onDrop = f }

// OnExport registers a callback invoked with each exported batch size.
func (m *Manager) OnExport(f func(int)) { m.onExport = f }

// Emit enqueues an event for export. Never blocks.
func (m *Manager) Emit(e events.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case m.queue <- e:
	default:
		if m.onDrop != nil {
			m.onDrop()
		}
	}
}

// Start begins the flush loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.flushLoop(ctx)
}

// Stop drains the queue and shuts the exporters down.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range m.exporters {
		if err := e.Shutdown(ctx); err != nil {
			m.logger.Warn("exporter shutdown error", zap.Error(err))
		}
	}
}

func (m *Manager) flushLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(defaultFlushEvery)
	defer ticker.Stop()

	batch := make([]events.Event, 0, defaultBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.export(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case e := <-m.queue:
			batch = append(batch, e)
			if len(batch) >= defaultBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-ctx.Done():
			flush()
			return

		case <-m.stopCh:
			// Drain whatever is queued, then flush once.
			for {
				select {
				case e := <-m.queue:
					batch = append(batch, e)
					if len(batch) >= defaultBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (m *Manager) export(ctx context.Context, batch []events.Event) {
	if !m.breaker.Allow() {
		if m.onDrop != nil {
			for range batch {
				m.onDrop()
			}
		}
		return
	}

	var failed bool
	for _, e := range m.exporters {
		if err := e.ExportEvents(ctx, batch); err != nil {
			failed = true
			m.logger.Warn("event export failed", zap.Error(err))
		}
	}
	if failed {
		m.breaker.RecordFailure()
		return
	}
	m.breaker.RecordSuccess()
	if m.onExport != nil {
		m.onExport(len(batch))
	}
}
