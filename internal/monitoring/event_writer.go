// Package monitoring provides the job event audit trail.
package monitoring

import (
	"context"
	"time"

	"github.com/spherical-ai/docpipe/internal/observability"
	"github.com/spherical-ai/docpipe/internal/storage"
)

// EventWriter buffers job lifecycle events and persists them in batches.
// Recording is best-effort: a full buffer or failed flush is logged and the
// event dropped, never surfaced to the job that produced it.
type EventWriter struct {
	logger *observability.Logger
	store  EventStore
	buffer chan *storage.JobEvent
	config EventWriterConfig
	stopCh chan struct{}
	doneCh chan struct{}
}

// EventStore persists job events.
type EventStore interface {
	Insert(ctx context.Context, event *storage.JobEvent) error
	InsertBatch(ctx context.Context, events []*storage.JobEvent) error
}

// EventWriterConfig configures the event writer.
type EventWriterConfig struct {
	BufferSize    int
	FlushInterval time.Duration
	EnableAsync   bool
}

// DefaultEventWriterConfig returns default event writer configuration.
func DefaultEventWriterConfig() EventWriterConfig {
	return EventWriterConfig{
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
		EnableAsync:   true,
	}
}

// NewEventWriter creates a new event writer. A nil store puts the writer in
// log-only mode.
func NewEventWriter(logger *observability.Logger, store EventStore, config EventWriterConfig) *EventWriter {
	if logger == nil {
		logger = observability.Nop()
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	w := &EventWriter{
		logger: logger.WithComponent("job_events"),
		store:  store,
		buffer: make(chan *storage.JobEvent, config.BufferSize),
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if config.EnableAsync {
		go w.runFlushLoop()
	} else {
		close(w.doneCh)
	}

	return w
}

// Record queues a job event for persistence. Never blocks and never fails.
func (w *EventWriter) Record(event storage.JobEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	if w.config.EnableAsync {
		select {
		case w.buffer <- &event:
		default:
			w.logger.Warn().Msg("Event buffer full, dropping job event")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.writeEvent(ctx, &event)
}

// writeEvent persists a single event to storage.
func (w *EventWriter) writeEvent(ctx context.Context, event *storage.JobEvent) {
	if w.store == nil {
		// Log only mode
		w.logger.Info().
			Str("job_id", event.JobID.String()).
			Str("event", string(event.Event)).
			Msg("Job event (no store)")
		return
	}

	if err := w.store.Insert(ctx, event); err != nil {
		w.logger.Error().Err(err).Str("job_id", event.JobID.String()).Msg("Failed to write job event")
	}
}

// runFlushLoop periodically flushes buffered events.
func (w *EventWriter) runFlushLoop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	var batch []*storage.JobEvent

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= 100 {
				w.flushBatch(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(batch)
				batch = nil
			}
		case <-w.stopCh:
			// Drain whatever arrived before the stop.
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						w.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

// flushBatch writes a batch of events.
func (w *EventWriter) flushBatch(batch []*storage.JobEvent) {
	if w.store == nil {
		for _, event := range batch {
			w.logger.Info().
				Str("job_id", event.JobID.String()).
				Str("event", string(event.Event)).
				Msg("Job event (batch, no store)")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.store.InsertBatch(ctx, batch); err != nil {
		w.logger.Error().Err(err).Int("count", len(batch)).Msg("Failed to flush job event batch")
	} else {
		w.logger.Debug().Int("count", len(batch)).Msg("Flushed job event batch")
	}
}

// Stop flushes buffered events and stops the writer. Safe to call once.
func (w *EventWriter) Stop() {
	close(w.stopCh)
	<-w.doneCh
}
