package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"procodus.dev/sensor-ingest/internal/queue"
	"procodus.dev/sensor-ingest/internal/storage"
	"procodus.dev/sensor-ingest/pkg/metrics"
)

// ShutdownHook drains the work queue into storage when the receiver stops
// normally. It must only run after the worker has returned.
type ShutdownHook struct {
	logger  *slog.Logger
	queue   *queue.WorkQueue
	store   storage.Store
	metrics *metrics.IngestMetrics
	once    sync.Once
}

// NewShutdownHook creates a hook. m may be nil.
func NewShutdownHook(logger *slog.Logger, q *queue.WorkQueue, store storage.Store, m *metrics.IngestMetrics) (*ShutdownHook, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}

	if store == nil {
		return nil, errors.New("store cannot be nil")
	}

	return &ShutdownHook{logger: logger, queue: q, store: store, metrics: m}, nil
}

// Run drains the queue and writes the readings as one batch, then logs the
// total row count. Only the first call does anything; later calls return 0, nil.
func (h *ShutdownHook) Run(ctx context.Context) (int, error) {
	var (
		persisted int
		err       error
	)
	h.once.Do(func() {
		persisted, err = h.run(ctx)
	})
	return persisted, err
}

func (h *ShutdownHook) run(ctx context.Context) (int, error) {
	batch := h.queue.Drain()
	if h.metrics != nil {
		h.metrics.QueueDepth.Set(0)
	}

	if len(batch) > 0 {
		h.logger.Info("draining work queue", "pending", len(batch))

		if err := h.store.InsertBatch(ctx, batch); err != nil {
			if h.metrics != nil {
				h.metrics.WriteFailures.WithLabelValues(metrics.PathShutdown).Inc()
			}
			return 0, fmt.Errorf("failed to persist %d queued readings: %w", len(batch), err)
		}

		if h.metrics != nil {
			h.metrics.ReadingsStored.WithLabelValues(metrics.PathShutdown).Add(float64(len(batch)))
			h.metrics.ShutdownBatch.Observe(float64(len(batch)))
		}
	}

	total, err := h.store.Count(ctx)
	if err != nil {
		return len(batch), fmt.Errorf("failed to count stored readings: %w", err)
	}

	h.logger.Info("shutdown drain complete",
		"persisted", len(batch),
		"total_rows", total,
	)
	return len(batch), nil
}
