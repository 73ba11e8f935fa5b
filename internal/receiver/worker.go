// Package receiver ingests encoded readings, queues them in memory and
// persists them to storage, draining the queue on graceful shutdown.
package receiver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"procodus.dev/sensor-ingest/internal/queue"
	"procodus.dev/sensor-ingest/internal/storage"
	"procodus.dev/sensor-ingest/pkg/metrics"
	"procodus.dev/sensor-ingest/pkg/reading"
)

// writeTimeout bounds a single insert issued after the worker was cancelled.
const writeTimeout = 5 * time.Second

// WorkerConfig holds the configuration for the persistence worker.
type WorkerConfig struct {
	Logger *slog.Logger
	Queue  *queue.WorkQueue
	Store  storage.Store
	// ItemDelay is the pause between removing a reading and writing it.
	ItemDelay time.Duration
	// Metrics is optional.
	Metrics *metrics.IngestMetrics
}

// Worker removes readings from the queue one at a time and writes each as a
// single-row insert.
type Worker struct {
	logger    *slog.Logger
	queue     *queue.WorkQueue
	store     storage.Store
	itemDelay time.Duration
	metrics   *metrics.IngestMetrics
	done      chan struct{}
}

// NewWorker creates a Worker.
func NewWorker(cfg *WorkerConfig) (*Worker, error) {
	if cfg == nil {
		return nil, errors.New("worker config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.ItemDelay < 0 {
		return nil, errors.New("item delay cannot be negative")
	}

	return &Worker{
		logger:    cfg.Logger,
		queue:     cfg.Queue,
		store:     cfg.Store,
		itemDelay: cfg.ItemDelay,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
	}, nil
}

// Run processes readings until ctx is done. A reading already taken from the
// queue when ctx is cancelled is still written before Run returns.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	w.logger.Info("persistence worker started", "item_delay", w.itemDelay)

	for {
		// Pop prefers a queued item over a done context; whatever is left
		// after cancellation belongs to the shutdown hook.
		if ctx.Err() != nil {
			w.logger.Info("persistence worker stopping", "reason", ctx.Err())
			return
		}

		r, err := w.queue.Pop(ctx)
		if err != nil {
			w.logger.Info("persistence worker stopping", "reason", err)
			return
		}
		w.updateDepth()

		w.pause(ctx)
		w.persist(ctx, r)
	}
}

// Done is closed when Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// pause waits ItemDelay, cut short if ctx is cancelled.
func (w *Worker) pause(ctx context.Context) {
	if w.itemDelay <= 0 {
		return
	}

	t := time.NewTimer(w.itemDelay)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// persist writes r. Failures are logged and the reading is dropped.
func (w *Worker) persist(ctx context.Context, r reading.Reading) {
	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		defer cancel()
	}

	if err := w.store.Insert(writeCtx, r); err != nil {
		w.logger.Error("failed to persist reading",
			"sensor_id", r.SensorID,
			"timestamp", r.Timestamp,
			"error", err,
		)
		if w.metrics != nil {
			w.metrics.WriteFailures.WithLabelValues(metrics.PathWorker).Inc()
		}
		return
	}

	if w.metrics != nil {
		w.metrics.ReadingsStored.WithLabelValues(metrics.PathWorker).Inc()
	}

	w.logger.Debug("reading persisted",
		"sensor_id", r.SensorID,
		"temperature", r.Temperature,
		"humidity", r.Humidity,
	)
}

func (w *Worker) updateDepth() {
	if w.metrics != nil {
		w.metrics.QueueDepth.Set(float64(w.queue.Len()))
	}
}
