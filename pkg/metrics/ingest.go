package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Persistence paths used as the "path" label.
const (
	PathWorker   = "worker"
	PathShutdown = "shutdown"
)

// IngestMetrics covers the receiver: intake, work queue and storage writes.
type IngestMetrics struct {
	MessagesReceived *prometheus.CounterVec
	DecodeFailures   *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	ReadingsStored   *prometheus.CounterVec
	WriteFailures    *prometheus.CounterVec
	WriteDuration    *prometheus.HistogramVec
	ShutdownBatch    prometheus.Histogram
}

// NewIngestMetrics creates ingest metrics. When reg is nil they are registered
// with the global Registry.
func NewIngestMetrics(namespace string, reg prometheus.Registerer) *IngestMetrics {
	m := &IngestMetrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "receiver",
				Name:      "messages_total",
				Help:      "Total number of inbound messages",
			},
			[]string{"source"}, // source: udp, amqp
		),
		DecodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "receiver",
				Name:      "decode_failures_total",
				Help:      "Total number of messages dropped because they could not be decoded",
			},
			[]string{"source"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Number of readings waiting in the work queue",
			},
		),
		ReadingsStored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "readings_stored_total",
				Help:      "Total number of readings written to storage",
			},
			[]string{"path"},
		),
		WriteFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "write_failures_total",
				Help:      "Total number of failed storage writes",
			},
			[]string{"path"},
		),
		WriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "write_duration_seconds",
				Help:      "Duration of storage writes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"}, // operation: insert, insert_batch
		),
		ShutdownBatch: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "shutdown_batch_size",
				Help:      "Number of readings drained by the shutdown hook",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
	}

	if reg == nil {
		reg = Registry
	}
	reg.MustRegister(
		m.MessagesReceived,
		m.DecodeFailures,
		m.QueueDepth,
		m.ReadingsStored,
		m.WriteFailures,
		m.WriteDuration,
		m.ShutdownBatch,
	)

	return m
}
