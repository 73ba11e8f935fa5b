package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SenderMetrics covers the synthetic reading sender.
type SenderMetrics struct {
	MessagesSent  *prometheus.CounterVec
	SendFailures  *prometheus.CounterVec
	ActiveSensors prometheus.Gauge
}

// NewSenderMetrics creates sender metrics. When reg is nil they are registered
// with the global Registry.
func NewSenderMetrics(namespace string, reg prometheus.Registerer) *SenderMetrics {
	m := &SenderMetrics{
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sender",
				Name:      "messages_sent_total",
				Help:      "Total number of readings sent",
			},
			[]string{"transport"},
		),
		SendFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sender",
				Name:      "send_failures_total",
				Help:      "Total number of readings that could not be sent",
			},
			[]string{"transport", "reason"}, // reason: encode_error, send_error
		),
		ActiveSensors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sender",
				Name:      "active_sensors",
				Help:      "Number of simulated sensors",
			},
		),
	}

	if reg == nil {
		reg = Registry
	}
	reg.MustRegister(m.MessagesSent, m.SendFailures, m.ActiveSensors)

	return m
}
