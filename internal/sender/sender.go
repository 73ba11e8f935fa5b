// Package sender generates synthetic sensor readings and transmits them, one
// message per reading, at a fixed interval.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"procodus.dev/sensor-ingest/pkg/generator"
	"procodus.dev/sensor-ingest/pkg/metrics"
	"procodus.dev/sensor-ingest/pkg/reading"
)

// Failure reasons recorded in metrics.
const (
	reasonEncode = "encode_error"
	reasonSend   = "send_error"
)

var (
	errLoggerRequired      = errors.New("logger is required")
	errTransportRequired   = errors.New("transport is required")
	errInvalidInterval     = errors.New("interval must be greater than 0")
	errInvalidSensorCount  = errors.New("sensor count must be greater than 0")
	errSensorCountTooLarge = errors.New("sensor count exceeds the sensor id range")
)

// Config holds the configuration for a Sender.
type Config struct {
	// Logger is the structured logger
	Logger *slog.Logger
	// Transport carries encoded readings to the receiver
	Transport Transport
	// Interval is the pause after each send
	Interval time.Duration
	// SensorCount is the number of simulated sensors readings are drawn from
	SensorCount int
	// Metrics is the optional Prometheus metrics collector
	Metrics *metrics.SenderMetrics
}

// Sender owns a set of simulated sensors and a transport.
type Sender struct {
	logger     *slog.Logger
	transport  Transport
	interval   time.Duration
	generators []*generator.Generator
	metrics    *metrics.SenderMetrics
}

// New creates a Sender with SensorCount sensors, each with a distinct id.
func New(cfg *Config) (*Sender, error) {
	if cfg == nil {
		return nil, errors.New("sender config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errLoggerRequired
	}

	if cfg.Transport == nil {
		return nil, errTransportRequired
	}

	if cfg.Interval <= 0 {
		return nil, errInvalidInterval
	}

	if cfg.SensorCount <= 0 {
		return nil, errInvalidSensorCount
	}

	if cfg.SensorCount > generator.MaxSensorID-generator.MinSensorID+1 {
		return nil, errSensorCountTooLarge
	}

	seen := make(map[int64]struct{}, cfg.SensorCount)
	generators := make([]*generator.Generator, 0, cfg.SensorCount)
	for len(generators) < cfg.SensorCount {
		id := generator.RandomSensorID()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		generators = append(generators, generator.New(id))
	}

	if cfg.Metrics != nil {
		cfg.Metrics.ActiveSensors.Set(float64(len(generators)))
	}

	return &Sender{
		logger:     cfg.Logger,
		transport:  cfg.Transport,
		interval:   cfg.Interval,
		generators: generators,
		metrics:    cfg.Metrics,
	}, nil
}

// SensorIDs returns the ids of the simulated sensors.
func (s *Sender) SensorIDs() []int64 {
	ids := make([]int64, len(s.generators))
	for i, g := range s.generators {
		ids[i] = g.SensorID()
	}
	return ids
}

// SendOne generates a reading for a random sensor, stamps it with the current
// time and sends it once.
func (s *Sender) SendOne(ctx context.Context) (reading.Reading, error) {
	g := s.generators[rand.Intn(len(s.generators))] // #nosec G404 - simulation data
	r := g.Next(time.Now())

	data, err := reading.Encode(r)
	if err != nil {
		s.failed(reasonEncode)
		return r, fmt.Errorf("failed to encode reading: %w", err)
	}

	if err := s.transport.Send(ctx, data); err != nil {
		s.failed(reasonSend)
		return r, err
	}

	if s.metrics != nil {
		s.metrics.MessagesSent.WithLabelValues(s.transport.Name()).Inc()
	}
	return r, nil
}

func (s *Sender) failed(reason string) {
	if s.metrics != nil {
		s.metrics.SendFailures.WithLabelValues(s.transport.Name(), reason).Inc()
	}
}

// Run sends a reading, waits Interval and repeats until SIGINT/SIGTERM or ctx
// is done. The transport is closed before Run returns. Send failures are
// logged and do not stop the loop.
func (s *Sender) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	s.logger.Info("sender started",
		"transport", s.transport.Name(),
		"sensor_count", len(s.generators),
		"interval", s.interval,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case sig := <-sigChan:
			s.logger.Info("received shutdown signal", "signal", sig.String())
			return s.close()
		case <-ctx.Done():
			s.logger.Info("context canceled, shutting down")
			return s.close()
		case <-timer.C:
		}

		r, err := s.SendOne(ctx)
		if err != nil {
			s.logger.Error("failed to send reading",
				"sensor_id", r.SensorID,
				"error", err,
			)
		} else {
			s.logger.Info("reading sent",
				"sensor_id", r.SensorID,
				"temperature", r.Temperature,
				"humidity", r.Humidity,
				"timestamp", r.Timestamp,
			)
		}

		timer.Reset(s.interval)
	}
}

func (s *Sender) close() error {
	if err := s.transport.Close(); err != nil {
		s.logger.Error("failed to close transport", "error", err)
	}
	s.logger.Info("sender stopped")
	return nil
}
