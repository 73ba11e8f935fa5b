package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensor-ingest/internal/queue"
	"procodus.dev/sensor-ingest/pkg/metrics"
	"procodus.dev/sensor-ingest/pkg/mq"
	"procodus.dev/sensor-ingest/pkg/reading"
)

// MQSource feeds the work queue from a RabbitMQ queue instead of UDP.
// Deliveries are acked once queued; malformed bodies are acked and dropped.
type MQSource struct {
	logger  *slog.Logger
	client  mq.ClientInterface
	queue   *queue.WorkQueue
	metrics *metrics.IngestMetrics
	done    chan struct{}
	started bool
	stopped bool
}

// NewMQSource creates a source reading from client. m may be nil.
func NewMQSource(logger *slog.Logger, client mq.ClientInterface, q *queue.WorkQueue, m *metrics.IngestMetrics) (*MQSource, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if q == nil {
		return nil, errors.New("queue cannot be nil")
	}

	return &MQSource{
		logger:  logger,
		client:  client,
		queue:   q,
		metrics: m,
		done:    make(chan struct{}),
	}, nil
}

// consumeAttempts and consumeRetryDelay bound how long Start waits for the
// client's background connect to finish.
const (
	consumeAttempts   = 10
	consumeRetryDelay = 500 * time.Millisecond
)

// Start begins consuming in the background.
func (s *MQSource) Start(ctx context.Context) error {
	var (
		deliveries <-chan amqp.Delivery
		err        error
	)
	for attempt := 1; ; attempt++ {
		deliveries, err = s.client.Consume()
		if err == nil {
			break
		}
		if attempt == consumeAttempts {
			return fmt.Errorf("failed to start consuming: %w", err)
		}

		s.logger.Info("amqp client not ready, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(consumeRetryDelay):
		}
	}

	s.started = true
	s.logger.Info("amqp source started")
	go s.processMessages(ctx, deliveries)
	return nil
}

func (s *MQSource) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context canceled, stopping amqp source")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				s.logger.Warn("deliveries channel closed")
				return
			}
			s.handleDelivery(delivery)
		}
	}
}

func (s *MQSource) handleDelivery(delivery amqp.Delivery) {
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(SourceAMQP).Inc()
	}

	r, err := reading.Decode(delivery.Body)
	if err != nil {
		s.logger.Warn("dropping undecodable delivery",
			"message_id", delivery.MessageId,
			"error", err,
		)
		if s.metrics != nil {
			s.metrics.DecodeFailures.WithLabelValues(SourceAMQP).Inc()
		}
	} else {
		s.queue.Push(r)
		if s.metrics != nil {
			s.metrics.QueueDepth.Set(float64(s.queue.Len()))
		}
	}

	if err := delivery.Ack(false); err != nil {
		s.logger.Error("failed to ack message", "error", err)
	}
}

// Stop closes the client and waits for the consume loop to exit. The loop
// exits when the context passed to Start is done or the delivery channel closes.
func (s *MQSource) Stop() error {
	if s.stopped {
		return nil
	}
	s.stopped = true

	err := s.client.Close()
	if s.started {
		<-s.done
	}
	if err != nil {
		return fmt.Errorf("failed to close mq client: %w", err)
	}

	s.logger.Info("amqp source stopped")
	return nil
}
