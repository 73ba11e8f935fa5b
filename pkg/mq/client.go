// Package mq provides a RabbitMQ client with automatic reconnection, used as an
// alternative transport for encoded readings.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensor-ingest/pkg/metrics"
)

// ContentType is set on every published reading.
const ContentType = "application/json"

const (
	// When reconnecting to the server after connection failure.
	reconnectDelay = 5 * time.Second

	// When setting up the channel after a channel exception.
	reInitDelay = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNotAcknowledged    = errors.New("publish not acknowledged by server")
)

// Client owns one AMQP connection and channel bound to a single queue.
type Client struct {
	m               sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	queueName       string
	isReady         bool
	closed          bool
	metrics         *metrics.MQMetrics
}

// New creates a client and starts connecting to addr in the background.
func New(queueName, addr string, l *slog.Logger) *Client {
	return NewWithMetrics(queueName, addr, l, nil)
}

// NewWithMetrics is New with an optional metrics collector. The collector is
// installed before the background connect loop starts.
func NewWithMetrics(queueName, addr string, l *slog.Logger, m *metrics.MQMetrics) *Client {
	client := &Client{
		logger:    l.With(slog.String("queue", queueName)),
		queueName: queueName,
		done:      make(chan struct{}),
		metrics:   m,
	}
	go client.handleReconnect(addr)
	return client
}

// QueueName returns the queue this client publishes to and consumes from.
func (client *Client) QueueName() string {
	return client.queueName
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	client.m.Unlock()
}

func (client *Client) ready() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// handleReconnect waits for a connection error on notifyConnClose and then
// keeps reconnecting until the client is closed.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := client.connect(addr)
		if err != nil {
			client.logger.Error("failed to connect. Retrying...", "error", err)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

func (client *Client) connect(addr string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(addr)
	if err != nil {
		if client.metrics != nil {
			client.metrics.ConnectionStatus.Set(0)
		}
		return nil, err
	}

	client.m.Lock()
	client.connection = conn
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.m.Unlock()
	conn.NotifyClose(client.notifyConnClose)

	client.logger.Info("connected")
	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(1)
	}
	return conn, nil
}

// handleReInit waits for a channel error and re-initializes the channel.
// It returns true once the client is closed.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying...", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting...")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting...")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init...")
		}
	}
}

// init opens a confirm-mode channel and declares the queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		client.queueName,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		return err
	}

	client.m.Lock()
	client.channel = ch
	client.notifyChanClose = make(chan *amqp.Error, 1)
	ch.NotifyClose(client.notifyChanClose)
	client.isReady = true
	client.m.Unlock()

	client.logger.Info("client init done")
	return nil
}

// Push publishes data and waits for the broker's confirmation. While the client
// is disconnected it retries with exponential backoff, giving up after
// maxRetryAttempts.
func (client *Client) Push(ctx context.Context, data []byte) error {
	backoff := initialBackoff

	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "retry_count", attempt)
			client.pushFailed("max_retries_exceeded")
			return errMaxRetriesExceeded
		}

		err := client.pushConfirmed(ctx, data)
		if err == nil {
			if client.metrics != nil {
				client.metrics.MessagesPushed.WithLabelValues(client.queueName).Inc()
			}
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			client.pushFailed("context_canceled")
			return err
		}

		client.logger.Warn("push failed, retrying with backoff",
			"error", err,
			"backoff", backoff,
			"retry_count", attempt,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
		}

		backoff *= backoffMultiplier
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pushConfirmed publishes with a deferred confirmation and waits for it.
// The client must not register a NotifyPublish listener: unread confirmations
// on it stall the connection's reader, including for UnsafePush.
func (client *Client) pushConfirmed(ctx context.Context, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",
		client.queueName,
		false,
		false,
		client.publishing(data),
	)
	if err != nil {
		return err
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNotAcknowledged
	}
	return nil
}

func (client *Client) publishing(data []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType: ContentType,
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Body:        data,
	}
}

func (client *Client) pushFailed(reason string) {
	if client.metrics != nil {
		client.metrics.PushFailures.WithLabelValues(client.queueName, reason).Inc()
	}
}

// UnsafePush publishes data without waiting for confirmation. It only fails
// when the client is not connected or the publish itself errors.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithContext(
		ctx,
		"",               // Exchange
		client.queueName, // Routing key
		false,            // Mandatory
		false,            // Immediate
		client.publishing(data),
	)
}

// Consume delivers queue items on the returned channel. Callers must Ack or
// Nack every delivery.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(
		16,    // prefetchCount
		0,     // prefetchSize
		false, // global
	); err != nil {
		return nil, err
	}

	deliveries, err := ch.Consume(
		client.queueName,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		return nil, err
	}

	if client.metrics == nil {
		return deliveries, nil
	}

	counted := make(chan amqp.Delivery)
	go func() {
		defer close(counted)
		for d := range deliveries {
			client.metrics.MessagesConsumed.WithLabelValues(client.queueName).Inc()
			counted <- d
		}
	}()
	return counted, nil
}

// Close stops the reconnect loop and shuts down the channel and connection.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	if client.closed {
		return errAlreadyClosed
	}
	client.closed = true
	close(client.done)

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	if !client.isReady {
		return nil
	}
	client.isReady = false

	if err := client.channel.Close(); err != nil {
		return err
	}
	return client.connection.Close()
}
