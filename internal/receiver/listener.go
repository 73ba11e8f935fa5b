package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"procodus.dev/sensor-ingest/internal/queue"
	"procodus.dev/sensor-ingest/pkg/metrics"
	"procodus.dev/sensor-ingest/pkg/reading"
)

// SourceUDP and SourceAMQP label where a message came from.
const (
	SourceUDP  = "udp"
	SourceAMQP = "amqp"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 64 * 1024

// ListenerConfig holds the configuration for the UDP listener.
type ListenerConfig struct {
	Logger *slog.Logger
	// Addr is the host:port to bind, e.g. "127.0.0.1:5005".
	Addr  string
	Queue *queue.WorkQueue
	// Metrics is optional.
	Metrics *metrics.IngestMetrics
}

// Listener receives one reading per UDP datagram and appends it to the queue.
// Each datagram is decoded on its own goroutine.
type Listener struct {
	logger  *slog.Logger
	addr    string
	queue   *queue.WorkQueue
	metrics *metrics.IngestMetrics

	mu       sync.Mutex
	conn     net.PacketConn
	closed   bool
	inflight sync.WaitGroup
}

// NewListener creates a Listener. Call Listen before Serve.
func NewListener(cfg *ListenerConfig) (*Listener, error) {
	if cfg == nil {
		return nil, errors.New("listener config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Addr == "" {
		return nil, errors.New("listen address cannot be empty")
	}

	if cfg.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}

	return &Listener{
		logger:  cfg.Logger,
		addr:    cfg.Addr,
		queue:   cfg.Queue,
		metrics: cfg.Metrics,
	}, nil
}

// Listen binds the UDP socket.
func (l *Listener) Listen() error {
	conn, err := net.ListenPacket("udp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.logger.Info("listening for readings", "addr", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Serve reads datagrams until ctx is done or Close is called. It waits for
// in-flight handlers before returning, so every datagram read has been queued.
func (l *Listener) Serve(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("listener is not bound")
	}

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	defer l.inflight.Wait()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if l.isClosed() {
				return nil
			}
			return fmt.Errorf("failed to read datagram: %w", err)
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		l.inflight.Add(1)
		go l.handle(data, from)
	}
}

func (l *Listener) handle(data []byte, from net.Addr) {
	defer l.inflight.Done()

	if l.metrics != nil {
		l.metrics.MessagesReceived.WithLabelValues(SourceUDP).Inc()
	}

	r, err := reading.Decode(data)
	if err != nil {
		l.logger.Warn("dropping undecodable datagram",
			"from", from.String(),
			"size", len(data),
			"error", err,
		)
		if l.metrics != nil {
			l.metrics.DecodeFailures.WithLabelValues(SourceUDP).Inc()
		}
		return
	}

	l.queue.Push(r)
	if l.metrics != nil {
		l.metrics.QueueDepth.Set(float64(l.queue.Len()))
	}

	l.logger.Debug("reading queued", "sensor_id", r.SensorID, "from", from.String())
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close releases the socket. It is safe to call more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.conn == nil {
		l.closed = true
		return nil
	}
	l.closed = true
	return l.conn.Close()
}
