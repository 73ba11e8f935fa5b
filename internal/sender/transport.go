package sender

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"procodus.dev/sensor-ingest/pkg/mq"
)

// Transport names used in metrics and logs.
const (
	TransportUDP  = "udp"
	TransportAMQP = "amqp"
)

var errTransportClosed = errors.New("transport is closed")

// Transport delivers one encoded reading per call. No acknowledgement is
// expected from the other end.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Name() string
	Close() error
}

// UDPTransport writes each payload as a single datagram to a fixed address.
type UDPTransport struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

// NewUDPTransport opens a connected UDP socket to addr.
func NewUDPTransport(addr string) (*UDPTransport, error) {
	if addr == "" {
		return nil, errors.New("destination address cannot be empty")
	}

	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return &UDPTransport{conn: conn}, nil
}

// Send writes data as one datagram.
func (t *UDPTransport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}

	if _, err := t.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write datagram: %w", err)
	}
	return nil
}

// Name implements Transport.
func (t *UDPTransport) Name() string {
	return TransportUDP
}

// RemoteAddr returns the destination address.
func (t *UDPTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Close releases the socket. It is safe to call more than once.
func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// MQTransport publishes each payload to a RabbitMQ queue without waiting for
// a broker confirmation.
type MQTransport struct {
	client mq.ClientInterface
}

// NewMQTransport wraps client.
func NewMQTransport(client mq.ClientInterface) (*MQTransport, error) {
	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	return &MQTransport{client: client}, nil
}

// Send publishes data once.
func (t *MQTransport) Send(ctx context.Context, data []byte) error {
	if err := t.client.UnsafePush(ctx, data); err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}
	return nil
}

// Name implements Transport.
func (t *MQTransport) Name() string {
	return TransportAMQP
}

// Close closes the underlying client.
func (t *MQTransport) Close() error {
	return t.client.Close()
}

var (
	_ Transport = (*UDPTransport)(nil)
	_ Transport = (*MQTransport)(nil)
)
