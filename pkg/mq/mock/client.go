// Package mock provides a recording mq.ClientInterface for tests.
package mock

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensor-ingest/pkg/mq"
)

// Client records every call and returns configurable results.
type Client struct {
	mu sync.Mutex

	// PushError is returned by Push and UnsafePush.
	PushError error
	// Pushed holds the payloads passed to Push and UnsafePush, in call order.
	Pushed [][]byte
	// Confirmed counts Push calls (as opposed to UnsafePush).
	Confirmed int

	// Deliveries is returned by Consume.
	Deliveries chan amqp.Delivery
	// ConsumeError is returned by Consume.
	ConsumeError error

	// CloseError is returned by Close.
	CloseError error
	// CloseCalls counts Close calls.
	CloseCalls int
}

// NewClient creates a mock whose Deliveries channel buffers 16 items.
func NewClient() *Client {
	return &Client{Deliveries: make(chan amqp.Delivery, 16)}
}

// Push implements mq.ClientInterface.
func (c *Client) Push(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Confirmed++
	c.Pushed = append(c.Pushed, data)
	return c.PushError
}

// UnsafePush implements mq.ClientInterface.
func (c *Client) UnsafePush(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pushed = append(c.Pushed, data)
	return c.PushError
}

// Consume implements mq.ClientInterface.
func (c *Client) Consume() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConsumeError != nil {
		return nil, c.ConsumeError
	}
	return c.Deliveries, nil
}

// Close implements mq.ClientInterface.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	return c.CloseError
}

// Payloads returns a copy of everything pushed so far.
func (c *Client) Payloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.Pushed))
	copy(out, c.Pushed)
	return out
}

// Acknowledger records Ack/Nack/Reject calls for deliveries built in tests.
type Acknowledger struct {
	mu       sync.Mutex
	Acked    []uint64
	Nacked   []uint64
	Rejected []uint64
}

// Ack implements amqp.Acknowledger.
func (a *Acknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acked = append(a.Acked, tag)
	return nil
}

// Nack implements amqp.Acknowledger.
func (a *Acknowledger) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Nacked = append(a.Nacked, tag)
	return nil
}

// Reject implements amqp.Acknowledger.
func (a *Acknowledger) Reject(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Rejected = append(a.Rejected, tag)
	return nil
}

// AckedTags returns a copy of the acknowledged delivery tags.
func (a *Acknowledger) AckedTags() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.Acked...)
}

// Delivery builds a delivery whose acknowledgements are recorded by a.
func (a *Acknowledger) Delivery(tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: a,
		DeliveryTag:  tag,
		ContentType:  mq.ContentType,
		Body:         body,
	}
}

var (
	_ mq.ClientInterface = (*Client)(nil)
	_ amqp.Acknowledger  = (*Acknowledger)(nil)
)
