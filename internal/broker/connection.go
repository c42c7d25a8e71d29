package broker

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection owns a single AMQP connection and channel. Publisher and
// consumer each hold their own Connection; they are never shared across
// components. The connection is dialed lazily and redialed on first use
// after a close.
type Connection struct {
	url string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConnection(url string) *Connection {
	return &Connection{url: url}
}

// Channel returns a live channel, dialing or redialing as needed.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && !c.conn.IsClosed() && c.ch != nil && !c.ch.IsClosed() {
		return c.ch, nil
	}

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("failed to dial broker: %w", err)
		}
		c.conn = conn
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	c.ch = ch
	return ch, nil
}

// Close tears down the channel and connection. Subsequent use redials.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil && !c.ch.IsClosed() {
		_ = c.ch.Close()
	}
	c.ch = nil

	if c.conn != nil && !c.conn.IsClosed() {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	c.conn = nil
	return nil
}
