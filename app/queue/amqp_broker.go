package queue

import (
	"errors"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
)

// ErrBrokerClosed is returned by a broker after Close
var ErrBrokerClosed = errors.New("amqp broker is closed")

// Broker owns the connection shared by the AMQP queues. A dropped connection is
// redialled the next time a queue asks for a channel.
type Broker struct {
	url  string
	dial func(url string) (*amqp.Connection, error)

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// DialBroker connects to the broker at url
func DialBroker(url string) (*Broker, error) {
	b := &Broker{url: url, dial: amqp.Dial}
	if _, err := b.connection(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) connection() (*amqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	conn, err := b.dial(b.url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to amqp broker: %w", err)
	}
	b.conn = conn
	return conn, nil
}

// Channel opens a channel, redialling first when the connection was lost
func (b *Broker) Channel() (*amqp.Channel, error) {
	conn, err := b.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open amqp channel: %w", err)
	}
	return ch, nil
}

// Close closes the connection; queues opened on the broker stop receiving
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	if b.conn == nil || b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}
