// Package rabbitmq publishes order events to a topic exchange. The routing
// key is the event type, so consumers can bind to "order.*" or to a single
// kind of change.
package rabbitmq

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/events"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "orders"

const exchangeType = "topic"

var _ order.Publisher = (*Publisher)(nil)

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher sends events as persistent JSON messages.
type Publisher struct {
	ch       channel
	exchange string
	now      func() time.Time
}

// NewPublisher returns a publisher on an already declared exchange.
func NewPublisher(ch channel, exchange string) *Publisher {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &Publisher{ch: ch, exchange: exchange, now: time.Now}
}

// Publish implements order.Publisher.
func (p *Publisher) Publish(ctx context.Context, e order.Event) error {
	err := p.ch.PublishWithContext(ctx, p.exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  events.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    e.OrderID + "/" + string(e.Type) + "/" + string(e.Status),
		Timestamp:    p.now(),
		Type:         string(e.Type),
		Body:         events.Encode(e),
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", e.Type)
	}
	return nil
}

// Conn owns the connection and channel of a Publisher.
type Conn struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	*Publisher
}

// Ping fails once the broker connection is gone.
func (c *Conn) Ping(context.Context) error {
	if c.conn.IsClosed() || c.ch.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

// Close closes the channel and the connection.
func (c *Conn) Close() error {
	chErr := c.ch.Close()
	if err := c.conn.Close(); err != nil {
		return errors.Wrap(err, "close connection")
	}
	if chErr != nil {
		return errors.Wrap(chErr, "close channel")
	}
	return nil
}

// Dial connects to the broker, retrying while it starts, and declares a
// durable topic exchange.
func Dial(ctx context.Context, lg *zap.Logger, url, exchange string) (*Conn, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	const attempts = 5
	var (
		conn *amqp.Connection
		err  error
	)
	for i := range attempts {
		if conn, err = amqp.Dial(url); err == nil {
			break
		}
		lg.Warn("Failed to connect to RabbitMQ", zap.Int("attempt", i+1), zap.Error(err))
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "dial rabbitmq")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}
	if err := ch.ExchangeDeclare(exchange, exchangeType, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, errors.Wrapf(err, "declare exchange %s", exchange)
	}

	return &Conn{conn: conn, ch: ch, Publisher: NewPublisher(ch, exchange)}, nil
}
