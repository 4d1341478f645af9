// Package redisstream publishes order events to a Redis stream.
package redisstream

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-orders/internal/domain/order"
	"github.com/xenking/kart-orders/internal/events"
)

// DefaultStream is used when no stream name is configured.
const DefaultStream = "orders.events"

var _ order.Publisher = (*Publisher)(nil)

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Publisher appends events to a capped stream.
type Publisher struct {
	client streamAdder
	stream string
	maxLen int64
}

// NewPublisher returns a publisher writing to stream. A positive maxLen caps
// the stream approximately.
func NewPublisher(client streamAdder, stream string, maxLen int64) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{client: client, stream: stream, maxLen: maxLen}
}

// Publish implements order.Publisher.
func (p *Publisher) Publish(ctx context.Context, e order.Event) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":     string(e.Type),
			"order_id": e.OrderID,
			"payload":  events.Encode(e),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return errors.Wrapf(err, "xadd %s", p.stream)
	}
	return nil
}

// Connect parses url, opens a client and checks it with a ping.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}
