package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fxsml/gostream/broker"
	"github.com/fxsml/gostream/delivery"
	"github.com/redis/go-redis/v9"
)

// FieldMessageID carries the publisher's message id.
const FieldMessageID = "message_id"

// PublisherConfig configures the stream publisher.
type PublisherConfig struct {
	// PayloadField holds the message payload.
	// Default is "data".
	PayloadField string

	// MaxLen approximately caps the stream length. Zero keeps every entry.
	MaxLen int64

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c PublisherConfig) parse() PublisherConfig {
	if c.PayloadField == "" {
		c.PayloadField = "data"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher appends entries to streams.
type Publisher struct {
	client redis.Cmdable
	config PublisherConfig
}

var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher on client.
func NewPublisher(client redis.Cmdable, config PublisherConfig) *Publisher {
	return &Publisher{client: client, config: config.parse()}
}

// Publish appends msg to stream.
func (p *Publisher) Publish(ctx context.Context, stream string, msg broker.Message) error {
	values := make(map[string]any, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		values[k] = v
	}
	values[p.config.PayloadField] = msg.Data
	if msg.ID != "" {
		values[FieldMessageID] = msg.ID
	}

	args := &redis.XAddArgs{Stream: stream, Values: values}
	if p.config.MaxLen > 0 {
		args.MaxLen = p.config.MaxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("redis: publish to %s: %w", stream, err)
	}
	p.config.Logger.Debug("Message published", "stream", stream, "message_id", msg.ID, "entry_id", id)
	return nil
}

// Close is a no-op; the client belongs to the caller.
func (p *Publisher) Close() error { return nil }
