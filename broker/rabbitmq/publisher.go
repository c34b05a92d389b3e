package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxsml/gostream/broker"
	"github.com/fxsml/gostream/delivery"
	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishChannel is the subset of *amqp.Channel used by the Publisher.
type PublishChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// PublisherConfig configures the RabbitMQ publisher.
type PublisherConfig struct {
	// URL is the AMQP connection URL.
	URL string

	// Exchange receives every published message.
	Exchange string

	// ExchangeType declares Exchange on Connect when set.
	ExchangeType string

	// Durable declares the exchange as durable.
	Durable bool

	// Mandatory makes the server return unroutable messages.
	Mandatory bool

	// DeliveryMode is amqp.Transient or amqp.Persistent.
	// Default is amqp.Persistent.
	DeliveryMode uint8

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c PublisherConfig) parse() PublisherConfig {
	if c.DeliveryMode == 0 {
		c.DeliveryMode = amqp.Persistent
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher publishes to one exchange; the destination is the routing key.
type Publisher struct {
	config PublisherConfig

	mu   sync.Mutex
	conn *amqp.Connection
	ch   PublishChannel
}

var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher. Call Connect before Publish.
func NewPublisher(config PublisherConfig) *Publisher {
	return &Publisher{config: config.parse()}
}

// NewPublisherWithChannel creates a connected publisher on an open channel.
func NewPublisherWithChannel(ch PublishChannel, config PublisherConfig) *Publisher {
	return &Publisher{config: config.parse(), ch: ch}
}

// Connect dials URL and declares the exchange.
func (p *Publisher) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: open channel: %w", err)
	}
	if p.config.Exchange != "" && p.config.ExchangeType != "" {
		if err := ch.ExchangeDeclare(p.config.Exchange, p.config.ExchangeType, p.config.Durable, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return fmt.Errorf("rabbitmq: declare exchange %s: %w", p.config.Exchange, err)
		}
	}

	p.mu.Lock()
	p.conn, p.ch = conn, ch
	p.mu.Unlock()
	return nil
}

// Publish sends msg with the given routing key.
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg broker.Message) error {
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return ErrNotConnected
	}

	pub := amqp.Publishing{
		MessageId:    msg.ID,
		DeliveryMode: p.config.DeliveryMode,
		Timestamp:    time.Now(),
		Body:         msg.Data,
	}
	if len(msg.Headers) > 0 {
		pub.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			pub.Headers[k] = v
		}
	}

	if err := ch.PublishWithContext(ctx, p.config.Exchange, routingKey, p.config.Mandatory, false, pub); err != nil {
		return fmt.Errorf("rabbitmq: publish to %s: %w", routingKey, err)
	}
	p.config.Logger.Debug("Message published", "routing_key", routingKey, "message_id", msg.ID)
	return nil
}

// Close closes the channel and connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.ch != nil {
		err = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
		p.conn = nil
	}
	return err
}
