package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxsml/gostream/broker"
	"github.com/fxsml/gostream/delivery"
	"github.com/segmentio/kafka-go"
)

// PublisherConfig configures the Kafka publisher.
type PublisherConfig struct {
	// Brokers is the list of broker addresses.
	Brokers []string

	// BatchTimeout bounds how long a partial batch waits.
	// Default is 10 milliseconds.
	BatchTimeout time.Duration

	// RequiredAcks is kafka.RequireNone, kafka.RequireOne or kafka.RequireAll.
	// Default is kafka.RequireAll.
	RequiredAcks kafka.RequiredAcks

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c PublisherConfig) parse() PublisherConfig {
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher writes to topics, one writer per topic.
type Publisher struct {
	config    PublisherConfig
	newWriter func(topic string) Writer

	mu      sync.Mutex
	writers map[string]Writer
}

var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher.
func NewPublisher(config PublisherConfig) *Publisher {
	config = config.parse()
	return &Publisher{
		config:  config,
		writers: make(map[string]Writer),
		newWriter: func(topic string) Writer {
			return &kafka.Writer{
				Addr:         kafka.TCP(config.Brokers...),
				Topic:        topic,
				BatchTimeout: config.BatchTimeout,
				RequiredAcks: config.RequiredAcks,
			}
		},
	}
}

// Publish writes msg to topic. The message id travels in the
// HeaderMessageID header.
func (p *Publisher) Publish(ctx context.Context, topic string, msg broker.Message) error {
	rec := kafka.Message{Value: msg.Data}
	if msg.Key != "" {
		rec.Key = []byte(msg.Key)
	}
	if msg.ID != "" {
		rec.Headers = append(rec.Headers, kafka.Header{Key: HeaderMessageID, Value: []byte(msg.ID)})
	}
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	if err := p.writer(topic).WriteMessages(ctx, rec); err != nil {
		return fmt.Errorf("kafka: publish to %s: %w", topic, err)
	}
	p.config.Logger.Debug("Message published", "topic", topic, "message_id", msg.ID)
	return nil
}

// Close closes every writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	for topic, w := range p.writers {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(p.writers, topic)
	}
	return err
}

func (p *Publisher) writer(topic string) Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}
