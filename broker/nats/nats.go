// Package nats connects NATS JetStream consumers to gostream consumers.
//
// Every JetStream message becomes a delivery.Message:
//
//	Ack    -> Ack, or DoubleAck awaiting the server with option "sync"
//	Nack   -> Nak, or NakWithDelay with option "delay" (time.Duration)
//	Reject -> Term, the server never redelivers the message
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fxsml/gostream/delivery"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ErrNotConnected is returned when publishing before Connect.
var ErrNotConnected = errors.New("nats: not connected")

// Headers consulted for the message id, in order.
const (
	HeaderMsgID     = jetstream.MsgIDHeader
	HeaderMessageID = "message_id"
)

// Consumer is the subset of jetstream.Consumer used by the Subscriber.
type Consumer interface {
	Consume(handler jetstream.MessageHandler, opts ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error)
}

// SubscriberConfig configures the JetStream subscriber.
type SubscriberConfig struct {
	// URL is the NATS server URL.
	URL string

	// Name is the client name shown in server monitoring.
	Name string

	// Stream is the stream the consumer reads.
	Stream string

	// Durable names the consumer. An empty name creates an ephemeral one.
	Durable string

	// FilterSubject narrows the stream subjects, wildcards allowed.
	FilterSubject string

	// AckWait is how long the server waits for a settlement before
	// redelivering.
	// Default is 30 seconds.
	AckWait time.Duration

	// MaxDeliver bounds server side redeliveries. The retry budget is
	// usually enforced by the watcher instead.
	// Default is -1 (unlimited).
	MaxDeliver int

	// BufferSize is the output channel buffer size.
	// Default is 256.
	BufferSize int

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c SubscriberConfig) parse() SubscriberConfig {
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = -1
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ConsumerConfig returns the JetStream consumer configuration for c.
func (c SubscriberConfig) ConsumerConfig() jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       c.Durable,
		FilterSubject: c.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       c.AckWait,
		MaxDeliver:    c.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// Subscriber consumes one JetStream consumer.
type Subscriber struct {
	config SubscriberConfig

	mu       sync.Mutex
	conn     *nats.Conn
	consumer Consumer
}

// NewSubscriber creates a subscriber that connects and creates or updates
// the consumer on Subscribe.
func NewSubscriber(config SubscriberConfig) *Subscriber {
	return &Subscriber{config: config.parse()}
}

// NewSubscriberWithConsumer creates a subscriber on an existing consumer.
func NewSubscriberWithConsumer(c Consumer, config SubscriberConfig) *Subscriber {
	return &Subscriber{config: config.parse(), consumer: c}
}

// Subscribe starts consuming. The returned channel closes when ctx is
// cancelled or the consumer stops.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan delivery.Message, error) {
	c, err := s.jetStreamConsumer(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan delivery.Message, s.config.BufferSize)
	var mu sync.RWMutex
	closed := false

	cc, err := c.Consume(func(m jetstream.Msg) {
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		select {
		case out <- NewMessage(m):
		case <-ctx.Done():
		}
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		s.config.Logger.Warn("JetStream consume error", "error", err)
	}))
	if err != nil {
		return nil, fmt.Errorf("nats: consume: %w", err)
	}

	s.config.Logger.Info("NATS subscription started",
		"stream", s.config.Stream,
		"consumer", s.config.Durable,
		"subject", s.config.FilterSubject)

	go func() {
		select {
		case <-ctx.Done():
		case <-cc.Closed():
		}
		cc.Stop()

		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

// Close closes the connection opened by Subscribe.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

func (s *Subscriber) jetStreamConsumer(ctx context.Context) (Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumer != nil {
		return s.consumer, nil
	}

	conn, err := Connect(s.config.URL, s.config.Name, s.config.Logger)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: jetstream: %w", err)
	}
	c, err := js.CreateOrUpdateConsumer(ctx, s.config.Stream, s.config.ConsumerConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats: consumer %s on %s: %w", s.config.Durable, s.config.Stream, err)
	}
	s.conn, s.consumer = conn, c
	return c, nil
}

// Connect dials url, reconnecting forever and logging connection changes.
func Connect(url, name string, logger delivery.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	return conn, nil
}

// NewMessage wraps a JetStream message.
func NewMessage(m jetstream.Msg) delivery.Message {
	attrs := delivery.Attributes{
		"nats.subject": m.Subject(),
	}
	meta, _ := m.Metadata()
	if meta != nil {
		attrs["nats.stream"] = meta.Stream
		attrs["nats.consumer"] = meta.Consumer
		attrs["nats.sequence"] = meta.Sequence.Stream
		attrs["nats.num_delivered"] = meta.NumDelivered
		attrs["time"] = meta.Timestamp
	}
	for k, v := range m.Headers() {
		if len(v) > 0 {
			attrs["nats.header."+k] = v[0]
		}
	}

	return delivery.NewRaw(messageID(m, meta), m.Data(), attrs, delivery.Callbacks{
		Ack: func(ctx context.Context, opts delivery.Options) error {
			if opts.Bool("sync", false) {
				return m.DoubleAck(ctx)
			}
			return m.Ack()
		},
		Nack: func(_ context.Context, opts delivery.Options) error {
			if d := opts.Duration("delay", 0); d > 0 {
				return m.NakWithDelay(d)
			}
			return m.Nak()
		},
		Reject: func(context.Context, delivery.Options) error {
			return m.Term()
		},
	})
}

func messageID(m jetstream.Msg, meta *jetstream.MsgMetadata) string {
	h := m.Headers()
	if id := h.Get(HeaderMsgID); id != "" {
		return id
	}
	if id := h.Get(HeaderMessageID); id != "" {
		return id
	}
	if meta != nil && meta.Sequence.Stream > 0 {
		return meta.Stream + "/" + strconv.FormatUint(meta.Sequence.Stream, 10)
	}
	return uuid.NewString()
}
