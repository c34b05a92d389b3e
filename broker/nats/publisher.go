package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fxsml/gostream/broker"
	"github.com/fxsml/gostream/delivery"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream is the subset of jetstream.JetStream used by the Publisher.
type JetStream interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublisherConfig configures the JetStream publisher.
type PublisherConfig struct {
	// URL is the NATS server URL.
	URL string

	// Name is the client name shown in server monitoring.
	Name string

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c PublisherConfig) parse() PublisherConfig {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher publishes to JetStream subjects. The message id is sent as
// Nats-Msg-Id, enabling the stream's duplicate window.
type Publisher struct {
	config PublisherConfig

	mu   sync.Mutex
	conn *nats.Conn
	js   JetStream
}

var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher. Call Connect before Publish.
func NewPublisher(config PublisherConfig) *Publisher {
	return &Publisher{config: config.parse()}
}

// NewPublisherWithJetStream creates a connected publisher.
func NewPublisherWithJetStream(js JetStream, config PublisherConfig) *Publisher {
	return &Publisher{config: config.parse(), js: js}
}

// Connect dials URL.
func (p *Publisher) Connect(context.Context) error {
	conn, err := Connect(p.config.URL, p.config.Name, p.config.Logger)
	if err != nil {
		return err
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("nats: jetstream: %w", err)
	}

	p.mu.Lock()
	p.conn, p.js = conn, js
	p.mu.Unlock()
	return nil
}

// Publish sends msg to subject and waits for the stream acknowledgement.
func (p *Publisher) Publish(ctx context.Context, subject string, msg broker.Message) error {
	p.mu.Lock()
	js := p.js
	p.mu.Unlock()
	if js == nil {
		return ErrNotConnected
	}

	m := &nats.Msg{Subject: subject, Data: msg.Data, Header: nats.Header{}}
	if msg.ID != "" {
		m.Header.Set(HeaderMsgID, msg.ID)
	}
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}

	ack, err := js.PublishMsg(ctx, m)
	if err != nil {
		return fmt.Errorf("nats: publish to %s: %w", subject, err)
	}
	p.config.Logger.Debug("Message published",
		"subject", subject,
		"message_id", msg.ID,
		"stream", ack.Stream,
		"sequence", ack.Sequence,
		"duplicate", ack.Duplicate)
	return nil
}

// Close drains and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.js = nil
	if p.conn != nil {
		err := p.conn.Drain()
		p.conn = nil
		return err
	}
	return nil
}
