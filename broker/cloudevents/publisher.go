package cloudevents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	ce "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/binding"
	"github.com/cloudevents/sdk-go/v2/protocol"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/fxsml/gostream/broker"
	"github.com/fxsml/gostream/delivery"
	"github.com/google/uuid"
)

// PublisherConfig configures the publisher.
type PublisherConfig struct {
	// Target is the URL of NewHTTPPublisher.
	Target string

	// Source is the source attribute of every event.
	// Default is "gostream".
	Source string

	// ContentType of the event data.
	// Default is "application/json".
	ContentType string

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c PublisherConfig) parse() PublisherConfig {
	if c.Source == "" {
		c.Source = "gostream"
	}
	if c.ContentType == "" {
		c.ContentType = ce.ApplicationJSON
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Publisher sends events; the destination is the event type.
type Publisher struct {
	sender protocol.Sender
	config PublisherConfig
}

var _ broker.Publisher = (*Publisher)(nil)

// NewPublisher wraps sender.
func NewPublisher(sender protocol.Sender, config PublisherConfig) *Publisher {
	return &Publisher{sender: sender, config: config.parse()}
}

// NewHTTPPublisher creates a publisher posting to Target.
func NewHTTPPublisher(config PublisherConfig) (*Publisher, error) {
	p, err := cehttp.New(cehttp.WithTarget(config.Target))
	if err != nil {
		return nil, fmt.Errorf("cloudevents: http protocol: %w", err)
	}
	return NewPublisher(p, config), nil
}

// Publish sends msg as an event of the given type. Headers become
// extensions; names that are not valid extension names are skipped.
func (p *Publisher) Publish(ctx context.Context, eventType string, msg broker.Message) error {
	event := ce.NewEvent()
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	event.SetID(id)
	event.SetType(eventType)
	event.SetSource(p.config.Source)
	event.SetTime(time.Now())
	if msg.Key != "" {
		event.SetSubject(msg.Key)
	}
	for k, v := range msg.Headers {
		if validExtension(k) {
			event.SetExtension(k, v)
		}
	}
	if err := event.SetData(p.config.ContentType, msg.Data); err != nil {
		return fmt.Errorf("cloudevents: set data: %w", err)
	}

	if result := p.sender.Send(ctx, binding.ToMessage(&event)); !protocol.IsACK(result) {
		return fmt.Errorf("cloudevents: send %s: %w", id, result)
	}
	p.config.Logger.Debug("Event published", "event_id", id, "event_type", eventType)
	return nil
}

// Close closes the sender when it supports closing.
func (p *Publisher) Close() error {
	if c, ok := p.sender.(protocol.Closer); ok {
		return c.Close(context.Background())
	}
	return nil
}

func validExtension(name string) bool {
	if name == "" || len(name) > 20 {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
