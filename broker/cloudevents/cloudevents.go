// Package cloudevents connects CloudEvents protocol receivers, such as the
// sdk-go HTTP protocol, to gostream consumers.
//
// Every received event becomes a delivery.Message keyed by the event id:
//
//	Ack    -> Finish(nil)
//	Nack   -> Finish(protocol.ResultNACK), the sender retries
//	Reject -> Finish(protocol.ResultACK) after logging; CloudEvents has no
//	          dead-letter semantics, so the sender must not retry
package cloudevents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	ce "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/binding"
	"github.com/cloudevents/sdk-go/v2/protocol"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/fxsml/gostream/delivery"
)

// SubscriberConfig configures the subscriber.
type SubscriberConfig struct {
	// Port is the listen port of NewHTTPSubscriber.
	// Default is 8080.
	Port int

	// Path is the request path of NewHTTPSubscriber.
	// Default is "/".
	Path string

	// RetryBackoff is the pause after a failed receive.
	// Default is 100 milliseconds.
	RetryBackoff time.Duration

	// BufferSize is the output channel buffer size.
	// Default is 100.
	BufferSize int

	// Logger for operational logging. Default is slog.Default().
	Logger delivery.Logger
}

func (c SubscriberConfig) parse() SubscriberConfig {
	if c.Port <= 0 {
		c.Port = 8080
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Subscriber turns a protocol.Receiver into a message channel.
type Subscriber struct {
	receiver protocol.Receiver
	opener   protocol.Opener
	config   SubscriberConfig
}

// NewSubscriber wraps receiver.
func NewSubscriber(receiver protocol.Receiver, config SubscriberConfig) *Subscriber {
	s := &Subscriber{receiver: receiver, config: config.parse()}
	if o, ok := receiver.(protocol.Opener); ok {
		s.opener = o
	}
	return s
}

// NewHTTPSubscriber creates a subscriber serving HTTP on Port and Path. The
// response to each request is held until the message is settled.
func NewHTTPSubscriber(config SubscriberConfig) (*Subscriber, error) {
	config = config.parse()
	p, err := cehttp.New(cehttp.WithPort(config.Port), cehttp.WithPath(config.Path))
	if err != nil {
		return nil, fmt.Errorf("cloudevents: http protocol: %w", err)
	}
	return NewSubscriber(p, config), nil
}

// Subscribe starts receiving. Receivers that need opening, like the HTTP
// protocol, are opened until ctx is cancelled. The returned channel closes
// when ctx is cancelled or the receiver reports io.EOF.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan delivery.Message, error) {
	if s.opener != nil {
		go func() {
			if err := s.opener.OpenInbound(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Error("CloudEvents inbound closed", "error", err)
			}
		}()
	}

	s.config.Logger.Info("CloudEvents subscription started", "port", s.config.Port, "path", s.config.Path)

	out := make(chan delivery.Message, s.config.BufferSize)
	go func() {
		defer close(out)
		for {
			m, err := s.receiver.Receive(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return
				}
				s.config.Logger.Warn("Failed to receive event", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.config.RetryBackoff):
				}
				continue
			}

			msg, err := s.newMessage(ctx, m)
			if err != nil {
				s.config.Logger.Warn("Dropping malformed event", "error", err)
				if ferr := m.Finish(err); ferr != nil {
					s.config.Logger.Error("Failed to finish event", "error", ferr)
				}
				continue
			}

			select {
			case out <- msg:
			case <-ctx.Done():
				_ = m.Finish(protocol.ResultNACK)
				return
			}
		}
	}()
	return out, nil
}

func (s *Subscriber) newMessage(ctx context.Context, m binding.Message) (delivery.Message, error) {
	event, err := binding.ToEvent(ctx, m)
	if err != nil {
		return nil, err
	}

	attrs := Attributes(event)
	logger := s.config.Logger
	return delivery.NewRaw(event.ID(), event.Data(), attrs, delivery.Callbacks{
		Ack: func(context.Context, delivery.Options) error {
			return m.Finish(nil)
		},
		Nack: func(context.Context, delivery.Options) error {
			return m.Finish(protocol.ResultNACK)
		},
		Reject: func(context.Context, delivery.Options) error {
			logger.Warn("Event rejected, dropping",
				"event_id", event.ID(),
				"event_type", event.Type(),
				"event_source", event.Source())
			return m.Finish(protocol.ResultACK)
		},
	}), nil
}

// Attributes maps the context attributes and extensions of e.
func Attributes(e *ce.Event) delivery.Attributes {
	attrs := delivery.Attributes{
		"id":          e.ID(),
		"type":        e.Type(),
		"source":      e.Source(),
		"specversion": e.SpecVersion(),
	}
	if s := e.Subject(); s != "" {
		attrs["subject"] = s
	}
	if ct := e.DataContentType(); ct != "" {
		attrs["datacontenttype"] = ct
	}
	if t := e.Time(); !t.IsZero() {
		attrs["time"] = t
	}
	for k, v := range e.Extensions() {
		attrs[k] = v
	}
	return attrs
}
