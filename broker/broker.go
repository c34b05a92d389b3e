// Package broker holds what the broker adapters under it share.
//
// Each adapter package implements consumer.Subscriber for one broker and,
// where the broker supports it, a Publisher used by tooling and dead-letter
// routing.
package broker

import "context"

// Message is an outgoing message.
type Message struct {
	// ID is carried in the broker's message id field or header, so the
	// receiving side keys its retry budget on it.
	ID string

	// Key is the partition or routing key where the broker has one.
	Key string

	Data    []byte
	Headers map[string]string
}

// Publisher sends messages to a named destination: a routing key, topic,
// subject or stream depending on the broker.
type Publisher interface {
	Publish(ctx context.Context, destination string, msg Message) error
	Close() error
}
