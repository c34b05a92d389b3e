package delivery

import (
	"context"
	"sync"
	"time"
)

// Attributes holds broker metadata of a message (topic, headers, offsets).
type Attributes map[string]any

// Options are broker-specific arguments forwarded verbatim to Ack, Nack and Reject,
// e.g. {"multiple": true} for RabbitMQ.
type Options map[string]any

// Bool returns the boolean option for key, or fallback if it is unset or not a bool.
func (o Options) Bool(key string, fallback bool) bool {
	if v, ok := o[key].(bool); ok {
		return v
	}
	return fallback
}

// String returns the string option for key, or fallback.
func (o Options) String(key, fallback string) string {
	if v, ok := o[key].(string); ok {
		return v
	}
	return fallback
}

// Duration returns the duration option for key, or fallback.
func (o Options) Duration(key string, fallback time.Duration) time.Duration {
	if v, ok := o[key].(time.Duration); ok {
		return v
	}
	return fallback
}

// Message is a single broker delivery.
//
// ID must be stable across redeliveries of the same logical message, since it
// keys the retry budget. Ack, Nack and Reject block until the broker call
// completed, including calls that complete asynchronously underneath.
type Message interface {
	ID() string
	Data() []byte
	Attributes() Attributes

	// Ack marks the message as processed.
	Ack(ctx context.Context, opts Options) error
	// Nack asks the broker to redeliver the message.
	Nack(ctx context.Context, opts Options) error
	// Reject drops the message (usually into a dead-letter destination).
	Reject(ctx context.Context, opts Options) error
}

// HandlerFunc processes a message. The returned error selects the terminal action,
// see the package documentation.
type HandlerFunc func(ctx context.Context, msg Message) error

// SettleFunc performs one broker acknowledgement call.
type SettleFunc func(ctx context.Context, opts Options) error

// Callbacks bundles the broker calls backing a RawMessage.
// A nil callback is a no-op.
type Callbacks struct {
	Ack    SettleFunc
	Nack   SettleFunc
	Reject SettleFunc
}

// RawMessage is a Message assembled from broker callbacks.
// Broker adapters build one per delivery.
type RawMessage struct {
	id    string
	data  []byte
	attrs Attributes
	cb    Callbacks
}

// NewRaw creates a message with the given id, payload, attributes and callbacks.
func NewRaw(id string, data []byte, attrs Attributes, cb Callbacks) *RawMessage {
	if attrs == nil {
		attrs = make(Attributes)
	}
	return &RawMessage{id: id, data: data, attrs: attrs, cb: cb}
}

func (m *RawMessage) ID() string             { return m.id }
func (m *RawMessage) Data() []byte           { return m.data }
func (m *RawMessage) Attributes() Attributes { return m.attrs }

func (m *RawMessage) Ack(ctx context.Context, opts Options) error {
	return call(ctx, m.cb.Ack, opts)
}

func (m *RawMessage) Nack(ctx context.Context, opts Options) error {
	return call(ctx, m.cb.Nack, opts)
}

func (m *RawMessage) Reject(ctx context.Context, opts Options) error {
	return call(ctx, m.cb.Reject, opts)
}

func call(ctx context.Context, fn SettleFunc, opts Options) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, opts)
}

// Disposition is the terminal state of a message.
type Disposition int

const (
	// DispositionNone means the message was not settled yet (or was skipped).
	DispositionNone Disposition = iota
	DispositionAcked
	DispositionNacked
	DispositionRejected
)

// String implements fmt.Stringer.
func (d Disposition) String() string {
	switch d {
	case DispositionAcked:
		return "acked"
	case DispositionNacked:
		return "nacked"
	case DispositionRejected:
		return "rejected"
	default:
		return "none"
	}
}

// TrackedMessage wraps a Message and settles it at most once.
// The first Ack, Nack or Reject is forwarded to the broker; later calls are
// no-ops returning nil. This lets handlers settle a message manually while
// the surrounding Context still runs its finalizer.
// TrackedMessage is safe for concurrent use.
type TrackedMessage struct {
	Message

	mu          sync.Mutex
	disposition Disposition
}

// Track wraps msg. Tracking an already tracked message returns it unchanged.
func Track(msg Message) *TrackedMessage {
	if t, ok := msg.(*TrackedMessage); ok {
		return t
	}
	return &TrackedMessage{Message: msg}
}

// Ack acknowledges the message unless it was already settled.
func (m *TrackedMessage) Ack(ctx context.Context, opts Options) error {
	return m.settle(DispositionAcked, func() error { return m.Message.Ack(ctx, opts) })
}

// Nack negatively acknowledges the message unless it was already settled.
func (m *TrackedMessage) Nack(ctx context.Context, opts Options) error {
	return m.settle(DispositionNacked, func() error { return m.Message.Nack(ctx, opts) })
}

// Reject rejects the message unless it was already settled.
func (m *TrackedMessage) Reject(ctx context.Context, opts Options) error {
	return m.settle(DispositionRejected, func() error { return m.Message.Reject(ctx, opts) })
}

// Disposition returns how the message was settled.
func (m *TrackedMessage) Disposition() Disposition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposition
}

// Unwrap returns the underlying broker message.
func (m *TrackedMessage) Unwrap() Message {
	return m.Message
}

func (m *TrackedMessage) settle(d Disposition, fn func() error) error {
	m.mu.Lock()
	if m.disposition != DispositionNone {
		m.mu.Unlock()
		return nil
	}
	m.disposition = d
	m.mu.Unlock()

	// Broker call outside the mutex; a failed call leaves the message
	// settled since its broker state is unknown.
	return fn()
}
