// Package test provides fakes shared by the gostream tests.
package test

import (
	"context"
	"sync"
	"time"

	"github.com/fxsml/gostream/delivery"
)

// Message is a delivery.Message recording every broker call.
type Message struct {
	MessageID string
	Payload   []byte
	Attrs     delivery.Attributes

	// AckErr, NackErr and RejectErr are returned by the respective calls.
	AckErr    error
	NackErr   error
	RejectErr error

	// Latency delays every broker call, simulating an asynchronous completion.
	Latency time.Duration

	mu      sync.Mutex
	acks    int
	nacks   int
	rejects int
	opts    []delivery.Options
}

// NewMessage creates a Message with the given id and payload.
func NewMessage(id string, payload string) *Message {
	return &Message{
		MessageID: id,
		Payload:   []byte(payload),
		Attrs:     delivery.Attributes{},
	}
}

func (m *Message) ID() string                      { return m.MessageID }
func (m *Message) Data() []byte                    { return m.Payload }
func (m *Message) Attributes() delivery.Attributes { return m.Attrs }

func (m *Message) Ack(ctx context.Context, opts delivery.Options) error {
	return m.record(ctx, &m.acks, opts, m.AckErr)
}

func (m *Message) Nack(ctx context.Context, opts delivery.Options) error {
	return m.record(ctx, &m.nacks, opts, m.NackErr)
}

func (m *Message) Reject(ctx context.Context, opts delivery.Options) error {
	return m.record(ctx, &m.rejects, opts, m.RejectErr)
}

// Calls returns the number of ack, nack and reject calls.
func (m *Message) Calls() (acks, nacks, rejects int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acks, m.nacks, m.rejects
}

// Total returns the number of broker calls.
func (m *Message) Total() int {
	a, n, r := m.Calls()
	return a + n + r
}

// Options returns the options passed to every broker call, in order.
func (m *Message) Options() []delivery.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delivery.Options(nil), m.opts...)
}

func (m *Message) record(ctx context.Context, counter *int, opts delivery.Options, err error) error {
	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	*counter++
	m.opts = append(m.opts, opts)
	return err
}

// Subscriber serves messages from a channel.
type Subscriber struct {
	C   chan delivery.Message
	Err error

	mu    sync.Mutex
	calls int
}

// NewSubscriber creates a Subscriber with a buffered channel holding msgs.
// The channel is closed after msgs when closeAfter is true.
func NewSubscriber(closeAfter bool, msgs ...delivery.Message) *Subscriber {
	ch := make(chan delivery.Message, len(msgs)+1)
	for _, m := range msgs {
		ch <- m
	}
	if closeAfter {
		close(ch)
	}
	return &Subscriber{C: ch}
}

// Subscribe returns the channel, or Err if set.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan delivery.Message, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return s.C, nil
}

// Calls returns how often Subscribe was called.
func (s *Subscriber) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Logger records log entries.
type Logger struct {
	mu      sync.Mutex
	Entries []Entry
}

// Entry is a recorded log call.
type Entry struct {
	Level string
	Msg   string
	Args  []any
}

func (l *Logger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.add("error", msg, args) }

// Count returns the number of entries logged at level.
func (l *Logger) Count(level string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.Entries {
		if e.Level == level {
			n++
		}
	}
	return n
}

func (l *Logger) add(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Entries = append(l.Entries, Entry{Level: level, Msg: msg, Args: args})
}
