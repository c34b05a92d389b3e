package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxsml/gostream/broker"
	"github.com/fxsml/gostream/consumer"
	"github.com/fxsml/gostream/delivery"
	"github.com/fxsml/gostream/internal/test"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type fakeMsg struct {
	jetstream.Msg
	subject string
	data    []byte
	headers nats.Header
	meta    *jetstream.MsgMetadata

	mu    sync.Mutex
	calls []string
	delay time.Duration
}

func (m *fakeMsg) Subject() string      { return m.subject }
func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Headers() nats.Header { return m.headers }
func (m *fakeMsg) Ack() error           { return m.record("ack") }
func (m *fakeMsg) Nak() error           { return m.record("nak") }
func (m *fakeMsg) Term() error          { return m.record("term") }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	if m.meta == nil {
		return nil, errors.New("not a jetstream message")
	}
	return m.meta, nil
}

func (m *fakeMsg) DoubleAck(context.Context) error { return m.record("double_ack") }

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
	return m.record("nak_delay")
}

func (m *fakeMsg) record(call string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
	return nil
}

func (m *fakeMsg) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type fakeConsumeContext struct {
	jetstream.ConsumeContext
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConsumeContext) Stop() {
	c.once.Do(func() { close(c.closed) })
}

func (c *fakeConsumeContext) Closed() <-chan struct{} { return c.closed }

type fakeConsumer struct {
	handler jetstream.MessageHandler
	cc      *fakeConsumeContext
	ready   chan struct{}
}

func newFakeConsumer() *fakeConsumer {
	return &fakeConsumer{
		cc:    &fakeConsumeContext{closed: make(chan struct{})},
		ready: make(chan struct{}),
	}
}

func (c *fakeConsumer) Consume(h jetstream.MessageHandler, _ ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	c.handler = h
	close(c.ready)
	return c.cc, nil
}

func msgWithID(headers nats.Header, meta *jetstream.MsgMetadata) *fakeMsg {
	return &fakeMsg{subject: "orders.created", data: []byte("x"), headers: headers, meta: meta}
}

func TestMessageID(t *testing.T) {
	meta := &jetstream.MsgMetadata{Stream: "ORDERS", Sequence: jetstream.SequencePair{Stream: 42}}

	tests := []struct {
		name    string
		headers nats.Header
		meta    *jetstream.MsgMetadata
		want    string
	}{
		{"nats msg id", nats.Header{HeaderMsgID: {"dedup-1"}, HeaderMessageID: {"m-1"}}, meta, "dedup-1"},
		{"message_id header", nats.Header{HeaderMessageID: {"m-1"}}, meta, "m-1"},
		{"stream sequence", nil, meta, "ORDERS/42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewMessage(msgWithID(tt.headers, tt.meta)).ID(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	t.Run("generated", func(t *testing.T) {
		a := NewMessage(msgWithID(nil, nil)).ID()
		b := NewMessage(msgWithID(nil, nil)).ID()
		if a == "" || a == b {
			t.Errorf("expected distinct generated ids, got %q and %q", a, b)
		}
	})
}

func TestMessageSettle(t *testing.T) {
	tests := []struct {
		name   string
		settle func(delivery.Message) error
		want   string
	}{
		{"ack", func(m delivery.Message) error { return m.Ack(context.Background(), nil) }, "ack"},
		{"ack sync", func(m delivery.Message) error {
			return m.Ack(context.Background(), delivery.Options{"sync": true})
		}, "double_ack"},
		{"nack", func(m delivery.Message) error { return m.Nack(context.Background(), nil) }, "nak"},
		{"nack with delay", func(m delivery.Message) error {
			return m.Nack(context.Background(), delivery.Options{"delay": time.Second})
		}, "nak_delay"},
		{"reject terminates", func(m delivery.Message) error { return m.Reject(context.Background(), nil) }, "term"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := msgWithID(nats.Header{HeaderMessageID: {"m"}}, nil)
			if err := tt.settle(NewMessage(fm)); err != nil {
				t.Fatalf("settle: %v", err)
			}
			if calls := fm.Calls(); len(calls) != 1 || calls[0] != tt.want {
				t.Errorf("got %v, want %s", calls, tt.want)
			}
		})
	}
}

func TestMessageAttributes(t *testing.T) {
	fm := msgWithID(nats.Header{"tenant": {"acme"}}, &jetstream.MsgMetadata{
		Stream:       "ORDERS",
		Consumer:     "processor",
		Sequence:     jetstream.SequencePair{Stream: 7},
		NumDelivered: 2,
	})
	attrs := NewMessage(fm).Attributes()

	checks := map[string]any{
		"nats.subject":       "orders.created",
		"nats.stream":        "ORDERS",
		"nats.consumer":      "processor",
		"nats.sequence":      uint64(7),
		"nats.num_delivered": uint64(2),
		"nats.header.tenant": "acme",
	}
	for k, want := range checks {
		if attrs[k] != want {
			t.Errorf("%s: got %v, want %v", k, attrs[k], want)
		}
	}
}

func TestSubscriber(t *testing.T) {
	fc := newFakeConsumer()
	sub := NewSubscriberWithConsumer(fc, SubscriberConfig{Stream: "ORDERS", Logger: &test.Logger{}})

	errFail := errors.New("fail")
	c := consumer.New(sub, func(context.Context, delivery.Message) error { return errFail }, consumer.Config{
		Retry:        delivery.RetryConfig{Mode: delivery.RetryCounter, MaxTries: 1},
		Logger:       &test.Logger{},
		ErrorHandler: func(delivery.Message, error) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done, err := c.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-fc.ready

	headers := nats.Header{HeaderMsgID: {"order-1"}}
	first, second := msgWithID(headers, nil), msgWithID(headers, nil)
	fc.handler(first)
	fc.handler(second)

	deadline := time.Now().Add(time.Second)
	for len(second.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	if got := first.Calls(); len(got) != 1 || got[0] != "nak" {
		t.Errorf("first delivery: got %v, want nak", got)
	}
	if got := second.Calls(); len(got) != 1 || got[0] != "term" {
		t.Errorf("second delivery: got %v, want term", got)
	}
	select {
	case <-fc.cc.closed:
	case <-time.After(time.Second):
		t.Error("expected consume context stopped")
	}
}

type fakeJetStream struct {
	msgs []*nats.Msg
}

func (js *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	js.msgs = append(js.msgs, msg)
	return &jetstream.PubAck{Stream: "ORDERS", Sequence: uint64(len(js.msgs))}, nil
}

func TestPublisher(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		p := NewPublisher(PublisherConfig{Logger: &test.Logger{}})
		if err := p.Publish(context.Background(), "s", broker.Message{}); !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("sets msg id header", func(t *testing.T) {
		js := &fakeJetStream{}
		p := NewPublisherWithJetStream(js, PublisherConfig{Logger: &test.Logger{}})
		err := p.Publish(context.Background(), "orders.created", broker.Message{
			ID:      "o-1",
			Data:    []byte("x"),
			Headers: map[string]string{"tenant": "acme"},
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		m := js.msgs[0]
		if m.Subject != "orders.created" || m.Header.Get(HeaderMsgID) != "o-1" || m.Header.Get("tenant") != "acme" {
			t.Errorf("unexpected msg %+v", m)
		}
	})
}
