// Package memory is an in-process bus. It backs tests and single-process
// deployments where no broker is available.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"intake/internal/bus"
	intakeerrors "intake/internal/errors"
	"intake/internal/messaging"
)

// ErrDisconnected is returned for operations after Disconnect.
var ErrDisconnected = errors.New("bus disconnected")

// Message is a published message recorded by the bus.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Bus routes published messages to its own subscription.
type Bus struct {
	inbox *messaging.Queue[bus.Event]

	mu          sync.Mutex
	filters     []string
	published   []Message
	subscribed  bool
	disconnects int
	closed      bool
	publishErr  func(topic string) error
}

// New returns a bus whose inbox buffers up to size events.
func New(size int) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{inbox: messaging.NewQueue[bus.Event](size)}
}

// Subscribe registers filters. Published messages whose topic matches any
// filter are delivered on the returned channel.
func (b *Bus) Subscribe(_ context.Context, filters ...string) (<-chan bus.Event, error) {
	for _, f := range filters {
		if err := bus.ValidateFilter(f); err != nil {
			return nil, intakeerrors.Transport("subscribe", f, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, intakeerrors.Transport("subscribe", "", ErrDisconnected)
	}
	b.filters = append(b.filters, filters...)
	b.subscribed = true
	return b.inbox.Messages(), nil
}

// Publish records the message and loops it back to matching subscribers.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, qos byte, retain bool) error {
	data, err := bus.EncodePayload(payload)
	if err != nil {
		return intakeerrors.Transport("publish", topic, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return intakeerrors.Transport("publish", topic, ErrDisconnected)
	}
	if b.publishErr != nil {
		if err := b.publishErr(topic); err != nil {
			b.mu.Unlock()
			return intakeerrors.Transport("publish", topic, err)
		}
	}
	b.published = append(b.published, Message{Topic: topic, Payload: data, QoS: qos, Retain: retain})
	deliver := b.matches(topic)
	b.mu.Unlock()

	if !deliver {
		return nil
	}
	if err := b.inbox.Enqueue(ctx, bus.Event{Topic: topic, Payload: data, ReceivedAt: time.Now()}); err != nil {
		return intakeerrors.Transport("publish", topic, err)
	}
	return nil
}

// Inject delivers an inbound event directly, bypassing the published log.
func (b *Bus) Inject(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	deliver := b.matches(topic)
	b.mu.Unlock()
	if !deliver {
		return fmt.Errorf("no subscription matches %q", topic)
	}
	return b.inbox.Enqueue(ctx, bus.Event{Topic: topic, Payload: payload, ReceivedAt: time.Now()})
}

func (b *Bus) matches(topic string) bool {
	for _, f := range b.filters {
		if bus.Match(f, topic) {
			return true
		}
	}
	return false
}

// Disconnect closes the event channel. Later calls are no-ops but are
// still counted.
func (b *Bus) Disconnect(context.Context) error {
	b.mu.Lock()
	b.disconnects++
	b.closed = true
	b.mu.Unlock()
	b.inbox.Close()
	return nil
}

// FailPublish makes Publish fail for topics where fn returns an error.
func (b *Bus) FailPublish(fn func(topic string) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = fn
}

// Published returns every message published so far.
func (b *Bus) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo returns the messages published to topic.
func (b *Bus) PublishedTo(topic string) []Message {
	var out []Message
	for _, m := range b.Published() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Disconnects reports how many times Disconnect was called.
func (b *Bus) Disconnects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnects
}
