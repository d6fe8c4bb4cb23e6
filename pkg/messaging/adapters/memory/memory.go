// Package memory implements messaging.Broker entirely in-process, the
// in-memory adapter pattern used throughout the pack's compute backends
// (see pkg/compute/vm/adapters/memory): no network, no external process,
// suitable for tests and for running the whole control plane without a
// broker dependency.
package memory

import (
	"context"
	"sync"

	"github.com/orbitlab/psuctl/pkg/messaging"
)

// Broker is a topic-keyed in-process pub/sub broker with MQTT-style
// retained-message semantics: the last retained publish to a topic is
// delivered to every consumer that subscribes afterward.
type Broker struct {
	mu       sync.RWMutex
	closed   bool
	retained map[string]*messaging.Message
	subs     map[string][]chan *messaging.Message
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		retained: make(map[string]*messaging.Message),
		subs:     make(map[string][]chan *messaging.Message),
	}
}

func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, messaging.ErrClosed(nil)
	}
	return &producer{broker: b, defaultTopic: topic}, nil
}

// Consumer creates a consumer for topic. group is accepted for interface
// conformance and ignored; this broker has no consumer-group semantics.
func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed(nil)
	}

	ch := make(chan *messaging.Message, 32)
	b.subs[topic] = append(b.subs[topic], ch)

	if retained, ok := b.retained[topic]; ok {
		ch <- retained
	}

	return &consumer{broker: b, topic: topic, ch: ch}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
	return nil
}

func (b *Broker) Healthy(ctx context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// publish suspends the caller until every current subscriber of
// msg.Topic has room, or ctx is done — this is the bus client queue the
// concurrency model describes as suspending when full, distinct from
// the lossy broadcast channels internal/psuclient exposes to UI
// consumers, which drop on purpose.
func (b *Broker) publish(ctx context.Context, msg *messaging.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return messaging.ErrClosed(nil)
	}

	if msg.Retain {
		cp := *msg
		b.retained[msg.Topic] = &cp
	}

	for _, ch := range b.subs[msg.Topic] {
		select {
		case ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type producer struct {
	broker       *Broker
	defaultTopic string
}

func (p *producer) Publish(ctx context.Context, msg *messaging.Message) error {
	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}
	cp := *msg
	cp.Topic = topic
	return p.broker.publish(ctx, &cp)
}

func (p *producer) Close() error { return nil }

type consumer struct {
	broker *Broker
	topic  string
	ch     chan *messaging.Message
	once   sync.Once
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *consumer) Close() error {
	c.once.Do(func() {
		c.broker.mu.Lock()
		defer c.broker.mu.Unlock()
		chans := c.broker.subs[c.topic]
		for i, ch := range chans {
			if ch == c.ch {
				c.broker.subs[c.topic] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
	})
	return nil
}
