// Package messaging provides a unified abstraction layer over publish/subscribe
// message brokers.
//
// This package defines the core interfaces for producing and consuming
// messages. Concrete transports live in their own sub-package under
// adapters/{driver} so callers only pull in the SDK they need.
//
// # Usage
//
//	import (
//	    "github.com/orbitlab/psuctl/pkg/messaging"
//	    "github.com/orbitlab/psuctl/pkg/messaging/adapters/mqtt"
//	)
//
//	broker, err := mqtt.New(mqtt.Config{Host: "localhost", Port: 1883})
//	producer, err := broker.Producer("psu/emu/state")
//	defer producer.Close()
//
//	err = producer.Publish(ctx, &messaging.Message{
//	    Topic:   "psu/emu/state",
//	    Payload: []byte(`{"pza_id":"AAAAA","state":"ON"}`),
//	    Retain:  true,
//	})
package messaging

import (
	"context"
	"time"
)

// Message represents a message to be sent or received from a message broker.
type Message struct {
	// ID is a unique identifier for the message.
	// If not provided, adapters should generate one.
	ID string `json:"id"`

	// Topic is the destination topic name.
	Topic string `json:"topic"`

	// Payload is the message body.
	Payload []byte `json:"payload"`

	// Retain asks the broker to store this message and deliver it to every
	// future subscriber of Topic until superseded by another retained
	// publication. Ignored by adapters that don't support retention.
	Retain bool `json:"retain,omitempty"`

	// QoS is the delivery guarantee requested for this message.
	// 0 = at-most-once, the only level this control plane uses.
	QoS byte `json:"qos,omitempty"`

	// Timestamp is when the message was created.
	// If not set, adapters should use the current time.
	Timestamp time.Time `json:"timestamp"`
}

// MessageHandler processes incoming messages.
// Return nil to go on to the next message. In the memory and mqtt adapters a
// non-nil error stops Consume, which returns that error; the message is not
// redelivered.
type MessageHandler func(ctx context.Context, msg *Message) error

// Producer sends messages to a topic.
type Producer interface {
	// Publish sends a single message. The message's Topic field is used if
	// set, otherwise the producer's default topic is used.
	Publish(ctx context.Context, msg *Message) error

	// Close releases resources associated with the producer.
	Close() error
}

// Consumer receives messages from a topic.
type Consumer interface {
	// Consume starts consuming messages and calls the handler for each one.
	// This method blocks until the context is canceled or an error occurs.
	Consume(ctx context.Context, handler MessageHandler) error

	// Close stops consuming and releases resources.
	Close() error
}

// Broker manages a connection and creates producers/consumers against it.
// Each adapter implements this interface to provide transport-specific
// functionality (MQTT, in-process memory, ...).
type Broker interface {
	// Producer creates a new producer for the specified topic.
	Producer(topic string) (Producer, error)

	// Consumer creates a new consumer for the specified topic. group is
	// reserved for brokers with consumer-group semantics; adapters that
	// don't have the concept (MQTT, memory) ignore it.
	Consumer(topic string, group string) (Consumer, error)

	// Close shuts down the broker connection and all associated producers/consumers.
	Close() error

	// Healthy returns true if the broker connection is healthy.
	Healthy(ctx context.Context) bool
}
