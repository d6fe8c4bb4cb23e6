/*
Package messaging provides a unified abstraction layer over publish/subscribe
message brokers.

This package defines the core interfaces for producing and consuming messages;
concrete transports live in their own sub-package under adapters/{driver} so
callers pull in only the SDK they need.

# Architecture

  - Core interfaces are defined here (zero external dependencies)
  - adapters/mqtt wraps an MQTT 3.1.1 broker connection (paho.mqtt.golang)
  - adapters/memory is an in-process broker used by tests (the supervisor
    takes it through Options.BrokerFactory); it honors retained messages the
    same way a real broker does

# Usage

	import (
	    "github.com/orbitlab/psuctl/pkg/messaging"
	    "github.com/orbitlab/psuctl/pkg/messaging/adapters/mqtt"
	)

	broker, err := mqtt.New(mqtt.Config{Host: "localhost", Port: 1883})
	producer, err := broker.Producer("psu/emu/state")
	defer producer.Close()

	err = producer.Publish(ctx, &messaging.Message{
	    Topic:   "psu/emu/state",
	    Payload: []byte(`{"pza_id":"AAAAA","state":"ON"}`),
	    Retain:  true,
	})
*/
package messaging
