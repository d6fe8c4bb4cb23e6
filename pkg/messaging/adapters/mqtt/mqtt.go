// Package mqtt implements messaging.Broker over github.com/eclipse/paho.mqtt.golang,
// following the connect-options/token-wait idiom used across the pack's
// MQTT integrations (auto-reconnect and synchronous Publish/Subscribe
// calls that wait on the returned token). No last-will message is set.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/orbitlab/psuctl/pkg/messaging"
)

// Config configures the connection to a single MQTT broker.
type Config struct {
	Host     string `env:"MQTT_HOST" env-default:"localhost"`
	Port     int    `env:"MQTT_PORT" env-default:"1883"`
	ClientID string `env:"MQTT_CLIENT_ID"`
	Username string `env:"MQTT_USERNAME"`
	Password string `env:"MQTT_PASSWORD"`

	// ConnectTimeout bounds how long New waits for the initial connect.
	ConnectTimeout time.Duration
}

// Broker adapts a paho.mqtt.golang client to messaging.Broker. Every
// publication on this control plane uses QoS 0, the only level the
// pack's devices speak.
type Broker struct {
	client paho.Client
	mu     sync.Mutex
	closed bool
}

// New connects to the broker described by cfg and blocks until the
// connection succeeds or cfg.ConnectTimeout elapses.
func New(cfg Config) (*Broker, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(timeout)
	opts.SetOrderMatters(false)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, messaging.ErrTimeout("connect", nil)
	}
	if err := token.Error(); err != nil {
		return nil, messaging.ErrConnectionFailed(err)
	}

	return &Broker{client: client}, nil
}

func (b *Broker) Producer(topic string) (messaging.Producer, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, messaging.ErrClosed(nil)
	}
	return &producer{client: b.client, defaultTopic: topic}, nil
}

// Consumer subscribes to topic at QoS 0 and returns immediately; incoming
// messages are buffered on an internal channel from this call onward,
// even before Consume starts draining it. group is accepted for
// interface conformance; MQTT has no consumer-group concept and ignores
// it.
func (b *Broker) Consumer(topic string, group string) (messaging.Consumer, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, messaging.ErrClosed(nil)
	}

	c := &consumer{client: b.client, topic: topic, msgs: make(chan *messaging.Message, 32)}
	token := b.client.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		select {
		case c.msgs <- &messaging.Message{
			Topic:     m.Topic(),
			Payload:   m.Payload(),
			Retain:    m.Retained(),
			QoS:       m.Qos(),
			Timestamp: time.Now(),
		}:
		default:
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, messaging.ErrConsumeFailed(err)
	}
	c.subscribed = true
	return c, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.client.Disconnect(250)
	return nil
}

func (b *Broker) Healthy(ctx context.Context) bool {
	return b.client.IsConnected()
}

type producer struct {
	client       paho.Client
	defaultTopic string
}

func (p *producer) Publish(ctx context.Context, msg *messaging.Message) error {
	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}
	token := p.client.Publish(topic, msg.QoS, msg.Retain, msg.Payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		if err := token.Error(); err != nil {
			return messaging.ErrPublishFailed(err)
		}
		return nil
	case <-ctx.Done():
		return messaging.ErrTimeout("publish", ctx.Err())
	}
}

func (p *producer) Close() error { return nil }

type consumer struct {
	client     paho.Client
	topic      string
	msgs       chan *messaging.Message
	subscribed bool
	mu         sync.Mutex
}

func (c *consumer) Consume(ctx context.Context, handler messaging.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.msgs:
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribed {
		c.client.Unsubscribe(c.topic)
		c.subscribed = false
	}
	return nil
}
