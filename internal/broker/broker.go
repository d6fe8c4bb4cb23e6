// Package broker implements a minimal embedded MQTT 3.1.1 broker for
// deployments that don't want to stand up an external one. It speaks
// QoS 0 only and supports retained messages and the +/# wildcards,
// enough for this control plane's command/state topics.
//
// Grounded on the accept-loop/per-client-goroutine/outbox-channel shape
// of a QoS-0 MQTT0 broker from the wider pack, trimmed to MQTT 3.1.1
// only (matching paho.mqtt.golang's default protocol level) and to the
// subset of packet types a power-supply control plane ever sends.
package broker

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/orbitlab/psuctl/pkg/logger"
)

// DefaultMaxPacketSize bounds a single incoming packet.
const DefaultMaxPacketSize = 1 << 20

// retainedMessage is the last retained publication on a topic.
type retainedMessage struct {
	payload []byte
}

// subscription is one client's interest in a topic filter.
type subscription struct {
	filter string
	client *client
}

// Broker is a standalone, in-process MQTT 3.1.1 broker. The zero value
// is not usable; construct with New.
type Broker struct {
	log           *slog.Logger
	maxPacketSize int

	mu        sync.Mutex
	clients   map[string]*client
	subs      []subscription
	retained  map[string]retainedMessage
	listener  net.Listener
	closeOnce sync.Once
}

// New constructs a Broker. Call Serve to start accepting connections.
func New() *Broker {
	return &Broker{
		log:           logger.L().With("component", "broker"),
		maxPacketSize: DefaultMaxPacketSize,
		clients:       make(map[string]*client),
		retained:      make(map[string]retainedMessage),
	}
}

// client is one connected session. outbox carries messages routed to
// it from other clients' publishes; only handleConn's select loop ever
// writes to conn, so two packets can never interleave on the wire.
type client struct {
	id     string
	conn   net.Conn
	outbox chan outgoing
	done   chan struct{}
}

type outgoing struct {
	topic   string
	payload []byte
	retain  bool
}

// Serve accepts connections on ln until it is closed or ctx is done.
// It blocks until one of those happens.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go b.handleConn(ctx, conn)
	}
}

// Close stops accepting connections and disconnects every client.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		if b.listener != nil {
			err = b.listener.Close()
		}
		clients := make([]*client, 0, len(b.clients))
		for _, c := range b.clients {
			clients = append(clients, c)
		}
		b.mu.Unlock()

		for _, c := range clients {
			c.conn.Close()
		}
	})
	return err
}

func (b *Broker) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	first, err := readPacket(reader, b.maxPacketSize)
	if err != nil {
		b.log.Debug("read connect failed", "error", err)
		return
	}
	if first.typ != ptConnect {
		b.log.Debug("expected CONNECT as first packet", "type", first.typ)
		return
	}
	connect, err := parseConnect(first.body)
	if err != nil {
		b.log.Debug("malformed CONNECT", "error", err)
		return
	}

	if err := writePacket(conn, ptConnAck, 0, buildConnAck(connAckAccepted)); err != nil {
		return
	}

	c := &client{
		id:     connect.clientID,
		conn:   conn,
		outbox: make(chan outgoing, 64),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if old, exists := b.clients[c.id]; exists {
		old.conn.Close()
	}
	b.clients[c.id] = c
	b.mu.Unlock()

	b.log.Info("client connected", "client_id", c.id)
	defer b.cleanupClient(c)

	var keepAlive time.Duration
	if connect.keepAlive > 0 {
		keepAlive = time.Duration(connect.keepAlive) * time.Second * 3 / 2
	}

	// A dedicated reader goroutine decodes packets onto readCh so the
	// select loop below is the sole writer of conn, keeping every PUBLISH
	// routed from another client and every direct ack as one atomic write.
	readCh := make(chan rawPacket, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		for {
			pkt, err := readPacket(reader, b.maxPacketSize)
			if err != nil {
				select {
				case errCh <- err:
				case <-c.done:
				}
				return
			}
			select {
			case readCh <- pkt:
			case <-c.done:
				return
			}
		}
	}()

	for {
		var timeoutCh <-chan time.Time
		if keepAlive > 0 {
			timeoutCh = time.After(keepAlive)
		}

		select {
		case msg := <-c.outbox:
			flags, body := buildPublish(msg.topic, msg.payload, msg.retain)
			if err := writePacket(conn, ptPublish, flags, body); err != nil {
				return
			}

		case pkt := <-readCh:
			switch pkt.typ {
			case ptPublish:
				p, err := parsePublish(pkt.flags, pkt.body)
				if err != nil {
					b.log.Debug("malformed PUBLISH", "client_id", c.id, "error", err)
					continue
				}
				b.publish(p.topic, p.payload, p.retain)

			case ptSubscribe:
				sub, err := parseSubscribe(pkt.body)
				if err != nil {
					b.log.Debug("malformed SUBSCRIBE", "client_id", c.id, "error", err)
					continue
				}
				b.subscribe(c, sub.filters)
				if err := writePacket(conn, ptSubAck, 0, buildSubAck(sub.packetID, len(sub.filters))); err != nil {
					return
				}

			case ptUnsubscribe:
				unsub, err := parseUnsubscribe(pkt.body)
				if err != nil {
					b.log.Debug("malformed UNSUBSCRIBE", "client_id", c.id, "error", err)
					continue
				}
				b.unsubscribe(c, unsub.filters)
				if err := writePacket(conn, ptUnsubAck, 0, buildUnsubAck(unsub.packetID)); err != nil {
					return
				}

			case ptPingReq:
				if err := writePacket(conn, ptPingResp, 0, nil); err != nil {
					return
				}

			case ptDisconnect:
				return
			}

		case err := <-errCh:
			if err != nil {
				b.log.Debug("read error", "client_id", c.id, "error", err)
			}
			return

		case <-timeoutCh:
			b.log.Debug("keepalive timeout", "client_id", c.id)
			return
		}
	}
}

func (b *Broker) cleanupClient(c *client) {
	close(c.done)
	b.mu.Lock()
	if current, ok := b.clients[c.id]; ok && current == c {
		delete(b.clients, c.id)
	}
	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s.client != c {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	b.mu.Unlock()
	b.log.Info("client disconnected", "client_id", c.id)
}

func (b *Broker) subscribe(c *client, filters []string) {
	b.mu.Lock()
	for _, filter := range filters {
		b.subs = append(b.subs, subscription{filter: filter, client: c})
	}
	var retainedDeliveries []outgoing
	for topic, msg := range b.retained {
		for _, filter := range filters {
			if topicMatches(filter, topic) {
				retainedDeliveries = append(retainedDeliveries, outgoing{topic: topic, payload: msg.payload, retain: true})
				break
			}
		}
	}
	b.mu.Unlock()

	for _, delivery := range retainedDeliveries {
		select {
		case c.outbox <- delivery:
		default:
			b.log.Debug("dropped retained delivery, outbox full", "client_id", c.id, "topic", delivery.topic)
		}
	}
}

func (b *Broker) unsubscribe(c *client, filters []string) {
	remove := make(map[string]bool, len(filters))
	for _, f := range filters {
		remove[f] = true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s.client == c && remove[s.filter] {
			continue
		}
		filtered = append(filtered, s)
	}
	b.subs = filtered
}

// publish routes a message to every matching subscriber and, for a
// retained publication, updates (or clears, on an empty payload) the
// retained table.
func (b *Broker) publish(topic string, payload []byte, retain bool) {
	b.mu.Lock()
	if retain {
		if len(payload) == 0 {
			delete(b.retained, topic)
		} else {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			b.retained[topic] = retainedMessage{payload: cp}
		}
	}
	var targets []*client
	for _, s := range b.subs {
		if topicMatches(s.filter, topic) {
			targets = append(targets, s.client)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		select {
		case c.outbox <- outgoing{topic: topic, payload: payload, retain: retain}:
		default:
			b.log.Debug("dropped publish, outbox full", "client_id", c.id, "topic", topic)
		}
	}
}
