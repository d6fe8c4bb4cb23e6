// Package psuclient implements the consumer-side cache and command
// issuer for one power-supply instance: it mirrors the bus's retained
// state into an in-memory record and fans changes out to any number of
// local subscribers over bounded channels, the same broadcast-channel
// idiom the capability spec prescribes in place of a closure registry.
package psuclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/orbitlab/psuctl/internal/payload"
	"github.com/orbitlab/psuctl/internal/topics"
	"github.com/orbitlab/psuctl/pkg/concurrency"
	appErrors "github.com/orbitlab/psuctl/pkg/errors"
	"github.com/orbitlab/psuctl/pkg/logger"
	"github.com/orbitlab/psuctl/pkg/messaging"
)

// broadcastCapacity is the suggested bound on each change channel; a slow
// subscriber lags and may miss an update rather than stall the dispatcher.
const broadcastCapacity = 32

// ErrAckTimeout is returned by the *_WaitAck methods when no matching
// state or error publication arrives within the caller's deadline.
var ErrAckTimeout = appErrors.Timeout("ack wait timed out", nil)

// cached is the client-internal mirror of bus state, updated solely by
// incoming retained publications.
type cached struct {
	enabled bool
	voltage string
	current string
}

// Client observes one instance's state topics and issues commands on its
// command topics. Multiple Clients may exist for the same instance.
type Client struct {
	algebra *topics.Algebra
	broker  messaging.Broker
	log     *slog.Logger

	mu    sync.RWMutex
	state cached

	oeChanges      *broadcaster[bool]
	voltageChanges *broadcaster[string]
	currentChanges *broadcaster[string]

	waitersMu sync.Mutex
	waiters   map[string]chan ackResult
}

type ackResult struct {
	err error
}

// New creates a Client for one instance and starts its dispatch loop.
// The loop runs until ctx is cancelled.
func New(ctx context.Context, namespace, instance string, broker messaging.Broker) (*Client, error) {
	c := &Client{
		algebra:        topics.New(namespace, instance),
		broker:         broker,
		log:            logger.L().With("instance", instance, "namespace", namespace),
		oeChanges:      newBroadcaster[bool](),
		voltageChanges: newBroadcaster[string](),
		currentChanges: newBroadcaster[string](),
		waiters:        make(map[string]chan ackResult),
	}

	consumers := make([]messaging.Consumer, 0, len(c.algebra.SubscriptionsForClient()))
	for _, topic := range c.algebra.SubscriptionsForClient() {
		consumer, err := broker.Consumer(topic, "")
		if err != nil {
			for _, existing := range consumers {
				existing.Close()
			}
			return nil, err
		}
		consumers = append(consumers, consumer)
	}

	for _, consumer := range consumers {
		consumer := consumer
		concurrency.SafeGo(ctx, func() {
			consumer.Consume(ctx, c.dispatch)
		})
	}

	return c, nil
}

func (c *Client) dispatch(ctx context.Context, msg *messaging.Message) error {
	id, ok := c.algebra.TopicToID(msg.Topic)
	if !ok {
		return nil
	}

	switch id {
	case topics.State:
		body, err := payload.DecodePowerState(msg.Payload)
		if err != nil {
			c.log.Info("malformed state publication ignored", "error", err)
			return nil
		}
		c.setEnabled(body.State == payload.ON)
		c.resolveWaiter(body.PzaID, nil)

	case topics.Voltage:
		body, err := payload.DecodeVoltage(msg.Payload)
		if err != nil {
			c.log.Info("malformed voltage publication ignored", "error", err)
			return nil
		}
		c.setVoltage(body.Voltage)
		c.resolveWaiter(body.PzaID, nil)

	case topics.Current:
		body, err := payload.DecodeCurrent(msg.Payload)
		if err != nil {
			c.log.Info("malformed current publication ignored", "error", err)
			return nil
		}
		c.setCurrent(body.Current)
		c.resolveWaiter(body.PzaID, nil)

	case topics.Status:
		var status payload.StatusPayload
		if err := json.Unmarshal(msg.Payload, &status); err != nil {
			c.log.Info("malformed status publication ignored", "error", err)
			return nil
		}
		c.log.Debug("status received", "code", status.Code, "message", status.Message)

	case topics.Error:
		body, err := payload.DecodeError(msg.Payload)
		if err != nil {
			c.log.Info("malformed error publication ignored", "error", err)
			return nil
		}
		c.log.Debug("error received", "pza_id", body.PzaID, "message", body.Message)
		c.resolveWaiter(body.PzaID, appErrors.InvalidArgument(body.Message, nil))
	}
	return nil
}

func (c *Client) setEnabled(v bool) {
	c.mu.Lock()
	c.state.enabled = v
	c.mu.Unlock()
	c.oeChanges.publish(v)
}

func (c *Client) setVoltage(v string) {
	c.mu.Lock()
	c.state.voltage = v
	c.mu.Unlock()
	c.voltageChanges.publish(v)
}

func (c *Client) setCurrent(v string) {
	c.mu.Lock()
	c.state.current = v
	c.mu.Unlock()
	c.currentChanges.publish(v)
}

// GetOutputEnabled returns the last cached output-enable state.
func (c *Client) GetOutputEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.enabled
}

// GetVoltage returns the last cached voltage set-point.
func (c *Client) GetVoltage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.voltage
}

// GetCurrent returns the last cached current set-point.
func (c *Client) GetCurrent() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.current
}

// SubscribeOutputEnabledChanges returns a fresh, independent receiver
// for output-enable state changes. Each call appends a new subscriber;
// every subscriber receives every change, rather than subscribers
// competing for a shared channel.
func (c *Client) SubscribeOutputEnabledChanges() *Subscription[bool] {
	return c.oeChanges.subscribe()
}

// SubscribeVoltageChanges returns a fresh, independent receiver for
// voltage changes.
func (c *Client) SubscribeVoltageChanges() *Subscription[string] {
	return c.voltageChanges.subscribe()
}

// SubscribeCurrentChanges returns a fresh, independent receiver for
// current changes.
func (c *Client) SubscribeCurrentChanges() *Subscription[string] {
	return c.currentChanges.subscribe()
}

// EnableOutput publishes a PowerStatePayload requesting ON and returns
// the fresh correlation id it used.
func (c *Client) EnableOutput(ctx context.Context) (string, error) {
	return c.sendPowerState(ctx, payload.ON)
}

// DisableOutput publishes a PowerStatePayload requesting OFF.
func (c *Client) DisableOutput(ctx context.Context) (string, error) {
	return c.sendPowerState(ctx, payload.OFF)
}

func (c *Client) sendPowerState(ctx context.Context, state payload.State) (string, error) {
	cmd := payload.NewCommand(state)
	return cmd.PzaID, c.publish(ctx, topics.StateCmd, cmd)
}

// SetVoltage publishes a VoltagePayload requesting voltage s.
func (c *Client) SetVoltage(ctx context.Context, s string) (string, error) {
	cmd := payload.NewVoltageCommand(s)
	return cmd.PzaID, c.publish(ctx, topics.VoltageCmd, cmd)
}

// SetCurrent publishes a CurrentPayload requesting current s.
func (c *Client) SetCurrent(ctx context.Context, s string) (string, error) {
	cmd := payload.NewCurrentCommand(s)
	return cmd.PzaID, c.publish(ctx, topics.CurrentCmd, cmd)
}

func (c *Client) publish(ctx context.Context, id topics.ID, body any) error {
	raw, err := payload.Encode(body)
	if err != nil {
		return err
	}
	producer, err := c.broker.Producer(c.algebra.Topic(id))
	if err != nil {
		return err
	}
	defer producer.Close()
	return producer.Publish(ctx, &messaging.Message{
		Topic:   c.algebra.Topic(id),
		Payload: raw,
	})
}

// EnableOutputWaitAck sends the ON command and waits for its matching
// state or error publication, registering the waiter before publishing
// so a fast response can never race the wait.
func (c *Client) EnableOutputWaitAck(ctx context.Context, timeout time.Duration) error {
	return c.sendWaitAck(ctx, topics.StateCmd, payload.NewCommand(payload.ON), timeout)
}

// DisableOutputWaitAck is the OFF analogue of EnableOutputWaitAck.
func (c *Client) DisableOutputWaitAck(ctx context.Context, timeout time.Duration) error {
	return c.sendWaitAck(ctx, topics.StateCmd, payload.NewCommand(payload.OFF), timeout)
}

// SetVoltageWaitAck sends a voltage command and waits for its ack.
func (c *Client) SetVoltageWaitAck(ctx context.Context, s string, timeout time.Duration) error {
	return c.sendWaitAck(ctx, topics.VoltageCmd, payload.NewVoltageCommand(s), timeout)
}

// SetCurrentWaitAck sends a current command and waits for its ack.
func (c *Client) SetCurrentWaitAck(ctx context.Context, s string, timeout time.Duration) error {
	return c.sendWaitAck(ctx, topics.CurrentCmd, payload.NewCurrentCommand(s), timeout)
}

func (c *Client) sendWaitAck(ctx context.Context, topicID topics.ID, cmd any, timeout time.Duration) error {
	pzaID := extractPzaID(cmd)

	waiter := make(chan ackResult, 1)
	c.waitersMu.Lock()
	c.waiters[pzaID] = waiter
	c.waitersMu.Unlock()
	defer func() {
		c.waitersMu.Lock()
		delete(c.waiters, pzaID)
		c.waitersMu.Unlock()
	}()

	if err := c.publish(ctx, topicID, cmd); err != nil {
		return err
	}

	select {
	case res := <-waiter:
		return res.err
	case <-time.After(timeout):
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) resolveWaiter(pzaID string, err error) {
	if pzaID == "" {
		return
	}
	c.waitersMu.Lock()
	waiter, ok := c.waiters[pzaID]
	c.waitersMu.Unlock()
	if !ok {
		return
	}
	select {
	case waiter <- ackResult{err: err}:
	default:
	}
}

func extractPzaID(cmd any) string {
	switch v := cmd.(type) {
	case payload.PowerStatePayload:
		return v.PzaID
	case payload.VoltagePayload:
		return v.PzaID
	case payload.CurrentPayload:
		return v.PzaID
	default:
		return ""
	}
}
