package psuclient_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/orbitlab/psuctl/internal/psuclient"
	"github.com/orbitlab/psuctl/internal/topics"
	"github.com/orbitlab/psuctl/pkg/messaging"
	"github.com/orbitlab/psuctl/pkg/messaging/adapters/memory"
	"github.com/stretchr/testify/require"
)

const (
	namespace = "psu"
	instance  = "emu"
)

func publishRetained(t *testing.T, broker *memory.Broker, topic string, raw string) {
	t.Helper()
	producer, err := broker.Producer(topic)
	require.NoError(t, err)
	defer producer.Close()
	require.NoError(t, producer.Publish(context.Background(), &messaging.Message{
		Topic:   topic,
		Payload: []byte(raw),
		Retain:  true,
	}))
}

func TestNewMirrorsExistingRetainedState(t *testing.T) {
	broker := memory.New()
	algebra := topics.New(namespace, instance)
	publishRetained(t, broker, algebra.Topic(topics.State), `{"pza_id":"","state":"ON"}`)
	publishRetained(t, broker, algebra.Topic(topics.Voltage), `{"pza_id":"","voltage":"12.00"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := psuclient.New(ctx, namespace, instance, broker)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.GetOutputEnabled() && c.GetVoltage() == "12.00"
	}, time.Second, time.Millisecond)
}

func TestSubscribeVoltageChangesReceivesUpdate(t *testing.T) {
	broker := memory.New()
	algebra := topics.New(namespace, instance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := psuclient.New(ctx, namespace, instance, broker)
	require.NoError(t, err)
	changes := c.SubscribeVoltageChanges()

	publishRetained(t, broker, algebra.Topic(topics.Voltage), `{"pza_id":"","voltage":"5.00"}`)

	select {
	case v := <-changes.C:
		require.Equal(t, "5.00", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for voltage change")
	}
}

func TestSubscribeVoltageChangesDeliversToEveryIndependentSubscriber(t *testing.T) {
	broker := memory.New()
	algebra := topics.New(namespace, instance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := psuclient.New(ctx, namespace, instance, broker)
	require.NoError(t, err)

	first := c.SubscribeVoltageChanges()
	second := c.SubscribeVoltageChanges()

	publishRetained(t, broker, algebra.Topic(topics.Voltage), `{"pza_id":"","voltage":"5.00"}`)

	for _, sub := range []*psuclient.Subscription[string]{first, second} {
		select {
		case v := <-sub.C:
			require.Equal(t, "5.00", v)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for voltage change on independent subscriber")
		}
	}
}

func TestSubscribeVoltageChangesReportsLagWhenBufferFull(t *testing.T) {
	broker := memory.New()
	algebra := topics.New(namespace, instance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := psuclient.New(ctx, namespace, instance, broker)
	require.NoError(t, err)

	sub := c.SubscribeVoltageChanges()

	// Never drain sub.C: publish enough updates to overflow its buffer
	// and confirm the drop is observable via Lagged rather than silent.
	for i := 0; i < 64; i++ {
		publishRetained(t, broker, algebra.Topic(topics.Voltage), `{"pza_id":"","voltage":"5.00"}`)
	}

	require.Eventually(t, func() bool {
		return sub.Lagged() > 0
	}, time.Second, time.Millisecond)
}

func TestSetVoltageWaitAckSucceedsOnMatchingStatePublication(t *testing.T) {
	broker := memory.New()
	algebra := topics.New(namespace, instance)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := psuclient.New(ctx, namespace, instance, broker)
	require.NoError(t, err)

	consumer, err := broker.Consumer(algebra.Topic(topics.VoltageCmd), "")
	require.NoError(t, err)
	defer consumer.Close()

	go consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
		var cmd struct {
			PzaID   string `json:"pza_id"`
			Voltage string `json:"voltage"`
		}
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			return nil
		}
		producer, err := broker.Producer(algebra.Topic(topics.Voltage))
		if err != nil {
			return err
		}
		defer producer.Close()
		return producer.Publish(ctx, &messaging.Message{
			Topic:   algebra.Topic(topics.Voltage),
			Payload: []byte(`{"pza_id":"` + cmd.PzaID + `","voltage":"` + cmd.Voltage + `"}`),
			Retain:  true,
		})
	})

	err = c.SetVoltageWaitAck(ctx, "9.00", time.Second)
	require.NoError(t, err)
}

func TestEnableOutputWaitAckTimesOutWithoutAck(t *testing.T) {
	broker := memory.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := psuclient.New(ctx, namespace, instance, broker)
	require.NoError(t, err)

	err = c.EnableOutputWaitAck(ctx, 50*time.Millisecond)
	require.ErrorIs(t, err, psuclient.ErrAckTimeout)
}
