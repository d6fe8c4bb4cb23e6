package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/orbitlab/psuctl/pkg/messaging"
	"github.com/orbitlab/psuctl/pkg/messaging/adapters/memory"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToExistingConsumer(t *testing.T) {
	broker := memory.New()
	defer broker.Close()

	consumer, err := broker.Consumer("psu/emu/state", "")
	require.NoError(t, err)
	defer consumer.Close()

	producer, err := broker.Producer("psu/emu/state")
	require.NoError(t, err)
	defer producer.Close()

	received := make(chan *messaging.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
		received <- msg
		return nil
	})

	require.NoError(t, producer.Publish(context.Background(), &messaging.Message{
		Topic:   "psu/emu/state",
		Payload: []byte(`{"pza_id":"AAAAA","state":"ON"}`),
	}))

	select {
	case msg := <-received:
		require.Equal(t, "psu/emu/state", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestRetainedMessageDeliveredToLateSubscriber(t *testing.T) {
	broker := memory.New()
	defer broker.Close()

	producer, err := broker.Producer("psu/emu/state")
	require.NoError(t, err)

	require.NoError(t, producer.Publish(context.Background(), &messaging.Message{
		Topic:   "psu/emu/state",
		Payload: []byte(`{"pza_id":"AAAAA","state":"OFF"}`),
		Retain:  true,
	}))

	consumer, err := broker.Consumer("psu/emu/state", "")
	require.NoError(t, err)
	defer consumer.Close()

	received := make(chan *messaging.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Consume(ctx, func(ctx context.Context, msg *messaging.Message) error {
		received <- msg
		return nil
	})

	select {
	case msg := <-received:
		require.Contains(t, string(msg.Payload), "OFF")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for retained message")
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	broker := memory.New()
	producer, err := broker.Producer("psu/emu/state")
	require.NoError(t, err)

	require.NoError(t, broker.Close())
	err = producer.Publish(context.Background(), &messaging.Message{Topic: "psu/emu/state"})
	require.Error(t, err)
}

func TestPublishSuspendsWhenSubscriberBufferIsFullAndCtxCancelUnblocksIt(t *testing.T) {
	broker := memory.New()
	defer broker.Close()

	consumer, err := broker.Consumer("psu/emu/state", "")
	require.NoError(t, err)
	defer consumer.Close()
	// Never start consuming: the consumer's buffered channel fills after
	// its capacity's worth of publishes, and every publish after that
	// must suspend rather than drop.

	producer, err := broker.Producer("psu/emu/state")
	require.NoError(t, err)
	defer producer.Close()

	for i := 0; i < 32; i++ {
		require.NoError(t, producer.Publish(context.Background(), &messaging.Message{
			Topic: "psu/emu/state", Payload: []byte("x"),
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = producer.Publish(ctx, &messaging.Message{Topic: "psu/emu/state", Payload: []byte("x")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHealthyReflectsCloseState(t *testing.T) {
	broker := memory.New()
	require.True(t, broker.Healthy(context.Background()))
	require.NoError(t, broker.Close())
	require.False(t, broker.Healthy(context.Background()))
}
