package broker_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/orbitlab/psuctl/internal/broker"
)

func startTestBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := broker.New()
	ctx, cancel := context.WithCancel(context.Background())
	go b.Serve(ctx, ln)

	t.Cleanup(func() {
		cancel()
		b.Close()
	})

	return ln.Addr().String()
}

func connectPaho(t *testing.T, addr, clientID string) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", addr)).
		SetClientID(clientID).
		SetAutoReconnect(false)
	client := paho.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	addr := startTestBroker(t)

	sub := connectPaho(t, addr, "subscriber")
	received := make(chan []byte, 1)
	token := sub.Subscribe("psu/emu/state", 0, func(_ paho.Client, m paho.Message) {
		received <- m.Payload()
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	pub := connectPaho(t, addr, "publisher")
	pubToken := pub.Publish("psu/emu/state", 0, false, []byte(`{"state":"ON"}`))
	require.True(t, pubToken.WaitTimeout(2*time.Second))
	require.NoError(t, pubToken.Error())

	select {
	case payload := <-received:
		require.JSONEq(t, `{"state":"ON"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered message")
	}
}

func TestRetainedMessageDeliveredOnSubscribe(t *testing.T) {
	addr := startTestBroker(t)

	pub := connectPaho(t, addr, "publisher")
	token := pub.Publish("psu/emu/voltage", 0, true, []byte(`{"voltage":"12.00"}`))
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	sub := connectPaho(t, addr, "late-subscriber")
	received := make(chan []byte, 1)
	subToken := sub.Subscribe("psu/emu/voltage", 0, func(_ paho.Client, m paho.Message) {
		received <- m.Payload()
	})
	require.True(t, subToken.WaitTimeout(2*time.Second))
	require.NoError(t, subToken.Error())

	select {
	case payload := <-received:
		require.JSONEq(t, `{"voltage":"12.00"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retained message")
	}
}

func TestWildcardSubscriptionMatchesMultipleTopics(t *testing.T) {
	addr := startTestBroker(t)

	sub := connectPaho(t, addr, "wildcard-subscriber")
	received := make(chan string, 4)
	token := sub.Subscribe("psu/+/status", 0, func(_ paho.Client, m paho.Message) {
		received <- m.Topic()
	})
	require.True(t, token.WaitTimeout(2*time.Second))
	require.NoError(t, token.Error())

	pub := connectPaho(t, addr, "publisher")
	for _, topic := range []string{"psu/emu-a/status", "psu/emu-b/status"} {
		token := pub.Publish(topic, 0, false, []byte("Running"))
		require.True(t, token.WaitTimeout(2*time.Second))
		require.NoError(t, token.Error())
	}

	seen := make(map[string]bool)
	for i := 0; i < 2; i++ {
		select {
		case topic := <-received:
			seen[topic] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
	require.True(t, seen["psu/emu-a/status"])
	require.True(t, seen["psu/emu-b/status"])
}
