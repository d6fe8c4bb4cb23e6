package topics_test

import (
	"testing"

	"github.com/orbitlab/psuctl/internal/topics"
	"github.com/stretchr/testify/require"
)

func TestDerivedTopicNames(t *testing.T) {
	a := topics.New("psu", "emu")

	require.Equal(t, "psu/emu/status", a.Topic(topics.Status))
	require.Equal(t, "psu/emu/error", a.Topic(topics.Error))
	require.Equal(t, "psu/emu/state", a.Topic(topics.State))
	require.Equal(t, "psu/emu/state/cmd", a.Topic(topics.StateCmd))
	require.Equal(t, "psu/emu/voltage", a.Topic(topics.Voltage))
	require.Equal(t, "psu/emu/voltage/cmd", a.Topic(topics.VoltageCmd))
	require.Equal(t, "psu/emu/current", a.Topic(topics.Current))
	require.Equal(t, "psu/emu/current/cmd", a.Topic(topics.CurrentCmd))
}

// TestTopicRoundTrip verifies P6: topic_to_id(id_to_topic(id)) == id for
// every id in the closed enumeration.
func TestTopicRoundTrip(t *testing.T) {
	a := topics.New("psu", "emu")

	ids := []topics.ID{
		topics.Status, topics.Error, topics.State, topics.StateCmd,
		topics.Voltage, topics.VoltageCmd, topics.Current, topics.CurrentCmd,
	}
	for _, id := range ids {
		got, ok := a.TopicToID(a.Topic(id))
		require.True(t, ok)
		require.Equal(t, id, got)
	}
}

func TestTopicToIDUnknownTopic(t *testing.T) {
	a := topics.New("psu", "emu")

	_, ok := a.TopicToID("psu/other-instance/state")
	require.False(t, ok)

	_, ok = a.TopicToID("psu/emu/measurement/refresh_frequency")
	require.False(t, ok, "measurement topics are reserved and not implemented in this revision")
}

func TestSubscriptionProjections(t *testing.T) {
	a := topics.New("psu", "emu")

	require.ElementsMatch(t, []string{
		"psu/emu/status", "psu/emu/error", "psu/emu/state", "psu/emu/voltage", "psu/emu/current",
	}, a.SubscriptionsForClient())

	require.ElementsMatch(t, []string{
		"psu/emu/state/cmd", "psu/emu/voltage/cmd", "psu/emu/current/cmd",
	}, a.SubscriptionsForServer())
}
