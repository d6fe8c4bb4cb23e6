package payload_test

import (
	"testing"

	"github.com/orbitlab/psuctl/internal/payload"
	"github.com/stretchr/testify/require"
)

func TestNewPzaIDIsFiveAlnumChars(t *testing.T) {
	id := payload.NewPzaID()
	require.Len(t, id, 5)
	for _, r := range id {
		require.True(t, (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}
}

func TestAsResponseEchoesPzaID(t *testing.T) {
	cmd := payload.NewCommand(payload.ON)
	resp := payload.AsPowerStateResponse(payload.ON, cmd.PzaID)
	require.Equal(t, cmd.PzaID, resp.PzaID)
}

func TestDecodePowerStateRoundTrip(t *testing.T) {
	raw, err := payload.Encode(payload.PowerStatePayload{PzaID: "AAAAA", State: payload.ON})
	require.NoError(t, err)

	decoded, err := payload.DecodePowerState(raw)
	require.NoError(t, err)
	require.Equal(t, "AAAAA", decoded.PzaID)
	require.Equal(t, payload.ON, decoded.State)
	require.True(t, decoded.State.Valid())
}

func TestDecodeRejectsUnknownState(t *testing.T) {
	decoded, err := payload.DecodePowerState([]byte(`{"pza_id":"BBBBB","state":"MAYBE"}`))
	require.NoError(t, err, "decoding succeeds; validity is the caller's concern")
	require.False(t, decoded.State.Valid())
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := payload.DecodePowerState([]byte("not-json"))
	require.ErrorIs(t, err, payload.ErrMalformedPayload)
}

func TestDecodeMissingPzaID(t *testing.T) {
	_, err := payload.DecodeVoltage([]byte(`{"voltage":"12.50"}`))
	require.ErrorIs(t, err, payload.ErrMalformedPayload)
}
