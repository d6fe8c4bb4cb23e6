// Package payload encodes and decodes the JSON bodies carried on the bus,
// and generates/echoes the correlation id (pza_id) used to match a command
// to the state or error publication it produced.
package payload

import (
	"encoding/json"

	"github.com/google/uuid"

	appErrors "github.com/orbitlab/psuctl/pkg/errors"
)

// idLength is the number of characters in a generated correlation id.
const idLength = 5

// State is the closed power-state enumeration carried on the wire.
type State string

const (
	ON  State = "ON"
	OFF State = "OFF"
)

// Valid reports whether s is ON or OFF.
func (s State) Valid() bool {
	return s == ON || s == OFF
}

// StatusCode is the closed runner lifecycle enumeration.
type StatusCode string

const (
	Booting   StatusCode = "Booting"
	Running   StatusCode = "Running"
	Panicking StatusCode = "Panicking"
	Crashed   StatusCode = "Crashed"
)

// envelope is the structural superset every payload decodes against; a
// given variant only looks at the fields it declares.
type envelope struct {
	PzaID   string     `json:"pza_id"`
	State   State      `json:"state,omitempty"`
	Voltage string     `json:"voltage,omitempty"`
	Current string     `json:"current,omitempty"`
	Code    StatusCode `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
}

// PowerStatePayload requests or reports an output-enable change.
type PowerStatePayload struct {
	PzaID string `json:"pza_id"`
	State State  `json:"state"`
}

// VoltagePayload requests or reports a voltage set-point.
type VoltagePayload struct {
	PzaID   string `json:"pza_id"`
	Voltage string `json:"voltage"`
}

// CurrentPayload requests or reports a current set-point.
type CurrentPayload struct {
	PzaID   string `json:"pza_id"`
	Current string `json:"current"`
}

// StatusPayload reports the Runner's lifecycle state.
type StatusPayload struct {
	PzaID   string     `json:"pza_id"`
	Code    StatusCode `json:"code"`
	Message string     `json:"message"`
}

// ErrorPayload reports a rejected command, keyed by the command's pza_id.
type ErrorPayload struct {
	PzaID   string `json:"pza_id"`
	Message string `json:"message"`
}

// ErrMalformedPayload is returned by the Decode* functions when the bytes
// are not valid JSON. DecodePowerState, DecodeVoltage and DecodeCurrent
// also return it when the pza_id field is absent; an empty pza_id (as on
// the Runner's boot-time publications) is accepted.
var ErrMalformedPayload = appErrors.InvalidArgument("malformed payload", nil)

// NewPzaID generates a fresh 5-character alphanumeric correlation id by
// truncating a random UUID, the same truncated-uuid idiom used elsewhere
// in this codebase for short identifiers. The leading hex characters of
// a UUID string are always alphanumeric, so no further encoding step is
// needed to satisfy the wire format's alnum requirement.
func NewPzaID() string {
	return uuid.NewString()[:idLength]
}

// NewCommand builds a PowerStatePayload with a freshly generated pza_id.
func NewCommand(state State) PowerStatePayload {
	return PowerStatePayload{PzaID: NewPzaID(), State: state}
}

// NewVoltageCommand builds a VoltagePayload with a freshly generated pza_id.
func NewVoltageCommand(voltage string) VoltagePayload {
	return VoltagePayload{PzaID: NewPzaID(), Voltage: voltage}
}

// NewCurrentCommand builds a CurrentPayload with a freshly generated pza_id.
func NewCurrentCommand(current string) CurrentPayload {
	return CurrentPayload{PzaID: NewPzaID(), Current: current}
}

// AsPowerStateResponse echoes the caller's pza_id on an authoritative state reply.
func AsPowerStateResponse(state State, pzaID string) PowerStatePayload {
	return PowerStatePayload{PzaID: pzaID, State: state}
}

// AsVoltageResponse echoes the caller's pza_id on an authoritative voltage reply.
func AsVoltageResponse(voltage string, pzaID string) VoltagePayload {
	return VoltagePayload{PzaID: pzaID, Voltage: voltage}
}

// AsCurrentResponse echoes the caller's pza_id on an authoritative current reply.
func AsCurrentResponse(current string, pzaID string) CurrentPayload {
	return CurrentPayload{PzaID: pzaID, Current: current}
}

// AsStatusResponse builds a StatusPayload; status publications are not
// correlated to a particular command, so pza_id is left empty.
func AsStatusResponse(code StatusCode, message string) StatusPayload {
	return StatusPayload{Code: code, Message: message}
}

// AsErrorResponse echoes the caller's pza_id on an error reply.
func AsErrorResponse(message string, pzaID string) ErrorPayload {
	return ErrorPayload{PzaID: pzaID, Message: message}
}

func decodeEnvelope(raw []byte) (envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return envelope{}, ErrMalformedPayload
	}
	if _, ok := fields["pza_id"]; !ok {
		return envelope{}, ErrMalformedPayload
	}
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return envelope{}, ErrMalformedPayload
	}
	return e, nil
}

// DecodePowerState decodes a PowerStatePayload. It returns
// ErrMalformedPayload for bad JSON or a missing pza_id field; a present but
// out-of-enum state value decodes successfully and is rejected by the
// caller instead, per the Runner's edge-case policy.
func DecodePowerState(raw []byte) (PowerStatePayload, error) {
	e, err := decodeEnvelope(raw)
	if err != nil {
		return PowerStatePayload{}, err
	}
	return PowerStatePayload{PzaID: e.PzaID, State: e.State}, nil
}

// DecodeVoltage decodes a VoltagePayload.
func DecodeVoltage(raw []byte) (VoltagePayload, error) {
	e, err := decodeEnvelope(raw)
	if err != nil {
		return VoltagePayload{}, err
	}
	return VoltagePayload{PzaID: e.PzaID, Voltage: e.Voltage}, nil
}

// DecodeCurrent decodes a CurrentPayload.
func DecodeCurrent(raw []byte) (CurrentPayload, error) {
	e, err := decodeEnvelope(raw)
	if err != nil {
		return CurrentPayload{}, err
	}
	return CurrentPayload{PzaID: e.PzaID, Current: e.Current}, nil
}

// DecodeStatus decodes a StatusPayload.
func DecodeStatus(raw []byte) (StatusPayload, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return StatusPayload{}, ErrMalformedPayload
	}
	return StatusPayload{PzaID: e.PzaID, Code: e.Code, Message: e.Message}, nil
}

// DecodeError decodes an ErrorPayload.
func DecodeError(raw []byte) (ErrorPayload, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return ErrorPayload{}, ErrMalformedPayload
	}
	return ErrorPayload{PzaID: e.PzaID, Message: e.Message}, nil
}

// Encode marshals any payload variant to its wire JSON form.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, appErrors.Internal("failed to encode payload", err)
	}
	return b, nil
}
