// Package topics derives the fixed set of per-instance MQTT topic names
// from a server-type namespace and an instance id, and maps a received
// topic back to the semantic identifier the Runner and Client dispatch on.
//
// Grounded on the adapter-selection style of
// github.com/orbitlab/psuctl/pkg/messaging: a small closed set of named
// wire endpoints rather than a free-form string API.
package topics

import "strings"

// ID names one of the eight semantic topics a power-supply instance exposes.
type ID int

const (
	// Status carries the retained lifecycle status (Booting/Running/Panicking/Crashed).
	Status ID = iota
	// Error carries ad-hoc error payloads (e.g. out-of-bounds set-points).
	Error
	// State carries the retained output-enable state.
	State
	// StateCmd is the command topic used to request an output-enable change.
	StateCmd
	// Voltage carries the retained authoritative voltage set-point.
	Voltage
	// VoltageCmd is the command topic used to request a voltage change.
	VoltageCmd
	// Current carries the retained authoritative current set-point.
	Current
	// CurrentCmd is the command topic used to request a current change.
	CurrentCmd
)

func (id ID) String() string {
	switch id {
	case Status:
		return "status"
	case Error:
		return "error"
	case State:
		return "state"
	case StateCmd:
		return "state/cmd"
	case Voltage:
		return "voltage"
	case VoltageCmd:
		return "voltage/cmd"
	case Current:
		return "current"
	case CurrentCmd:
		return "current/cmd"
	default:
		return "unknown"
	}
}

// all lists every topic identifier, used to build lookup tables and for
// the P6 round-trip test property.
var all = []ID{Status, Error, State, StateCmd, Voltage, VoltageCmd, Current, CurrentCmd}

// Algebra derives topic names for one instance under one server-type
// namespace and maps received topic strings back to their ID.
type Algebra struct {
	namespace string
	instance  string
	toID      map[string]ID
	toTopic   map[ID]string
}

// New builds the topic algebra for a given server-type namespace (e.g.
// "psu") and instance name (e.g. "emu"). namespace and instance must be
// non-empty; New panics otherwise since topic derivation is a boot-time,
// programmer-controlled operation never driven by untrusted input.
func New(namespace, instance string) *Algebra {
	if namespace == "" || instance == "" {
		panic("topics: namespace and instance must be non-empty")
	}

	a := &Algebra{
		namespace: namespace,
		instance:  instance,
		toID:      make(map[string]ID, len(all)),
		toTopic:   make(map[ID]string, len(all)),
	}
	for _, id := range all {
		full := strings.Join([]string{namespace, instance, id.String()}, "/")
		a.toTopic[id] = full
		a.toID[full] = id
	}
	return a
}

// Topic returns the full wire topic name for id.
func (a *Algebra) Topic(id ID) string {
	return a.toTopic[id]
}

// TopicToID maps a received topic string to its semantic identifier.
// The bool return is false for any topic outside this instance's closed
// set (e.g. another instance's topics, or a reserved measurement-frequency
// topic this revision does not implement).
func (a *Algebra) TopicToID(topic string) (ID, bool) {
	id, ok := a.toID[topic]
	return id, ok
}

// SubscriptionsForClient returns the topics a Client mirrors.
func (a *Algebra) SubscriptionsForClient() []string {
	return []string{
		a.Topic(Status),
		a.Topic(Error),
		a.Topic(State),
		a.Topic(Voltage),
		a.Topic(Current),
	}
}

// SubscriptionsForServer returns the command topics a Runner subscribes to.
func (a *Algebra) SubscriptionsForServer() []string {
	return []string{
		a.Topic(StateCmd),
		a.Topic(VoltageCmd),
		a.Topic(CurrentCmd),
	}
}

// Instance returns the instance name this algebra was built for.
func (a *Algebra) Instance() string {
	return a.instance
}
