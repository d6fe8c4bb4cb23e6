// Package driver defines the uniform asynchronous capability surface a
// Runner drives: output enable/disable, voltage/current read-set, and
// declared safety bounds. Two implementations exist: hardware (a serial
// line protocol) and emulator (an in-memory stand-in used by tests and by
// operators without real equipment attached).
//
// Grounded on the adapter-interface style of
// github.com/orbitlab/psuctl/pkg/messaging.Broker: a small interface with
// independent concrete implementations, selected at runtime by a factory.
package driver

import (
	"context"

	appErrors "github.com/orbitlab/psuctl/pkg/errors"
)

// Driver is the capability surface a Runner drives. All operations are
// fallible and are always called under the Runner's exclusive driver lock
// (spec invariant I5); implementations do not need their own locking for
// calls arriving through this interface, only for any background
// goroutine they start internally (e.g. a serial read loop).
type Driver interface {
	// Initialize brings the device to a known state, enabling over-voltage
	// and over-current protection if the device supports it.
	Initialize(ctx context.Context) error

	// OutputEnabled reports the device's current output-enable state.
	OutputEnabled(ctx context.Context) (bool, error)
	// EnableOutput switches the output on and persists the change to
	// device memory if the device supports that.
	EnableOutput(ctx context.Context) error
	// DisableOutput switches the output off and persists the change.
	DisableOutput(ctx context.Context) error

	// GetVoltage reads back the device's voltage set-point as a decimal string.
	GetVoltage(ctx context.Context) (string, error)
	// SetVoltage parses s and applies it. Returns ErrOutOfBounds if s is
	// outside the declared safety bounds, or a parse error for malformed s.
	SetVoltage(ctx context.Context, s string) error

	// GetCurrent reads back the device's current set-point as a decimal string.
	GetCurrent(ctx context.Context) (string, error)
	// SetCurrent is the current-channel analogue of SetVoltage.
	SetCurrent(ctx context.Context, s string) error

	// Bounds returns the declared safety bounds for this driver instance.
	// Each bound is present==false when the device/config declares none.
	Bounds() Bounds

	// Close releases any resources held by the driver (serial port, etc).
	Close() error
}

// Bound is an optional (min, max) pair.
type Bound struct {
	Min, Max       float64
	HasMin, HasMax bool
}

// Clamp returns v adjusted to fall within the bound, and whether clamping
// was necessary.
func (b Bound) Clamp(v float64) (float64, bool) {
	clamped := v
	changed := false
	if b.HasMin && clamped < b.Min {
		clamped = b.Min
		changed = true
	}
	if b.HasMax && clamped > b.Max {
		clamped = b.Max
		changed = true
	}
	return clamped, changed
}

// Violation reports whether v falls outside the bound without altering it,
// used by SetVoltage/SetCurrent's command-time rejection path (as opposed
// to Clamp's boot-time correction path).
func (b Bound) Violation(v float64) string {
	if b.HasMax && v > b.Max {
		return "exceeds maximum"
	}
	if b.HasMin && v < b.Min {
		return "below minimum"
	}
	return ""
}

// Bounds groups the voltage and current safety bounds declared for one
// driver instance.
type Bounds struct {
	Voltage Bound
	Current Bound
}

// ErrOutOfBounds is returned by SetVoltage/SetCurrent when the requested
// value falls outside the declared safety bounds.
var ErrOutOfBounds = appErrors.InvalidArgument("set-point out of bounds", nil)

// ErrDriverInit is returned by Initialize on failure; the Runner treats it
// as fatal for that instance's lifetime (transition to Panicking).
var ErrDriverInit = appErrors.Internal("driver initialization failed", nil)

// ErrDriverOp is returned for a mid-run I/O failure distinct from a bounds
// violation (e.g. the serial device stopped responding); the Runner also
// treats it as fatal, transitioning to Panicking.
var ErrDriverOp = appErrors.Internal("driver operation failed", nil)

// Manifest describes one driver model for the Factory's catalogue.
type Manifest struct {
	Model       string `json:"-"`
	Description string `json:"description"`
	Bounds      struct {
		MinVoltage *float64 `json:"min_voltage,omitempty"`
		MaxVoltage *float64 `json:"max_voltage,omitempty"`
		MinCurrent *float64 `json:"min_current,omitempty"`
		MaxCurrent *float64 `json:"max_current,omitempty"`
	} `json:"bounds"`
}
