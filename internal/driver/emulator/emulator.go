// Package emulator implements driver.Driver entirely in memory, for use
// without real equipment attached (local development, CI, the §8 test
// scenarios).
package emulator

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/orbitlab/psuctl/internal/driver"
)

// Config seeds the emulator's initial values; zero values are reasonable
// defaults for a freshly "powered on" device.
type Config struct {
	InitialVoltage string
	InitialCurrent string
	Bounds         driver.Bounds
}

// Driver is an in-memory stand-in for a physical power supply. It never
// touches real hardware; every operation just reads or writes a protected
// field.
type Driver struct {
	mu      sync.Mutex
	enabled bool
	voltage string
	current string
	bounds  driver.Bounds
}

// New creates an emulator in the OFF state with the given initial set-points.
func New(cfg Config) *Driver {
	voltage := cfg.InitialVoltage
	if voltage == "" {
		voltage = "0.00"
	}
	current := cfg.InitialCurrent
	if current == "" {
		current = "0.000"
	}
	return &Driver{
		voltage: voltage,
		current: current,
		bounds:  cfg.Bounds,
	}
}

// Manifest describes the emulator for the Factory's catalogue.
func Manifest() driver.Manifest {
	return driver.Manifest{
		Model:       "emulator",
		Description: "in-memory power supply emulator; no hardware required",
	}
}

func (d *Driver) Initialize(ctx context.Context) error {
	return nil
}

func (d *Driver) OutputEnabled(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled, nil
}

func (d *Driver) EnableOutput(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = true
	return nil
}

func (d *Driver) DisableOutput(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
	return nil
}

func (d *Driver) GetVoltage(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.voltage, nil
}

func (d *Driver) SetVoltage(ctx context.Context, s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse voltage %q: %w", s, err)
	}
	if msg := d.bounds.Voltage.Violation(v); msg != "" {
		return fmt.Errorf("voltage %s %s: %w", s, msg, driver.ErrOutOfBounds)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.voltage = strconv.FormatFloat(v, 'f', 2, 64)
	return nil
}

func (d *Driver) GetCurrent(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current, nil
}

func (d *Driver) SetCurrent(ctx context.Context, s string) error {
	c, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse current %q: %w", s, err)
	}
	if msg := d.bounds.Current.Violation(c); msg != "" {
		return fmt.Errorf("current %s %s: %w", s, msg, driver.ErrOutOfBounds)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = strconv.FormatFloat(c, 'f', 3, 64)
	return nil
}

func (d *Driver) Bounds() driver.Bounds {
	return d.bounds
}

func (d *Driver) Close() error {
	return nil
}
