// Package factory maps a device model string from server configuration to
// a concrete driver.Driver constructor, following the same
// interface-plus-adapter convention used across pkg/compute's vm and
// container backends: callers only ever see the driver.Driver interface,
// never the concrete hardware/emulator type.
package factory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/orbitlab/psuctl/internal/driver"
	"github.com/orbitlab/psuctl/internal/driver/emulator"
	"github.com/orbitlab/psuctl/internal/driver/hardware"
	appErrors "github.com/orbitlab/psuctl/pkg/errors"
)

// ErrUnknownModel is returned by Instantiate when no constructor is
// registered for the requested model.
var ErrUnknownModel = appErrors.InvalidArgument("unknown driver model", nil)

// DeviceConfig carries the per-device fields a model's constructor needs.
// Not every field applies to every model; unused fields are ignored.
type DeviceConfig struct {
	Model       string
	Description string

	// Hardware-only.
	SerialPort string
	BaudRate   int

	// Emulator-only.
	InitialVoltage string
	InitialCurrent string

	Bounds driver.Bounds
}

// entry pairs a model's constructor with the manifest describing it.
type entry struct {
	manifest    driver.Manifest
	instantiate func(ctx context.Context, cfg DeviceConfig) (driver.Driver, error)
}

// Factory builds a driver.Driver for a configured device model and holds
// the catalogue of models it knows how to build.
type Factory struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns a Factory pre-registered with the built-in models: hardware
// and emulator.
func New() *Factory {
	f := &Factory{entries: make(map[string]entry)}
	f.Register("emulator", emulatorManifest(), newEmulator)
	f.Register("hardware", hardwareManifest(), newHardware)
	return f
}

// Register adds or replaces the constructor for model, used both by New's
// built-ins and by anything wiring in an additional model at startup.
func (f *Factory) Register(model string, manifest driver.Manifest, ctor func(ctx context.Context, cfg DeviceConfig) (driver.Driver, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	manifest.Model = model
	f.entries[model] = entry{manifest: manifest, instantiate: ctor}
}

// Instantiate builds a driver.Driver for cfg.Model, or ErrUnknownModel if
// no constructor is registered.
func (f *Factory) Instantiate(ctx context.Context, cfg DeviceConfig) (driver.Driver, error) {
	f.mu.RLock()
	e, ok := f.entries[cfg.Model]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model %q: %w", cfg.Model, ErrUnknownModel)
	}
	return e.instantiate(ctx, cfg)
}

// Manifests returns the registered model -> manifest catalogue, sorted by
// model name, for the manifest writer and the "list --drivers" CLI
// surface.
func (f *Factory) Manifests() []driver.Manifest {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]driver.Manifest, 0, len(f.entries))
	for _, e := range f.entries {
		m := e.manifest
		if m.Description == "" {
			m.Description = e.manifest.Description
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

func emulatorManifest() driver.Manifest {
	return emulator.Manifest()
}

func hardwareManifest() driver.Manifest {
	return hardware.Manifest("hardware", "serial-line power supply")
}

// newEmulator and newHardware only construct and open the driver; bringing
// it to a known state is the Runner's job (boot calls Driver.Initialize),
// so a restarted Runner always re-initializes from scratch per the
// retained-state-is-not-the-source-of-truth design.
func newEmulator(ctx context.Context, cfg DeviceConfig) (driver.Driver, error) {
	return emulator.New(emulator.Config{
		InitialVoltage: cfg.InitialVoltage,
		InitialCurrent: cfg.InitialCurrent,
		Bounds:         cfg.Bounds,
	}), nil
}

func newHardware(ctx context.Context, cfg DeviceConfig) (driver.Driver, error) {
	if cfg.SerialPort == "" {
		return nil, fmt.Errorf("hardware model requires a serial port: %w", driver.ErrDriverInit)
	}
	baud := cfg.BaudRate
	if baud == 0 {
		baud = 9600
	}
	return hardware.Open(hardware.Config{
		Port:   cfg.SerialPort,
		Baud:   baud,
		Bounds: cfg.Bounds,
	})
}
