// Package serverconfig loads the server-global JSON5 configuration file:
// TUI toggle, MCP bridge settings, broker settings, and the device
// catalogue the Services Supervisor boots a Runner for.
//
// Grounded on pkg/config.Load's load-then-validate shape (cleanenv +
// go-playground/validator), adapted to a JSON5 file source via
// yosuke-furukawa/json5 since this configuration is file-based rather
// than environment-based, and extended with manual unknown-field
// rejection since json5.Unmarshal does not expose encoding/json's
// DisallowUnknownFields.
package serverconfig

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/yosuke-furukawa/json5/encoding/json5"

	"github.com/orbitlab/psuctl/internal/driver"
	appErrors "github.com/orbitlab/psuctl/pkg/errors"
)

// MCPConfig configures the MCP bridge (C9).
type MCPConfig struct {
	Enable bool   `json:"enable"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// BrokerConfig configures the MQTT connection or the embedded broker.
type BrokerConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	UseBuiltin bool   `json:"use_builtin"`
}

// DeviceConfig describes one configured power-supply instance, keyed by
// name in ServerConfig.Devices.
type DeviceConfig struct {
	Model       string `json:"model" validate:"required"`
	Description string `json:"description,omitempty"`

	SecurityMinVoltage *float64 `json:"security_min_voltage,omitempty"`
	SecurityMaxVoltage *float64 `json:"security_max_voltage,omitempty"`
	SecurityMinCurrent *float64 `json:"security_min_current,omitempty"`
	SecurityMaxCurrent *float64 `json:"security_max_current,omitempty"`

	// SerialPort and BaudRate configure the "hardware" model; ignored by
	// models that don't need a serial transport.
	SerialPort string `json:"serial_port,omitempty"`
	BaudRate   int    `json:"baud_rate,omitempty"`

	// InitialVoltage and InitialCurrent seed the "emulator" model's
	// starting set-points, letting an operator exercise boot-time
	// clamping without physical hardware.
	InitialVoltage string `json:"initial_voltage,omitempty"`
	InitialCurrent string `json:"initial_current,omitempty"`
}

// Bounds converts the configured security limits to driver.Bounds.
func (d DeviceConfig) Bounds() driver.Bounds {
	return driver.Bounds{
		Voltage: boundFrom(d.SecurityMinVoltage, d.SecurityMaxVoltage),
		Current: boundFrom(d.SecurityMinCurrent, d.SecurityMaxCurrent),
	}
}

func boundFrom(min, max *float64) driver.Bound {
	var b driver.Bound
	if min != nil {
		b.HasMin, b.Min = true, *min
	}
	if max != nil {
		b.HasMax, b.Max = true, *max
	}
	return b
}

// ServerConfig is the top-level shape of the JSON5 configuration file.
type ServerConfig struct {
	TUI     bool                    `json:"tui"`
	MCP     MCPConfig               `json:"mcp"`
	Broker  BrokerConfig            `json:"broker"`
	Devices map[string]DeviceConfig `json:"devices" validate:"dive"`
}

// The allowed* maps list every key this revision recognizes, at each
// object level, so Load can reject configuration files written for a
// version with a different schema rather than silently ignoring typos.
var allowedTopLevel = map[string]bool{"tui": true, "mcp": true, "broker": true, "devices": true}
var allowedMCP = map[string]bool{"enable": true, "host": true, "port": true}
var allowedBroker = map[string]bool{"host": true, "port": true, "use_builtin": true}
var allowedDevice = map[string]bool{
	"model": true, "description": true,
	"security_min_voltage": true, "security_max_voltage": true,
	"security_min_current": true, "security_max_current": true,
	"serial_port": true, "baud_rate": true,
	"initial_voltage": true, "initial_current": true,
}

// Load reads and validates the JSON5 configuration file at path.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, appErrors.Internal("failed to read server config", err)
	}

	var cfg ServerConfig
	if err := json5.Unmarshal(raw, &cfg); err != nil {
		return nil, appErrors.InvalidArgument("failed to parse server config", err)
	}

	var loose map[string]any
	if err := json5.Unmarshal(raw, &loose); err != nil {
		return nil, appErrors.InvalidArgument("failed to parse server config", err)
	}
	if err := rejectUnknownFields(loose); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, appErrors.InvalidArgument("server config validation failed", err)
	}

	return &cfg, nil
}

func rejectUnknownFields(loose map[string]any) error {
	if key, ok := firstUnknown(loose, allowedTopLevel); ok {
		return appErrors.InvalidArgument(fmt.Sprintf("unknown top-level field %q", key), nil)
	}

	if mcp, ok := loose["mcp"].(map[string]any); ok {
		if key, ok := firstUnknown(mcp, allowedMCP); ok {
			return appErrors.InvalidArgument(fmt.Sprintf("unknown mcp field %q", key), nil)
		}
	}

	if broker, ok := loose["broker"].(map[string]any); ok {
		if key, ok := firstUnknown(broker, allowedBroker); ok {
			return appErrors.InvalidArgument(fmt.Sprintf("unknown broker field %q", key), nil)
		}
	}

	if devices, ok := loose["devices"].(map[string]any); ok {
		names := make([]string, 0, len(devices))
		for name := range devices {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			device, ok := devices[name].(map[string]any)
			if !ok {
				continue
			}
			if key, ok := firstUnknown(device, allowedDevice); ok {
				return appErrors.InvalidArgument(fmt.Sprintf("unknown field %q on device %q", key, name), nil)
			}
		}
	}

	return nil
}

func firstUnknown(fields map[string]any, allowed map[string]bool) (string, bool) {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if !allowed[key] {
			return key, true
		}
	}
	return "", false
}

// EnsureConfigDir creates dir (and any missing parents) if it does not
// already exist, per the supervisor's startup sequence.
func EnsureConfigDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return appErrors.Internal("failed to create config directory", err)
	}
	return nil
}
