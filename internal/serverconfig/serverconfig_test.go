package serverconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/orbitlab/psuctl/internal/serverconfig"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "psud.json5")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadParsesDevicesAndBounds(t *testing.T) {
	path := writeConfig(t, `{
		// server-global settings
		tui: true,
		mcp: { enable: true, host: "localhost", port: 8081 },
		broker: { host: "localhost", port: 1883, use_builtin: false },
		devices: {
			emu: { model: "emulator", security_max_voltage: 30.0 },
		},
	}`)

	cfg, err := serverconfig.Load(path)
	require.NoError(t, err)
	require.True(t, cfg.TUI)
	require.True(t, cfg.MCP.Enable)
	require.Equal(t, 8081, cfg.MCP.Port)
	require.Len(t, cfg.Devices, 1)

	device := cfg.Devices["emu"]
	require.Equal(t, "emulator", device.Model)
	bounds := device.Bounds()
	require.True(t, bounds.Voltage.HasMax)
	require.Equal(t, 30.0, bounds.Voltage.Max)
	require.False(t, bounds.Voltage.HasMin)
}

func TestLoadRejectsUnknownTopLevelField(t *testing.T) {
	path := writeConfig(t, `{ tui: true, bogus_field: 1 }`)

	_, err := serverconfig.Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus_field")
}

func TestLoadRejectsUnknownDeviceField(t *testing.T) {
	path := writeConfig(t, `{
		devices: { emu: { model: "emulator", bogus: 1 } },
	}`)

	_, err := serverconfig.Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "bogus")
}

func TestLoadRequiresDeviceModel(t *testing.T) {
	path := writeConfig(t, `{
		devices: { emu: { description: "missing model" } },
	}`)

	_, err := serverconfig.Load(path)
	require.Error(t, err)
}
