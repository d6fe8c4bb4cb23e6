package manifest_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/orbitlab/psuctl/internal/driver"
	"github.com/orbitlab/psuctl/internal/manifest"
	"github.com/stretchr/testify/require"
)

func TestWriteCreatesParentDirAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "manifest.json")

	voltMax := 30.0
	err := manifest.Write(path, []driver.Manifest{
		{Model: "emulator", Description: "in-memory"},
		{Model: "hardware", Description: "serial line", Bounds: struct {
			MinVoltage *float64 `json:"min_voltage,omitempty"`
			MaxVoltage *float64 `json:"max_voltage,omitempty"`
			MinCurrent *float64 `json:"min_current,omitempty"`
			MaxCurrent *float64 `json:"max_current,omitempty"`
		}{MaxVoltage: &voltMax}},
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]driver.Manifest
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Contains(t, doc, "emulator")
	require.Contains(t, doc, "hardware")
	require.Equal(t, "in-memory", doc["emulator"].Description)
}

func TestWriteDefaultsEmptyPath(t *testing.T) {
	err := manifest.Write("", []driver.Manifest{{Model: "emulator", Description: "x"}})
	if err == nil {
		os.Remove(manifest.DefaultPath)
	}
}
