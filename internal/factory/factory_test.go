package factory_test

import (
	"context"
	"testing"

	"github.com/orbitlab/psuctl/internal/driver"
	"github.com/orbitlab/psuctl/internal/factory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstantiateEmulator(t *testing.T) {
	f := factory.New()
	d, err := f.Instantiate(context.Background(), factory.DeviceConfig{Model: "emulator"})
	require.NoError(t, err)
	defer d.Close()

	enabled, err := d.OutputEnabled(context.Background())
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestInstantiateUnknownModel(t *testing.T) {
	f := factory.New()
	_, err := f.Instantiate(context.Background(), factory.DeviceConfig{Model: "does-not-exist"})
	require.ErrorIs(t, err, factory.ErrUnknownModel)
}

func TestManifestsSortedByModel(t *testing.T) {
	f := factory.New()
	manifests := f.Manifests()
	require.Len(t, manifests, 2)
	assert.Equal(t, "emulator", manifests[0].Model)
	assert.Equal(t, "hardware", manifests[1].Model)
}

func TestRegisterAddsModel(t *testing.T) {
	f := factory.New()
	f.Register("custom", driver.Manifest{Description: "test double"}, func(ctx context.Context, cfg factory.DeviceConfig) (driver.Driver, error) {
		return emulatorLike(), nil
	})

	d, err := f.Instantiate(context.Background(), factory.DeviceConfig{Model: "custom"})
	require.NoError(t, err)
	require.NotNil(t, d)
}

func emulatorLike() driver.Driver {
	f := factory.New()
	d, _ := f.Instantiate(context.Background(), factory.DeviceConfig{Model: "emulator"})
	return d
}
