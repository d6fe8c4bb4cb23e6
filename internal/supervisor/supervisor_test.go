package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orbitlab/psuctl/internal/payload"
	"github.com/orbitlab/psuctl/internal/serverconfig"
	"github.com/orbitlab/psuctl/internal/supervisor"
	"github.com/orbitlab/psuctl/pkg/messaging"
	"github.com/orbitlab/psuctl/pkg/messaging/adapters/memory"
)

func writeConfig(t *testing.T, body string) (dir, path string) {
	t.Helper()
	dir = t.TempDir()
	path = filepath.Join(dir, "psud.json5")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return dir, path
}

func memoryBrokerFactory(b *memory.Broker) func(serverconfig.BrokerConfig) (messaging.Broker, func() error, error) {
	return func(serverconfig.BrokerConfig) (messaging.Broker, func() error, error) {
		return b, b.Close, nil
	}
}

func TestNewLaunchesOneRunnerPerConfiguredDevice(t *testing.T) {
	dir, path := writeConfig(t, `{
		devices: {
			emu: { model: "emulator" },
		},
	}`)

	broker := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sv, err := supervisor.New(ctx, supervisor.Options{
		ConfigDir:     dir,
		ConfigPath:    path,
		ManifestPath:  filepath.Join(dir, "manifest.json"),
		BrokerFactory: memoryBrokerFactory(broker),
	})
	require.NoError(t, err)
	defer sv.Close()

	select {
	case <-sv.Ready():
	case <-time.After(time.Second):
		t.Fatal("supervisor never became ready")
	}

	rn, ok := sv.Runner("emu")
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return rn.Status() == payload.Running
	}, time.Second, time.Millisecond)
}

func TestNewFailsOnUnknownDeviceModel(t *testing.T) {
	dir, path := writeConfig(t, `{
		devices: {
			emu: { model: "does-not-exist" },
		},
	}`)

	broker := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := supervisor.New(ctx, supervisor.Options{
		ConfigDir:     dir,
		ConfigPath:    path,
		ManifestPath:  filepath.Join(dir, "manifest.json"),
		BrokerFactory: memoryBrokerFactory(broker),
	})
	require.Error(t, err)
}

func TestNewWithNoRunnersSkipsDeviceLaunch(t *testing.T) {
	dir, path := writeConfig(t, `{
		devices: {
			emu: { model: "emulator" },
		},
	}`)

	broker := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sv, err := supervisor.New(ctx, supervisor.Options{
		ConfigDir:     dir,
		ConfigPath:    path,
		ManifestPath:  filepath.Join(dir, "manifest.json"),
		NoRunners:     true,
		BrokerFactory: memoryBrokerFactory(broker),
	})
	require.NoError(t, err)
	defer sv.Close()

	_, ok := sv.Runner("emu")
	require.False(t, ok)
}
